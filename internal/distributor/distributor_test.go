package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDistributor() *Distributor {
	return New(zap.NewNop().Sugar())
}

func TestStrideOffsetMatching(t *testing.T) {
	d := newTestDistributor()

	var got []uint64
	d.Register("even", 2, 0, FullyAsync, func(name string, item *Item) bool {
		got = append(got, item.ID)
		return true
	})
	d.Register("odd", 2, 1, FullyAsync, func(name string, item *Item) bool {
		got = append(got, item.ID+1000)
		return true
	})

	for id := uint64(0); id < 4; id++ {
		d.Publish(&Item{ID: id}, nil)
		d.Complete("even", id)
		d.Complete("odd", id)
	}

	assert.ElementsMatch(t, []uint64{0, 2, 1001, 1003}, got)
}

func TestStrideZeroMatchesEverything(t *testing.T) {
	d := newTestDistributor()
	var count int
	d.Register("all", 0, 0, FullyAsync, func(string, *Item) bool {
		count++
		return true
	})
	for id := uint64(0); id < 5; id++ {
		d.Publish(&Item{ID: id}, nil)
		d.Complete("all", id)
	}
	assert.Equal(t, 5, count)
}

func TestPublishReleasesWhenNoWorkerMatches(t *testing.T) {
	d := newTestDistributor()
	released := false
	d.Publish(&Item{ID: 1}, func(*Item) { released = true })
	assert.True(t, released, "an item with no matching workers must release immediately")
}

func TestSkipPolicyDropsWhileBusy(t *testing.T) {
	d := newTestDistributor()
	delivered := 0
	d.Register("w", 0, 0, Skip, func(string, *Item) bool {
		delivered++
		return true
	})

	var releasedIDs []uint64
	d.Publish(&Item{ID: 1}, func(i *Item) { releasedIDs = append(releasedIDs, i.ID) })
	// worker is now busy; a second item must be dropped, not queued
	d.Publish(&Item{ID: 2}, func(i *Item) { releasedIDs = append(releasedIDs, i.ID) })

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []uint64{2}, releasedIDs, "the dropped item releases immediately")

	d.Complete("w", 1)
	assert.Equal(t, []uint64{2, 1}, releasedIDs)
}

func TestPrebufferOneKeepsOnlyNewest(t *testing.T) {
	d := newTestDistributor()
	var delivered []uint64
	d.Register("w", 0, 0, PrebufferOne, func(name string, item *Item) bool {
		delivered = append(delivered, item.ID)
		return true
	})

	var released []uint64
	d.Publish(&Item{ID: 1}, func(i *Item) { released = append(released, i.ID) }) // delivered immediately
	d.Publish(&Item{ID: 2}, func(i *Item) { released = append(released, i.ID) }) // queued
	d.Publish(&Item{ID: 3}, func(i *Item) { released = append(released, i.ID) }) // replaces 2, which releases

	require.Contains(t, released, uint64(2), "superseded prebuffered item releases immediately")
	assert.NotContains(t, released, uint64(3))

	d.Complete("w", 1)
	assert.Equal(t, []uint64{1, 3}, delivered, "only the newest prebuffered item is ever delivered")
}

func TestFullyAsyncQueuesAndDrainsInOrder(t *testing.T) {
	d := newTestDistributor()
	var delivered []uint64
	d.Register("w", 0, 0, FullyAsync, func(name string, item *Item) bool {
		delivered = append(delivered, item.ID)
		return true
	})

	d.Publish(&Item{ID: 1}, nil)
	d.Publish(&Item{ID: 2}, nil)
	d.Publish(&Item{ID: 3}, nil)
	assert.Equal(t, []uint64{1}, delivered)

	d.Complete("w", 1)
	assert.Equal(t, []uint64{1, 2}, delivered)

	d.Complete("w", 2)
	assert.Equal(t, []uint64{1, 2, 3}, delivered)
}

func TestDisconnectReleasesOutstandingAndQueuedItems(t *testing.T) {
	d := newTestDistributor()
	d.Register("w", 0, 0, FullyAsync, func(string, *Item) bool { return true })

	var released []uint64
	d.Publish(&Item{ID: 1}, func(i *Item) { released = append(released, i.ID) })
	d.Publish(&Item{ID: 2}, func(i *Item) { released = append(released, i.ID) })

	d.Disconnect("w")
	assert.ElementsMatch(t, []uint64{1, 2}, released)

	// COMPLETE after disconnect is a no-op, not a panic.
	d.Complete("w", 1)
}

func TestRegisterReplacesExistingWorker(t *testing.T) {
	d := newTestDistributor()
	d.Register("w", 0, 0, FullyAsync, func(string, *Item) bool { return true })

	var released []uint64
	d.Publish(&Item{ID: 1}, func(i *Item) { released = append(released, i.ID) })

	// Re-registering under the same name must release whatever the old
	// registration was holding.
	d.Register("w", 0, 0, FullyAsync, func(string, *Item) bool { return true })
	assert.Equal(t, []uint64{1}, released)
}

func TestIdleWorkersExcludesBusyOnes(t *testing.T) {
	d := newTestDistributor()
	d.Register("busy", 0, 0, FullyAsync, func(string, *Item) bool { return true })
	d.Register("idle", 2, 1, FullyAsync, func(string, *Item) bool { return true })

	// "busy" matches every item and goes outstanding; "idle" only wants
	// odd ids, so it never matches item 0 and stays idle.
	d.Publish(&Item{ID: 0}, nil)

	assert.ElementsMatch(t, []string{"idle"}, d.IdleWorkers())

	d.Complete("busy", 0)
	assert.ElementsMatch(t, []string{"busy", "idle"}, d.IdleWorkers())
}

func TestCompleteForUnexpectedItemIsIgnored(t *testing.T) {
	d := newTestDistributor()
	var delivered []uint64
	d.Register("w", 0, 0, FullyAsync, func(name string, item *Item) bool {
		delivered = append(delivered, item.ID)
		return true
	})
	d.Publish(&Item{ID: 1}, nil)

	d.Complete("w", 999) // wrong id, should be ignored
	d.Complete("nobody", 1)

	d.Publish(&Item{ID: 2}, nil)
	// item 2 only delivers once item 1's COMPLETE actually lands
	assert.Equal(t, []uint64{1}, delivered)

	d.Complete("w", 1)
	assert.Equal(t, []uint64{1, 2}, delivered)
}
