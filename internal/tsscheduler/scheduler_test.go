package tsscheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAnnounceReadyOnceEveryLiveSenderHasAnnounced(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSender("sender-a")
	s.RegisterSender("sender-b")

	ready := s.Announce("sender-a", senderAnnouncement{TsID: 1, ContentSize: 10})
	assert.False(t, ready, "not ready until every live sender has announced")

	ready = s.Announce("sender-b", senderAnnouncement{TsID: 1, ContentSize: 10})
	assert.True(t, ready)
}

func TestAnnounceFromUnknownSenderIsNoop(t *testing.T) {
	s := newTestScheduler(t)
	ready := s.Announce("ghost", senderAnnouncement{TsID: 1})
	assert.False(t, ready)
}

func TestDisconnectSenderOrphansOnlyUnannouncedElsewhere(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSender("a")
	s.RegisterSender("b")

	s.Announce("a", senderAnnouncement{TsID: 1})
	s.Announce("b", senderAnnouncement{TsID: 1})
	s.Announce("a", senderAnnouncement{TsID: 2}) // only announced by a

	orphaned := s.DisconnectSender("a")
	assert.Equal(t, []uint64{2}, orphaned, "ts_id 1 still has b's announcement")
}

func TestRetractRemovesAnnouncement(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSender("a")
	s.Announce("a", senderAnnouncement{TsID: 1})
	s.Retract("a", 1)

	// after retraction, a single-sender readiness check must fail again
	s.RegisterSender("b")
	ready := s.Announce("b", senderAnnouncement{TsID: 1})
	assert.False(t, ready, "a's retraction means b alone isn't every live sender")
}

func TestAnnouncersListsEveryLiveAnnouncer(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSender("a")
	s.RegisterSender("b")
	s.RegisterSender("c")

	s.Announce("a", senderAnnouncement{TsID: 1})
	s.Announce("c", senderAnnouncement{TsID: 1})
	s.Announce("b", senderAnnouncement{TsID: 2})

	assert.ElementsMatch(t, []string{"a", "c"}, s.Announcers(1))
	assert.ElementsMatch(t, []string{"b"}, s.Announcers(2))
	assert.Empty(t, s.Announcers(999))
}

func TestAssignBuilderPicksMinimalBytesAssigned(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.RegisterBuilder("b1"))
	require.NoError(t, s.RegisterBuilder("b2"))

	require.NoError(t, s.UpdateBuilderStatus("b1", 1000, 0))
	require.NoError(t, s.UpdateBuilderStatus("b2", 1000, 0))

	// saddle b1 with an existing assignment so b2 has the lower
	// bytes_assigned and should be picked next
	id, ok, err := s.AssignBuilder(100, 400)
	require.NoError(t, err)
	require.True(t, ok)
	firstPick := id

	id2, ok, err := s.AssignBuilder(101, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, firstPick, id2, "the second assignment should favor whichever builder has spare capacity and lower bytes_assigned")
}

func TestAssignBuilderSkipsBuildersWithoutCapacity(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.RegisterBuilder("tiny"))
	require.NoError(t, s.RegisterBuilder("big"))
	require.NoError(t, s.UpdateBuilderStatus("tiny", 10, 0))
	require.NoError(t, s.UpdateBuilderStatus("big", 10000, 0))

	builderID, ok, err := s.AssignBuilder(1, 500)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "big", builderID)
}

func TestAssignBuilderReturnsNotOKWhenNoneFit(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.RegisterBuilder("only"))
	require.NoError(t, s.UpdateBuilderStatus("only", 10, 0))

	_, ok, err := s.AssignBuilder(1, 500)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteAssignmentReleasesBytesAssigned(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.RegisterBuilder("b1"))
	require.NoError(t, s.UpdateBuilderStatus("b1", 1000, 0))

	_, ok, err := s.AssignBuilder(1, 400)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CompleteAssignment(1, 400))

	// the full 1000 should be available again for a new assignment
	_, ok, err = s.AssignBuilder(2, 900)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDisconnectBuilderReopensUnfinishedAssignments(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.RegisterBuilder("b1"))
	require.NoError(t, s.UpdateBuilderStatus("b1", 1000, 0))

	_, ok, err := s.AssignBuilder(1, 100)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.AssignBuilder(2, 100)
	require.NoError(t, err)
	require.True(t, ok)

	reopened := s.DisconnectBuilder("b1")
	assert.ElementsMatch(t, []uint64{1, 2}, reopened)
}
