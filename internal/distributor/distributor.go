// Package distributor implements the Item Distributor (spec §4.6):
// from a single in-process producer (the Timeslice Builder), it
// distributes finished work items to many worker consumers, each
// selecting a stride/offset subset and a queueing policy.
package distributor

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

// Policy is a worker's queueing discipline (spec §4.6).
type Policy int

const (
	// FullyAsync queues every matching item; if delivery fails the
	// item waits on the worker's waiting_items deque.
	FullyAsync Policy = iota
	// PrebufferOne keeps only the single newest waiting item per
	// worker, dropping any older queued item.
	PrebufferOne
	// Skip never queues; an item is delivered only if the worker is
	// currently idle.
	Skip
)

// Item is the minimal shape the distributor needs: an identifier used
// for stride/offset matching plus its payload. The release callback
// run once all interested workers have completed it is passed to
// Publish alongside the Item (spec §4.6 "an item's destructor
// enqueues a message to the producer").
type Item struct {
	ID      uint64
	Payload any
}

// Send delivers an item to a specific worker; returns false if the
// delivery could not be made immediately (e.g. the worker's transport
// write would block), in which case the item is queued per Policy.
type Send func(workerName string, item *Item) bool

// worker is the distributor's bookkeeping for one registered
// consumer.
type worker struct {
	name    string
	stride  uint64
	offset  uint64
	policy  Policy
	send    Send

	busy            bool
	waitingItems    *list.List // *refItem, oldest first
	outstandingItem *refItem
}

func (w *worker) wantsItem(id uint64) bool {
	if w.stride == 0 {
		return true
	}
	return id%w.stride == w.offset
}

// refItem is an item plus the set of workers still holding a
// reference to it; when that set empties, Item's release runs (spec
// §4.6 "reference-counted ... items").
type refItem struct {
	item     *Item
	refs     int
	release  func(*Item)
	released bool
}

func (r *refItem) drop() {
	r.refs--
	if r.refs == 0 && !r.released {
		r.released = true
		if r.release != nil {
			r.release(r.item)
		}
	}
}

// Distributor holds every registered worker and in-flight item.
type Distributor struct {
	mu      sync.Mutex
	workers map[string]*worker
	log     *zap.SugaredLogger
}

// New creates an empty Distributor.
func New(log *zap.SugaredLogger) *Distributor {
	return &Distributor{workers: make(map[string]*worker), log: log}
}

// Register adds a worker (spec §4.6 "REGISTER <stride> <offset>
// <policy> <name>"). Registering a name that's already registered
// replaces it, releasing any items the old registration held.
func (d *Distributor) Register(name string, stride, offset uint64, policy Policy, send Send) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.workers[name]; ok {
		d.releaseWorkerLocked(old)
	}
	d.workers[name] = &worker{
		name:         name,
		stride:       stride,
		offset:       offset,
		policy:       policy,
		send:         send,
		waitingItems: list.New(),
	}
}

func (d *Distributor) releaseWorkerLocked(w *worker) {
	if w.outstandingItem != nil {
		w.outstandingItem.drop()
		w.outstandingItem = nil
	}
	for e := w.waitingItems.Front(); e != nil; e = e.Next() {
		e.Value.(*refItem).drop()
	}
	w.waitingItems.Init()
}

// Disconnect removes a worker (spec §4.6 "Disconnect ... removes the
// worker and releases outstanding items").
func (d *Distributor) Disconnect(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[name]
	if !ok {
		return
	}
	d.releaseWorkerLocked(w)
	delete(d.workers, name)
}

// Publish offers a new item from the producer to every matching
// worker, per each worker's queueing policy.
func (d *Distributor) Publish(item *Item, release func(*Item)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []*worker
	for _, w := range d.workers {
		if w.wantsItem(item.ID) {
			matched = append(matched, w)
		}
	}
	if len(matched) == 0 {
		if release != nil {
			release(item)
		}
		return
	}

	ref := &refItem{item: item, refs: len(matched), release: release}
	for _, w := range matched {
		d.offer(w, ref)
	}
}

func (d *Distributor) offer(w *worker, ref *refItem) {
	switch w.policy {
	case Skip:
		if w.busy {
			ref.drop()
			return
		}
		d.deliver(w, ref)
	case PrebufferOne:
		if !w.busy {
			d.deliver(w, ref)
			return
		}
		for e := w.waitingItems.Front(); e != nil; e = e.Next() {
			e.Value.(*refItem).drop()
		}
		w.waitingItems.Init()
		w.waitingItems.PushBack(ref)
	case FullyAsync:
		if !w.busy {
			d.deliver(w, ref)
			return
		}
		w.waitingItems.PushBack(ref)
	}
}

func (d *Distributor) deliver(w *worker, ref *refItem) {
	if w.send == nil || !w.send(w.name, ref.item) {
		// FullyAsync retries via the waiting queue; Skip/PrebufferOne
		// callers already decided not to queue on failure.
		if w.policy == FullyAsync {
			w.waitingItems.PushBack(ref)
		} else {
			ref.drop()
		}
		return
	}
	w.busy = true
	w.outstandingItem = ref
}

// IdleWorkers returns the name of every registered worker not
// currently holding an outstanding item, so a caller can ping them
// with a periodic heartbeat (spec §4.6 "send idle workers a periodic
// heartbeat so they can detect broker death").
func (d *Distributor) IdleWorkers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var idle []string
	for name, w := range d.workers {
		if !w.busy {
			idle = append(idle, name)
		}
	}
	return idle
}

// Complete handles a worker's COMPLETE <id> message: it drops the
// outstanding item's reference and, if anything is waiting, delivers
// the next one (spec §4.6).
func (d *Distributor) Complete(name string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[name]
	if !ok {
		if d.log != nil {
			d.log.Warnw("distributor: COMPLETE from unknown worker", "worker", name, "id", id)
		}
		return
	}
	if w.outstandingItem == nil || w.outstandingItem.item.ID != id {
		if d.log != nil {
			d.log.Warnw("distributor: COMPLETE for unexpected item", "worker", name, "id", id)
		}
		return
	}
	w.outstandingItem.drop()
	w.outstandingItem = nil
	w.busy = false

	if next := w.waitingItems.Front(); next != nil {
		w.waitingItems.Remove(next)
		d.deliver(w, next.Value.(*refItem))
	}
}
