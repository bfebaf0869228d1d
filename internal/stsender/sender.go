// Package stsender implements the SubTimeslice Sender (spec §4.3): it
// holds every subtimeslice a SubTimeslice Builder has finished and not
// yet been told to drop, serves them to Timeslice Builders on demand,
// and keeps exactly one connection to the Timeslice Scheduler alive.
//
// It is grounded on original_source/app/tsc_server/StSender.cpp: a
// single cooperative worker goroutine owns all mutable protocol
// state (announced, activeSendRequests, the scheduler connection);
// producer threads only ever push onto mutex-guarded queues and kick
// an eventfd, exactly as the original's announce_subtimeslice/
// retract_subtimeslice/try_receive_completion do.
package stsender

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/cbm-fles/tscpipe/internal/shm"
	"github.com/cbm-fles/tscpipe/internal/wire"
)

// announcement is one queued announce_subtimeslice call. comps carries
// the real in-process iovecs behind desc's flattened sizes, so the
// loop can serve a genuine zero-copy SENDER_SEND_ST later.
type announcement struct {
	id    uint64
	desc  *wire.StDescriptor
	comps []wire.ComponentHandle
}

// Sender is the SubTimeslice Sender's state. All fields are only
// ever mutated on the loop goroutine (see loop.go); queue/Completions
// are the sole cross-goroutine surface and are mutex-guarded.
type Sender struct {
	SenderID string

	// plane resolves a ComponentHandle's ShmHandle.ArenaUUID back to
	// mapped bytes: the same *shm.Plane that created the channel
	// desc/data arenas this process also owns, so Open always hits the
	// already-cached arena (spec §4.3 zero-copy send).
	plane *shm.Plane

	queueMu              sync.Mutex
	pendingAnnouncements []announcement
	pendingRetractions   []uint64

	completionsMu sync.Mutex
	completions   []uint64

	// announced holds every subtimeslice ready to be served, keyed by
	// ts_id; only touched on the loop goroutine.
	announced map[uint64]*wire.StDescriptor
	// announcedComponents holds the real iovecs behind each entry in
	// announced, so handleBuilderReadable can serve actual descriptor
	// and content bytes instead of sizes alone (spec §4.3 "announced:
	// ts_id → (descriptor_bytes, iovecs)").
	announcedComponents map[uint64][]wire.ComponentHandle
	// activeSendRequests records the ts_id whose SENDER_SEND_ST is
	// being written; handleBuilderReadable sets and clears the entry
	// around its synchronous send, and nothing else reads it.
	activeSendRequests map[uint64]struct{}

	// dedup rejects duplicate announce/retract bursts that can arrive
	// during a scheduler-reconnect storm, ahead of the authoritative
	// announced map (a probabilistic pre-filter, not a correctness
	// requirement: announced is always consulted too). Entries are
	// removed via forgetID as soon as an id is retired, so a long run
	// never grows the filter's live cardinality past the current
	// working set.
	dedup *cuckoo.Filter
}

// New creates a Sender identifying itself to the scheduler as
// senderID, resolving announced iovecs against plane.
func New(senderID string, plane *shm.Plane) *Sender {
	return &Sender{
		SenderID:            senderID,
		plane:               plane,
		announced:           make(map[uint64]*wire.StDescriptor),
		announcedComponents: make(map[uint64][]wire.ComponentHandle),
		activeSendRequests:  make(map[uint64]struct{}),
		dedup:               cuckoo.NewFilter(1 << 16),
	}
}

// AnnounceSubtimeslice queues a finished subtimeslice for
// announcement to the scheduler. Safe to call from any goroutine
// (spec §4.3 "announce_subtimeslice"); wake is called after queuing so
// the caller can kick the loop's eventfd.
func (s *Sender) AnnounceSubtimeslice(id uint64, desc *wire.StDescriptor, comps []wire.ComponentHandle, wake func()) {
	s.queueMu.Lock()
	s.pendingAnnouncements = append(s.pendingAnnouncements, announcement{id: id, desc: desc, comps: comps})
	s.queueMu.Unlock()
	if wake != nil {
		wake()
	}
}

// RetractSubtimeslice queues withdrawal of a previously announced (or
// not-yet-announced) subtimeslice.
func (s *Sender) RetractSubtimeslice(id uint64, wake func()) {
	s.queueMu.Lock()
	s.pendingRetractions = append(s.pendingRetractions, id)
	s.queueMu.Unlock()
	if wake != nil {
		wake()
	}
}

// TryReceiveCompletion drains one locally-completed ts_id (spec §4.3
// "try_receive_completion"), returning ok=false if none are pending.
func (s *Sender) TryReceiveCompletion() (id uint64, ok bool) {
	s.completionsMu.Lock()
	defer s.completionsMu.Unlock()
	if len(s.completions) == 0 {
		return 0, false
	}
	id = s.completions[0]
	s.completions = s.completions[1:]
	return id, true
}

func (s *Sender) completeLocally(id uint64) {
	s.completionsMu.Lock()
	s.completions = append(s.completions, id)
	s.completionsMu.Unlock()
}

// drainQueues moves everything queued by producer threads into the
// loop-owned state. Must only be called from the loop goroutine.
func (s *Sender) drainQueues() {
	s.queueMu.Lock()
	anns := s.pendingAnnouncements
	rets := s.pendingRetractions
	s.pendingAnnouncements = nil
	s.pendingRetractions = nil
	s.queueMu.Unlock()

	for _, a := range anns {
		if s.alreadySeen(a.id, 'a') {
			continue
		}
		s.announced[a.id] = a.desc
		s.announcedComponents[a.id] = a.comps
	}
	for _, id := range rets {
		seen := s.alreadySeen(id, 'r')
		if _, ok := s.announced[id]; ok {
			delete(s.announced, id)
			delete(s.announcedComponents, id)
			s.forgetID(id)
		}
		if seen {
			// Already retracted in an earlier burst (e.g. while the
			// scheduler connection was flapping); still complete
			// locally so the producer's item refcount always drops.
			s.completeLocally(id)
			continue
		}
		// Whether or not it had reached announced yet, retraction
		// always completes locally (spec §4.3 Retraction).
		s.completeLocally(id)
	}
}

// dedupKey builds the cuckoo filter key for (id, tag): tag
// distinguishes announce from retract so a legitimate
// announce-then-retract pair for the same id isn't mistaken for a
// duplicate.
func dedupKey(id uint64, tag byte) []byte {
	key := make([]byte, 9)
	key[0] = tag
	key[1] = byte(id)
	key[2] = byte(id >> 8)
	key[3] = byte(id >> 16)
	key[4] = byte(id >> 24)
	key[5] = byte(id >> 32)
	key[6] = byte(id >> 40)
	key[7] = byte(id >> 48)
	key[8] = byte(id >> 56)
	return key
}

// alreadySeen probabilistically rejects a duplicate announce/retract
// for the same (id, op) pair arriving twice in quick succession, ahead
// of the authoritative announced map. Lookup is non-mutating, so a
// filter that's merely full (as opposed to genuinely holding this key)
// never masquerades as a duplicate; Insert is then best-effort and
// tolerates a full filter by simply not pre-filtering that id next
// time, rather than wrongly suppressing it now.
func (s *Sender) alreadySeen(id uint64, tag byte) bool {
	key := dedupKey(id, tag)
	if s.dedup.Lookup(key) {
		return true
	}
	s.dedup.Insert(key)
	return false
}

// forgetID removes both the announce and retract dedup entries for id,
// called whenever id is fully retired from announced, so the filter's
// live cardinality tracks the current working set rather than growing
// for the lifetime of the process (spec §8.4 round-trip invariant).
func (s *Sender) forgetID(id uint64) {
	s.dedup.Delete(dedupKey(id, 'a'))
	s.dedup.Delete(dedupKey(id, 'r'))
}

// flushAnnouncedLocally completes every still-announced id locally,
// used on scheduler disconnect (spec §4.3 Reconnection).
func (s *Sender) flushAnnouncedLocally() {
	for id := range s.announced {
		s.completeLocally(id)
		delete(s.announced, id)
		delete(s.announcedComponents, id)
		s.forgetID(id)
	}
}
