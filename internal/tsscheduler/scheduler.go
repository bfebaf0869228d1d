// Package tsscheduler implements the Timeslice Scheduler (spec §4.4):
// the authoritative map from ts_id to the senders that have announced
// it and the builder assigned to collect it. Builder state
// (bytes_available/bytes_processed/bytes_assigned) lives in an
// in-memory buntdb so the assignment policy — minimize bytes_assigned
// among builders with non-negative spare capacity — can be expressed
// as an ascending index scan instead of a linear map walk.
package tsscheduler

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// builderRecord is buntdb's fixed-width value for a builder's
// counters. BytesAssigned is encoded first, zero-padded, so the
// default lexical string ordering buntdb.IndexString applies is also
// the ascending bytes_assigned ordering the assignment policy scans
// (spec §4.4 "picks the builder that minimises bytes_assigned").
type builderRecord struct {
	BytesAssigned  uint64
	BytesAvailable uint64
	BytesProcessed uint64
}

func (r builderRecord) encode() string {
	return fmt.Sprintf("%020d:%020d:%020d", r.BytesAssigned, r.BytesAvailable, r.BytesProcessed)
}

func decodeBuilderRecord(s string) builderRecord {
	var r builderRecord
	fmt.Sscanf(s, "%020d:%020d:%020d", &r.BytesAssigned, &r.BytesAvailable, &r.BytesProcessed)
	return r
}

const builderIndex = "by_bytes_assigned"

func builderKey(builderID string) string { return "builder:" + builderID }

// senderAnnouncement records that one sender has announced ts_id with
// the given descriptor/content sizes, awaiting assignment.
type senderAnnouncement struct {
	TsID        uint64
	DescSize    uint64
	ContentSize uint64
}

// Scheduler holds live connection state plus the buntdb-backed
// builder store. It is safe for concurrent use: every exported method
// that touches the in-memory maps locks mu (the builder store relies
// on buntdb's own transactions), since spec §5's single-cooperative-loop model is not how
// this package's caller (Loop) is actually structured — each
// connection is serviced on its own goroutine (internal/tsscheduler's
// loop.go), so the scheduler's own in-memory state must defend itself.
type Scheduler struct {
	mu sync.Mutex
	db *buntdb.DB

	// senderConnections[ep] tracks each live sender's announced ts_ids,
	// keyed by connection identity (spec §4.4 sender_connections).
	senderConnections map[string]map[uint64]senderAnnouncement
	// liveSenders is the total count of connected senders; a ts_id is
	// ready for assignment once every live sender has announced it.
	liveSenders int

	// assignments tracks, for each ts_id pending assignment, which
	// builder (if any) currently owns it.
	assignments map[uint64]string
}

// New opens an in-memory scheduler store.
func New() (*Scheduler, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "tsscheduler: open buntdb")
	}
	if err := db.CreateIndex(builderIndex, "builder:*", buntdb.IndexString); err != nil {
		return nil, errors.Wrap(err, "tsscheduler: create index")
	}
	return &Scheduler{
		db:                db,
		senderConnections: make(map[string]map[uint64]senderAnnouncement),
		assignments:       make(map[uint64]string),
	}, nil
}

// Close releases the underlying store.
func (s *Scheduler) Close() error { return s.db.Close() }

// RegisterSender adds a new live sender connection.
func (s *Scheduler) RegisterSender(ep string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderConnections[ep] = make(map[uint64]senderAnnouncement)
	s.liveSenders++
}

// DisconnectSender removes a sender's connection and every
// announcement it had made, per spec §4.4 Failure: "a sender
// disconnect removes all its announcements and forces any ts_id that
// had been promised to be reannounced (or marked Incomplete)".
// Returns the set of ts_ids that lost their only remaining announcer.
func (s *Scheduler) DisconnectSender(ep string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns, ok := s.senderConnections[ep]
	if !ok {
		return nil
	}
	delete(s.senderConnections, ep)
	s.liveSenders--

	var orphaned []uint64
	for id := range anns {
		if s.countAnnouncers(id) == 0 {
			orphaned = append(orphaned, id)
			delete(s.assignments, id)
		}
	}
	return orphaned
}

func (s *Scheduler) countAnnouncers(id uint64) int {
	n := 0
	for _, anns := range s.senderConnections {
		if _, ok := anns[id]; ok {
			n++
		}
	}
	return n
}

// Announce records that sender ep has announced ts_id, returning true
// if every live sender has now announced it (ready for assignment).
func (s *Scheduler) Announce(ep string, a senderAnnouncement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns, ok := s.senderConnections[ep]
	if !ok {
		return false
	}
	anns[a.TsID] = a
	return s.countAnnouncers(a.TsID) >= s.liveSenders && s.liveSenders > 0
}

// Retract removes a sender's announcement for ts_id.
func (s *Scheduler) Retract(ep string, tsID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if anns, ok := s.senderConnections[ep]; ok {
		delete(anns, tsID)
	}
}

// Announcers returns the endpoint of every sender that has announced
// tsID, so the caller can hand the Timeslice Builder a collection
// descriptor naming who to pull from (spec §4.4/§4.5).
func (s *Scheduler) Announcers(tsID uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var eps []string
	for ep, anns := range s.senderConnections {
		if _, ok := anns[tsID]; ok {
			eps = append(eps, ep)
		}
	}
	return eps
}

// RegisterBuilder adds a builder with zero counters.
func (s *Scheduler) RegisterBuilder(builderID string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(builderKey(builderID), builderRecord{}.encode(), nil)
		return err
	})
}

// UpdateBuilderStatus applies a BUILDER_STATUS report.
func (s *Scheduler) UpdateBuilderStatus(builderID string, bytesAvailable, bytesProcessed uint64) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(builderKey(builderID))
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				cur = builderRecord{}.encode()
			} else {
				return err
			}
		}
		rec := decodeBuilderRecord(cur)
		rec.BytesAvailable = bytesAvailable
		rec.BytesProcessed = bytesProcessed
		_, _, err = tx.Set(builderKey(builderID), rec.encode(), nil)
		return err
	})
}

// DisconnectBuilder removes a builder and returns every ts_id it had
// been assigned but not yet completed, for rescheduling (spec §4.4
// Failure: "a builder disconnect reopens every unfinished assignment
// to that builder").
func (s *Scheduler) DisconnectBuilder(builderID string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reopened []uint64
	for id, b := range s.assignments {
		if b == builderID {
			reopened = append(reopened, id)
			delete(s.assignments, id)
		}
	}
	s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(builderKey(builderID))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
	return reopened
}

// AssignBuilder picks the builder that minimizes bytes_assigned among
// those whose bytes_available − bytes_assigned − contentSize would
// stay non-negative, assigns ts_id to it, and returns its id (spec
// §4.4 Assignment policy). Returns ok=false if no builder qualifies.
func (s *Scheduler) AssignBuilder(tsID uint64, contentSize uint64) (builderID string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(builderIndex, func(key, value string) bool {
			rec := decodeBuilderRecord(value)
			if rec.BytesAvailable < rec.BytesAssigned+contentSize {
				return true // keep scanning; this builder has no spare capacity
			}
			builderID = key[len("builder:"):]
			ok = true
			return false // ascending order means the first fit has the lowest bytes_assigned
		})
	})
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.KindInternalInvariant, err, "tsscheduler: assign builder")
	}
	if !ok {
		return "", false, nil
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		cur, getErr := tx.Get(builderKey(builderID))
		if getErr != nil {
			return getErr
		}
		rec := decodeBuilderRecord(cur)
		rec.BytesAssigned += contentSize
		_, _, setErr := tx.Set(builderKey(builderID), rec.encode(), nil)
		return setErr
	})
	if err != nil {
		return "", false, err
	}
	s.assignments[tsID] = builderID
	return builderID, true, nil
}

// CompleteAssignment releases the bytes_assigned reservation for a
// finished ts_id, called on builder send completion (spec §4.4 "On
// builder send completion, the scheduler ... updates stats").
func (s *Scheduler) CompleteAssignment(tsID uint64, contentSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	builderID, ok := s.assignments[tsID]
	if !ok {
		return nil
	}
	delete(s.assignments, tsID)
	return s.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(builderKey(builderID))
		if err != nil {
			return err
		}
		rec := decodeBuilderRecord(cur)
		if rec.BytesAssigned >= contentSize {
			rec.BytesAssigned -= contentSize
		} else {
			rec.BytesAssigned = 0
		}
		_, _, err = tx.Set(builderKey(builderID), rec.encode(), nil)
		return err
	})
}
