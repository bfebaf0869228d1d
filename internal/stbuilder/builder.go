// Package stbuilder implements the SubTimeslice Builder (spec §4.2):
// it polls every configured channel for the microslices belonging to
// the current subtimeslice window, builds a SubTimeslice Handle (STH)
// once all channels are ready or the deadline passes, hands it to the
// SubTimeslice Sender, and advances to the next window.
//
// Grounded on original_source/app/stserver/StBuilder.cpp: the run()
// polling loop, handle_completions()'s contiguous-prefix ack_before
// advance, and report_status()'s self-rescheduling 1s timer with
// backpressure retraction above 90% buffer utilization.
package stbuilder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cbm-fles/tscpipe/internal/channel"
	"github.com/cbm-fles/tscpipe/internal/hktimer"
	"github.com/cbm-fles/tscpipe/internal/wire"
)

// Sender is the subset of stsender.Sender the builder depends on,
// named here to avoid stbuilder importing stsender's event-loop
// internals.
type Sender interface {
	AnnounceSubtimeslice(id uint64, desc *wire.StDescriptor, comps []wire.ComponentHandle, wake func())
	RetractSubtimeslice(id uint64, wake func())
	TryReceiveCompletion() (id uint64, ok bool)
}

// Config parameterizes one Builder.
type Config struct {
	DurationNs      uint64
	OverlapBeforeNs uint64
	OverlapAfterNs  uint64
	TimeoutNs       uint64
	PollInterval    time.Duration
	DescArenaUUID   string
	DataArenaUUID   string
	Log             *zap.SugaredLogger
}

// Builder owns a fixed set of channels (one per input component) and
// produces one subtimeslice per DurationNs.
type Builder struct {
	cfg      Config
	channels []*channel.Channel
	sender   Sender
	wake     func()

	tsStartNs uint64
	// pending maps a still-in-flight ts_id to the deadline it must be
	// resolved by (spec §4.2 timeout: "now > ts_start + duration +
	// overlap_after + timeout").
	pending map[uint64]uint64
	// askAgain is the set of channel indices not yet satisfied for the
	// subtimeslice currently being assembled (spec §4.2 "ask_again
	// index set").
	askAgain map[int]struct{}

	timers *hktimer.Scheduler

	bytesAnnounced uint64
}

// New constructs a Builder over channels, starting at tsStartNs.
func New(cfg Config, channels []*channel.Channel, sender Sender, wake func(), tsStartNs uint64) *Builder {
	return &Builder{
		cfg:       cfg,
		channels:  channels,
		sender:    sender,
		wake:      wake,
		tsStartNs: tsStartNs,
		pending:   make(map[uint64]uint64),
		askAgain:  make(map[int]struct{}),
		timers:    hktimer.New(),
	}
}

func (b *Builder) tsID() uint64 {
	if b.cfg.DurationNs == 0 {
		return 0
	}
	return b.tsStartNs / b.cfg.DurationNs
}

// Run drives the builder until ctx is cancelled: initial ack_before,
// then the per-iteration check_availability poll / timeout / provide
// loop (spec §4.2 run()).
func (b *Builder) Run(ctx context.Context) error {
	for _, c := range b.channels {
		_ = c.AckBefore(^uint64(0)) // initial: release everything already in the ring
	}
	b.resetAskAgain()

	b.timers.Add(&hktimer.Task{
		Name: "stbuilder-status",
		Fire: func(now time.Time) time.Duration {
			b.reportStatus()
			return time.Second
		},
	}, time.Now(), time.Second)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			b.handleCompletions()
			b.timers.RunDue(now)
			b.pollOnce(uint64(now.UnixNano()))
		}
	}
}

func (b *Builder) resetAskAgain() {
	b.askAgain = make(map[int]struct{}, len(b.channels))
	for i := range b.channels {
		b.askAgain[i] = struct{}{}
	}
}

// windowStart is the earliest microslice time the current window asks
// the channels for: the window start minus the overlap-before region.
func (b *Builder) windowStart() uint64 {
	if b.tsStartNs < b.cfg.OverlapBeforeNs {
		return 0
	}
	return b.tsStartNs - b.cfg.OverlapBeforeNs
}

// pollOnce runs one check_availability pass over the channels still
// outstanding for the current window, providing the subtimeslice once
// every channel is ready or the deadline has passed.
func (b *Builder) pollOnce(nowNs uint64) {
	if len(b.askAgain) == 0 {
		b.provideSubtimeslice()
		return
	}

	firstMsTime := b.windowStart()
	lastMsTime := b.tsStartNs + b.cfg.DurationNs + b.cfg.OverlapAfterNs

	for i := range b.askAgain {
		switch b.channels[i].CheckAvailability(firstMsTime, lastMsTime) {
		case channel.StatusOK, channel.StatusFailed:
			delete(b.askAgain, i)
		case channel.StatusTryLater:
		}
	}

	deadline := b.tsStartNs + b.cfg.DurationNs + b.cfg.OverlapAfterNs + b.cfg.TimeoutNs
	if len(b.askAgain) == 0 || nowNs > deadline {
		b.provideSubtimeslice()
	}
}

// provideSubtimeslice builds the STH for the current window from
// every channel (missing ones flagged Incomplete; a channel still
// waiting at the deadline is left out), announces it, and advances to
// the next window (spec §4.2 provide_subtimeslice).
func (b *Builder) provideSubtimeslice() {
	firstMsTime := b.windowStart()
	lastMsTime := b.tsStartNs + b.cfg.DurationNs + b.cfg.OverlapAfterNs

	sth := &wire.StDescriptor{
		StartTimeNs: b.tsStartNs,
		DurationNs:  b.cfg.DurationNs,
	}
	comps := make([]wire.ComponentHandle, 0, len(b.channels))

	for i, c := range b.channels {
		if _, late := b.askAgain[i]; late {
			sth.IsIncomplete = true
			continue
		}
		comp, err := c.GetDescriptor(firstMsTime, lastMsTime)
		if err != nil {
			sth.IsIncomplete = true
			sth.Components = append(sth.Components, wire.StComponentDescriptor{IsMissingMs: true})
			comps = append(comps, wire.ComponentHandle{MissingMicroslices: true})
			continue
		}
		if comp.MissingMicroslices {
			sth.IsIncomplete = true
		}
		sth.Components = append(sth.Components, componentToWire(comp))
		comps = append(comps, comp)
	}

	id := b.tsID()
	b.pending[id] = lastMsTime + b.cfg.TimeoutNs
	b.bytesAnnounced += sth.Size()
	b.sender.AnnounceSubtimeslice(id, sth, comps, b.wake)

	b.tsStartNs += b.cfg.DurationNs
	b.resetAskAgain()
}

// componentToWire flattens a channel's in-process handle into the
// size-only form the wire StDescriptor carries; the real iovecs are
// passed alongside to AnnounceSubtimeslice and travel separately
// through the Sender's announcedComponents, mirroring how the
// original keeps StComponentHandle (in-process, ucp_dt_iov) and
// StComponentDescriptor (wire, offset/size) as distinct types.
func componentToWire(c wire.ComponentHandle) wire.StComponentDescriptor {
	return wire.StComponentDescriptor{
		Descriptor:  wire.DataDescriptor{Size: sumLengths(c.Descriptors)},
		Content:     wire.DataDescriptor{Size: sumLengths(c.Contents)},
		IsMissingMs: c.MissingMicroslices,
	}
}

func sumLengths(iovs []wire.Iovec) uint64 {
	var n uint64
	for _, iov := range iovs {
		n += iov.Length
	}
	return n
}

// handleCompletions drains completions from the sender, advancing
// ack_before for the longest contiguous prefix of completed
// subtimeslices (spec §4.2 handle_completions).
func (b *Builder) handleCompletions() {
	completed := make(map[uint64]struct{})
	for {
		id, ok := b.sender.TryReceiveCompletion()
		if !ok {
			break
		}
		completed[id] = struct{}{}
		delete(b.pending, id)
	}
	if len(completed) == 0 {
		return
	}

	// Advance ack_before to the start of the oldest still-pending id,
	// or to the current window start if nothing remains pending.
	var minPendingStart uint64 = ^uint64(0)
	for id := range b.pending {
		start := id * b.cfg.DurationNs
		if start < minPendingStart {
			minPendingStart = start
		}
	}
	ackTime := minPendingStart
	if ackTime == ^uint64(0) {
		ackTime = b.tsStartNs
	}
	for _, c := range b.channels {
		_ = c.AckBefore(ackTime)
	}
}

// reportStatus mirrors StBuilder::report_status: on >90% buffer
// utilization across channels, retract every not-yet-completed
// pending subtimeslice to relieve backpressure.
func (b *Builder) reportStatus() {
	now := uint64(time.Now().UnixNano())
	var maxFill float64
	for _, c := range b.channels {
		m := c.GetMonitoring(now)
		if m.BufferFillLevel > maxFill {
			maxFill = m.BufferFillLevel
		}
	}
	if b.cfg.Log != nil {
		b.cfg.Log.Debugw("stbuilder status", "max_buffer_utilization", maxFill, "pending", len(b.pending))
	}
	if maxFill <= 0.9 {
		return
	}
	for id := range b.pending {
		b.sender.RetractSubtimeslice(id, b.wake)
		delete(b.pending, id)
	}
}
