// Package xcmd holds small process-lifecycle helpers shared by the
// cmd/* binaries, adapted from the retrieved yanet2
// common/go/xcmd.WaitInterrupted helper.
package xcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Interrupted wraps the signal that triggered shutdown so callers can
// distinguish a clean interrupt from a genuine error with errors.As.
type Interrupted struct {
	Signal os.Signal
}

func (e *Interrupted) Error() string { return "interrupted: " + e.Signal.String() }

// WaitInterrupted blocks until SIGINT/SIGTERM is received or ctx is
// done, returning an *Interrupted in the former case and ctx.Err() in
// the latter. Intended to run in an errgroup alongside the
// component's main loop so either one shutting down cancels the
// group.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		return &Interrupted{Signal: sig}
	case <-ctx.Done():
		return ctx.Err()
	}
}
