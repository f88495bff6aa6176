package session

import (
	"context"
	"sync/atomic"

	"konnektsession/internal/lobby"
)

// Future is the handle returned by Submit. It resolves once the controller
// loop has processed (or refused) the command. Cancel releases the caller
// without mutating state when the command has not been picked up yet.
type Future struct {
	done      chan struct{}
	err       error
	cancelled atomic.Bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Cancel marks the future cancelled. A command not yet applied resolves
// with the Cancelled kind and no state change.
func (f *Future) Cancel() {
	f.cancelled.Store(true)
}

// Wait blocks until resolution or context expiry.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the resolution without blocking; callers use Wait first.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

var errCancelled = &lobby.CommandError{Kind: lobby.ErrCancelled}
