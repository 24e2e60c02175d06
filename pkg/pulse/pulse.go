// Package pulse provides a one-shot completion signal with separate sender
// and receiver sides.
//
// The sender fires at most once. A receiver that is dropped without waiting
// costs nothing; the sender never blocks or fails on its behalf.
package pulse

import (
	"context"
	"errors"
	"sync"
)

// ErrDisconnected is returned by Wait when the sender was closed without firing.
var ErrDisconnected = errors.New("pulse: sender disconnected before firing")

type state struct {
	once  sync.Once
	done  chan struct{}
	fired bool // written once inside once.Do, read after <-done
}

// Sender is the firing side of a signal.
type Sender struct{ s *state }

// Receiver is the waiting side of a signal.
type Receiver struct{ s *state }

// New returns a connected receiver/sender pair.
func New() (*Receiver, *Sender) {
	s := &state{done: make(chan struct{})}
	return &Receiver{s: s}, &Sender{s: s}
}

// Pulse fires the signal. It reports whether this call was the one that
// resolved it; later calls (and calls after Disconnect) are no-ops.
func (p *Sender) Pulse() bool { return p.resolve(true) }

// Disconnect resolves the signal without firing, so waiters get ErrDisconnected.
func (p *Sender) Disconnect() bool { return p.resolve(false) }

func (p *Sender) resolve(fired bool) bool {
	if p == nil || p.s == nil {
		return false
	}
	won := false
	p.s.once.Do(func() {
		p.s.fired = fired
		won = true
		close(p.s.done)
	})
	return won
}

// Wait blocks until the signal fires (nil) or the sender disconnects.
func (r *Receiver) Wait() error {
	<-r.s.done
	return r.result()
}

// WaitContext is Wait bounded by ctx.
func (r *Receiver) WaitContext(ctx context.Context) error {
	select {
	case <-r.s.done:
		return r.result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the signal is resolved either way.
func (r *Receiver) Done() <-chan struct{} { return r.s.done }

// Fired reports, without blocking, whether the signal has fired.
func (r *Receiver) Fired() bool {
	select {
	case <-r.s.done:
		return r.s.fired
	default:
		return false
	}
}

func (r *Receiver) result() error {
	if r.s.fired {
		return nil
	}
	return ErrDisconnected
}
