// Package receiver models the station's single RF front-end. Only one
// capture may hold it at a time; Acquire hands out a Lease that must be
// released when the capture ends.
package receiver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnavailable means the hardware is absent. Fatal at startup, a
	// per-job failure afterwards.
	ErrUnavailable = errors.New("receiver unavailable")
	// ErrBusy means another capture holds the receiver.
	ErrBusy = errors.New("receiver busy")
)

// Receiver is a single-slot exclusive resource.
type Receiver struct {
	slot      chan struct{}
	available atomic.Bool
	holder    atomic.Pointer[string]
}

// New returns an available, idle receiver.
func New() *Receiver {
	r := &Receiver{slot: make(chan struct{}, 1)}
	r.available.Store(true)
	return r
}

// Lease is proof of exclusive ownership. Release is idempotent.
type Lease struct {
	r    *Receiver
	once sync.Once
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.r.holder.Store(nil)
		<-l.r.slot
	})
}

// Acquire blocks until the receiver is free or ctx is done. owner is recorded
// for status reporting.
func (r *Receiver) Acquire(ctx context.Context, owner string) (*Lease, error) {
	if !r.Available() {
		return nil, ErrUnavailable
	}
	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !r.Available() {
		<-r.slot
		return nil, ErrUnavailable
	}
	r.holder.Store(&owner)
	return &Lease{r: r}, nil
}

// TryAcquire takes the receiver only if it is free right now.
func (r *Receiver) TryAcquire(owner string) (*Lease, error) {
	if !r.Available() {
		return nil, ErrUnavailable
	}
	select {
	case r.slot <- struct{}{}:
		r.holder.Store(&owner)
		return &Lease{r: r}, nil
	default:
		return nil, ErrBusy
	}
}

// Busy reports whether a lease is outstanding.
func (r *Receiver) Busy() bool { return len(r.slot) == 1 }

// Holder returns the owner of the current lease, or "".
func (r *Receiver) Holder() string {
	if p := r.holder.Load(); p != nil {
		return *p
	}
	return ""
}

func (r *Receiver) Available() bool { return r.available.Load() }

// SetAvailable records hardware presence, typically from the hotplug monitor.
func (r *Receiver) SetAvailable(ok bool) { r.available.Store(ok) }
