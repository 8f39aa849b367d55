// Package gate provides a resettable broadcast barrier.
package gate

import (
	"context"
	"sync"
)

// Gate blocks waiters while closed and releases all of them at once when
// opened. A Gate can be closed again, after which new waiters block until
// the next Open. The zero value is not usable; use New.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

// New returns a gate in the given state.
func New(open bool) *Gate {
	g := &Gate{ch: make(chan struct{})}
	if open {
		g.open = true
		close(g.ch)
	}
	return g
}

// Open releases every current and future waiter until Close is called.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Close makes subsequent waiters block.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// IsOpen reports whether the gate is open.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Done returns a channel that is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
