// Package gate implements a one-way readiness latch guarding a FIFO of
// deferred callbacks.
package gate

import (
	"errors"
	"sync"
)

// DefaultLimit bounds the number of callbacks waiting for the gate.
const DefaultLimit = 1024

var ErrQueueFull = errors.New("readiness queue is full")

type state int

const (
	pending state = iota
	draining
	open
)

// Gate defers callbacks until Open is called, then runs everything
// immediately. It never closes again.
type Gate struct {
	mu    sync.Mutex
	state state
	queue []func()
	limit int
}

// New returns a closed gate holding at most limit callbacks. A limit <= 0
// selects DefaultLimit.
func New(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{limit: limit}
}

// Ready runs fn now if the gate is open, otherwise queues it. Callbacks
// queued while the gate drains run in the same drain, after the ones already
// waiting.
func (g *Gate) Ready(fn func()) error {
	if fn == nil {
		return nil
	}
	g.mu.Lock()
	if g.state == open {
		g.mu.Unlock()
		fn()
		return nil
	}
	if len(g.queue) >= g.limit {
		g.mu.Unlock()
		return ErrQueueFull
	}
	g.queue = append(g.queue, fn)
	g.mu.Unlock()
	return nil
}

// Open drains the queue in FIFO order on the calling goroutine and returns the
// number of callbacks run. Only the first call drains.
func (g *Gate) Open() int {
	g.mu.Lock()
	if g.state != pending {
		g.mu.Unlock()
		return 0
	}
	g.state = draining

	ran := 0
	for len(g.queue) > 0 {
		fn := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		g.mu.Unlock()
		fn()
		ran++
		g.mu.Lock()
	}
	g.queue = nil
	g.state = open
	g.mu.Unlock()
	return ran
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == open
}

// Len reports how many callbacks are waiting.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
