package dispatch

import (
	"sync"
	"time"
)

type CircuitState int

const (
	// CircuitOpen lets dispatch proceed.
	CircuitOpen CircuitState = iota
	// CircuitTripped halts dispatch for the rest of the run.
	CircuitTripped
)

func (s CircuitState) String() string {
	if s == CircuitTripped {
		return "tripped"
	}
	return "open"
}

// circuit is created per run and never persisted. Once tripped it stays
// tripped. Checks run under a barrier so concurrent workers never probe at
// the same time and all of them observe a trip before their next dispatch.
type circuit struct {
	mu        sync.Mutex
	state     CircuitState
	trippedAt time.Time
	reason    string

	barrier sync.Mutex
}

func (c *circuit) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == CircuitTripped
}

func (c *circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Trip reports whether this call changed the state.
func (c *circuit) Trip(reason string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitTripped {
		return false
	}
	c.state = CircuitTripped
	c.trippedAt = now
	c.reason = reason
	return true
}

// Guard runs check under the barrier unless the circuit already tripped.
// check returns whether to trip.
func (c *circuit) Guard(now func() time.Time, reason string, check func() bool) bool {
	c.barrier.Lock()
	defer c.barrier.Unlock()
	if c.Tripped() {
		return true
	}
	if check() {
		c.Trip(reason, now())
		return true
	}
	return false
}
