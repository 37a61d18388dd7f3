package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// CircuitState is the dispatch eligibility of a single handler.
type CircuitState int8

const (
	// CircuitClosed means the handler receives dispatches normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the handler is excluded until its cooldown elapses.
	CircuitOpen
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "open"
	}
	return "closed"
}

func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// breaker tracks consecutive failures for one handler. The circuit opens
// when failures reach the threshold and closes again on the first Allow
// after the cooldown has elapsed.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	consecutive int
	open        bool
	openedAt    time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether the handler may receive the next dispatch.
// An open circuit whose cooldown has elapsed closes here, with the
// failure count reset, so dispatch resumes automatically.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.open = false
		b.consecutive = 0
		return true
	}
	return false
}

// Success resets the consecutive failure count.
func (b *breaker) Success() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

// Failure records one failed invocation. Returns true when this failure
// opened the circuit.
func (b *breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	if !b.open && b.consecutive >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
		return true
	}
	return false
}

// State returns the current circuit state without mutating it.
func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open && time.Since(b.openedAt) < b.cooldown {
		return CircuitOpen
	}
	return CircuitClosed
}
