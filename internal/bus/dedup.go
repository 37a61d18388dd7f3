package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// dedupWindow is a time-windowed set of recently seen event identifiers.
// It absorbs redeliveries from the at-least-once stream store so handlers
// observe each event at most once inside the window.
//
// The check and the mark happen in one critical section, so two
// concurrent publishers of the same identifier cannot both pass. The
// publisher that wins must call Unmark if the queue then rejects the
// event, otherwise its retry would look like a duplicate and be lost.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration

	seen      map[uuid.UUID]time.Time
	lastSweep time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window:    window,
		seen:      make(map[uuid.UUID]time.Time),
		lastSweep: time.Now(),
	}
}

// MarkIfUnseen atomically records the identifier unless it was already
// marked within the window. It returns false for duplicates.
func (d *dedupWindow) MarkIfUnseen(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.seen[id]; ok && now.Sub(at) <= d.window {
		return false
	}
	d.seen[id] = now

	// Sweep expired entries at most once per window to bound the map.
	if now.Sub(d.lastSweep) >= d.window {
		for k, at := range d.seen {
			if now.Sub(at) > d.window {
				delete(d.seen, k)
			}
		}
		d.lastSweep = now
	}
	return true
}

// Unmark forgets the identifier, undoing a MarkIfUnseen whose event the
// queue did not accept.
func (d *dedupWindow) Unmark(id uuid.UUID) {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

// Len returns the current number of tracked identifiers.
func (d *dedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
