package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradecore/internal/event"
)

// ErrReplayInProgress rejects a replay while another one is running.
var ErrReplayInProgress = errors.New("monitor: replay in progress")

// ReplayRequest selects which historical events to re-publish and how
// fast. Speed divides the original inter-arrival gaps: 2.0 replays at
// double speed, 0 replays as fast as possible.
type ReplayRequest struct {
	Kind   event.Kind
	Start  time.Time
	End    time.Time
	Limit  int
	Filter func(event.Event) bool
	Speed  float64
}

// ReplayResult summarizes a finished replay.
type ReplayResult struct {
	Kind        event.Kind    `json:"kind"`
	Matched     int           `json:"matched"`
	Published   int           `json:"published"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ReplayStatus is the replay portion of a Snapshot.
type ReplayStatus struct {
	Running bool          `json:"running"`
	Last    *ReplayResult `json:"last,omitempty"`
}

// Replay re-publishes historical events from the store onto the bus,
// paced by their original inter-arrival gaps divided by req.Speed.
// Only one replay runs at a time. The read is non-destructive: it
// touches no consumer-group cursor and no acknowledgment state.
func (m *Monitor) Replay(ctx context.Context, req ReplayRequest) (ReplayResult, error) {
	if req.Speed < 0 {
		return ReplayResult{}, fmt.Errorf("monitor: speed must be >= 0, got %v", req.Speed)
	}

	m.mu.Lock()
	if m.replaying {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ReplayRejected.Inc()
		}
		return ReplayResult{}, ErrReplayInProgress
	}
	m.replaying = true
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReplayRunning.Set(1)
	}
	defer func() {
		m.mu.Lock()
		m.replaying = false
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ReplayRunning.Set(0)
		}
	}()

	started := time.Now()
	entries, err := m.store.Replay(ctx, req.Kind, req.Start, req.End, req.Limit)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay read: %w", err)
	}

	result := ReplayResult{Kind: req.Kind}
	var prevStored time.Time

	for _, entry := range entries {
		if req.Filter != nil && !req.Filter(entry.Ev) {
			prevStored = entry.Stored
			continue
		}
		result.Matched++

		if req.Speed > 0 && !prevStored.IsZero() {
			gap := entry.Stored.Sub(prevStored)
			if gap > 0 {
				pause := time.Duration(float64(gap) / req.Speed)
				timer := time.NewTimer(pause)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return result, ctx.Err()
				}
			}
		}
		prevStored = entry.Stored

		if err := m.bus.Publish(ctx, entry.Ev); err != nil {
			return result, fmt.Errorf("replay publish at position %d: %w", entry.Pos, err)
		}
		result.Published++
		if m.metrics != nil {
			m.metrics.ReplayedEvents.Inc()
		}
	}

	result.Duration = time.Since(started)
	result.CompletedAt = time.Now()

	m.mu.Lock()
	m.lastReplay = &result
	m.mu.Unlock()

	m.log.Info().
		Str("kind", req.Kind.String()).
		Int("matched", result.Matched).
		Int("published", result.Published).
		Dur("duration", result.Duration).
		Msg("replay complete")

	return result, nil
}
