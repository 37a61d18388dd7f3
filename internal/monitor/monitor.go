// Package monitor exposes aggregate flow state for operators and runs
// controlled replays of historical events. It reads from the bus and
// pipeline; it never sits on the hot path.
package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/event"
	"tradecore/internal/observability"
	"tradecore/internal/pipeline"
	"tradecore/internal/stream"
)

// KindSnapshot aggregates one kind's flow counters across the bus and
// pipeline. Throughput is events per second since the previous snapshot.
type KindSnapshot struct {
	Published     uint64  `json:"published"`
	Processed     uint64  `json:"processed"`
	Failed        uint64  `json:"failed"`
	Duplicated    uint64  `json:"duplicated"`
	Rejected      uint64  `json:"rejected"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	Acked         uint64  `json:"acked"`
	Paused        bool    `json:"paused"`
	Throughput    float64 `json:"throughput"`
}

// Snapshot is a point-in-time view of the whole flow.
type Snapshot struct {
	At       time.Time                   `json:"at"`
	Kinds    map[event.Kind]KindSnapshot `json:"kinds"`
	Circuits map[string]bus.CircuitState `json:"circuits"`
	Replay   ReplayStatus                `json:"replay"`
}

// Health is the operator-facing summary derived from a snapshot.
type Health struct {
	Healthy      bool     `json:"healthy"`
	OpenCircuits []string `json:"open_circuits"`
	PausedKinds  []string `json:"paused_kinds"`
}

// Monitor aggregates stats from one engine's bus and pipeline and owns
// the replay coordinator. Construct one per engine.
type Monitor struct {
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
	store    stream.Store
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu            sync.Mutex
	lastAt        time.Time
	lastProcessed map[event.Kind]uint64
	replaying     bool
	lastReplay    *ReplayResult
}

// New wires a monitor over the given components.
func New(
	b *bus.Bus,
	p *pipeline.Pipeline,
	store stream.Store,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Monitor {
	return &Monitor{
		bus:           b,
		pipeline:      p,
		store:         store,
		metrics:       metrics,
		log:           log,
		lastAt:        time.Now(),
		lastProcessed: make(map[event.Kind]uint64),
	}
}

// Snapshot collects the current flow state. Throughput is computed
// against the previous Snapshot call, so a periodic caller sees rates
// over its own interval.
func (m *Monitor) Snapshot() Snapshot {
	now := time.Now()
	busStats := m.bus.Stats()
	pipeStats := m.pipeline.Stats()

	m.mu.Lock()
	elapsed := now.Sub(m.lastAt).Seconds()
	kinds := make(map[event.Kind]KindSnapshot, len(busStats))
	for kind, bs := range busStats {
		ks := KindSnapshot{
			Published:     bs.Published,
			Processed:     bs.Processed,
			Failed:        bs.Failed,
			Duplicated:    bs.Duplicated,
			Rejected:      bs.Rejected,
			QueueDepth:    bs.Depth,
			QueueCapacity: bs.Capacity,
		}
		if ps, ok := pipeStats[kind]; ok {
			ks.Acked = ps.Acked
			ks.Paused = ps.Paused
		}
		if elapsed > 0 {
			ks.Throughput = float64(bs.Processed-m.lastProcessed[kind]) / elapsed
		}
		m.lastProcessed[kind] = bs.Processed
		kinds[kind] = ks
	}
	m.lastAt = now

	status := ReplayStatus{Running: m.replaying}
	if m.lastReplay != nil {
		last := *m.lastReplay
		status.Last = &last
	}
	m.mu.Unlock()

	return Snapshot{
		At:       now,
		Kinds:    kinds,
		Circuits: m.bus.CircuitStates(),
		Replay:   status,
	}
}

// Health reduces the current state to a pass/fail summary. Open
// circuits and paused kinds mark the engine degraded, not down.
func (m *Monitor) Health() Health {
	h := Health{Healthy: true}

	for name, state := range m.bus.CircuitStates() {
		if state == bus.CircuitOpen {
			h.OpenCircuits = append(h.OpenCircuits, name)
			h.Healthy = false
		}
	}
	for kind, ps := range m.pipeline.Stats() {
		if ps.Paused {
			h.PausedKinds = append(h.PausedKinds, kind.String())
			h.Healthy = false
		}
	}
	return h
}
