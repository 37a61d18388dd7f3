package pipeline

import (
	"context"
	"sync"

	"tradecore/internal/event"
	"tradecore/internal/stream"
)

// CheckpointStore persists the last-acknowledged stream position per
// kind. Checkpoints are advisory: the stream's consumer-group cursor is
// the authoritative recovery mechanism, checkpoints only speed up warm
// restarts and feed operator visibility.
type CheckpointStore interface {
	// Save records the position for a kind, overwriting any prior value.
	Save(ctx context.Context, kind event.Kind, pos stream.Position) error

	// Load returns the saved position for a kind. The second return is
	// false when no checkpoint exists yet.
	Load(ctx context.Context, kind event.Kind) (stream.Position, bool, error)

	Close() error
}

// MemoryCheckpoints keeps checkpoints in a map. Used in tests and in
// single-process deployments where a restart cold-starts anyway.
type MemoryCheckpoints struct {
	mu        sync.Mutex
	positions map[event.Kind]stream.Position
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{
		positions: make(map[event.Kind]stream.Position),
	}
}

func (m *MemoryCheckpoints) Save(ctx context.Context, kind event.Kind, pos stream.Position) error {
	m.mu.Lock()
	m.positions[kind] = pos
	m.mu.Unlock()
	return nil
}

func (m *MemoryCheckpoints) Load(ctx context.Context, kind event.Kind) (stream.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[kind]
	return pos, ok, nil
}

func (m *MemoryCheckpoints) Close() error { return nil }
