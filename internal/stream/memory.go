package stream

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/event"
)

// MemoryConfig tunes the in-process store.
type MemoryConfig struct {
	// MaxLen is the approximate per-kind log cap; oldest entries are
	// trimmed past it.
	MaxLen int

	// Visibility is how long a delivered entry may stay unacked before
	// it becomes eligible for redelivery.
	Visibility time.Duration
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.MaxLen <= 0 {
		c.MaxLen = 10_000
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	return c
}

// Memory is an in-process Store with the same delivery semantics as the
// JetStream backend: per-kind append order, one consumer group with a
// shared cursor, visibility-window redelivery, idempotent ack, and
// approximate trimming. Used for embedded runs, backtests, and tests.
type Memory struct {
	cfg MemoryConfig

	mu     sync.Mutex
	logs   map[event.Kind]*memLog
	closed bool
}

type memLog struct {
	firstPos Position
	nextPos  Position
	entries  []memEntry

	// cursor is the next never-delivered position in the group.
	cursor Position

	// pending tracks delivered-but-unacked positions.
	pending map[Position]*pendingEntry
}

type memEntry struct {
	ev     event.Event
	stored time.Time
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// NewMemory creates an empty in-process store.
func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		cfg:  cfg.withDefaults(),
		logs: make(map[event.Kind]*memLog),
	}
}

func (m *Memory) log(kind event.Kind) *memLog {
	l, ok := m.logs[kind]
	if !ok {
		l = &memLog{
			firstPos: 1,
			nextPos:  1,
			cursor:   1,
			pending:  make(map[Position]*pendingEntry),
		}
		m.logs[kind] = l
	}
	return l
}

func (m *Memory) Publish(ctx context.Context, ev event.Event) (Position, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnavailable
	}

	l := m.log(ev.Kind())
	pos := l.nextPos
	l.nextPos++
	l.entries = append(l.entries, memEntry{ev: ev, stored: time.Now()})

	// Approximate trim, oldest first. A trimmed entry disappears even
	// if it was pending.
	for len(l.entries) > m.cfg.MaxLen {
		delete(l.pending, l.firstPos)
		if l.cursor == l.firstPos {
			l.cursor++
		}
		l.entries = l.entries[1:]
		l.firstPos++
	}

	return pos, nil
}

func (m *Memory) Consume(ctx context.Context, kinds []event.Kind, consumer string, maxWait time.Duration, maxBatch int) ([]Entry, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	deadline := time.Now().Add(maxWait)

	for {
		batch := m.collect(kinds, consumer, maxBatch)
		if len(batch) > 0 {
			return batch, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := 5 * time.Millisecond
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Memory) collect(kinds []event.Kind, consumer string, maxBatch int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	now := time.Now()
	var batch []Entry

	for _, kind := range kinds {
		l := m.log(kind)

		// Redeliver entries whose visibility window lapsed.
		for pos, p := range l.pending {
			if len(batch) >= maxBatch {
				break
			}
			if now.Sub(p.deliveredAt) < m.cfg.Visibility {
				continue
			}
			e, ok := l.at(pos)
			if !ok {
				delete(l.pending, pos)
				continue
			}
			p.consumer = consumer
			p.deliveredAt = now
			p.deliveries++
			batch = append(batch, Entry{
				Kind:       kind,
				Pos:        pos,
				Ev:         e.ev,
				Stored:     e.stored,
				Deliveries: p.deliveries,
			})
		}

		// First deliveries from the group cursor.
		for l.cursor < l.nextPos && len(batch) < maxBatch {
			pos := l.cursor
			l.cursor++
			e, ok := l.at(pos)
			if !ok {
				continue
			}
			l.pending[pos] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
			batch = append(batch, Entry{
				Kind:       kind,
				Pos:        pos,
				Ev:         e.ev,
				Stored:     e.stored,
				Deliveries: 1,
			})
		}
	}

	return batch
}

func (l *memLog) at(pos Position) (memEntry, bool) {
	if pos < l.firstPos || pos >= l.nextPos {
		return memEntry{}, false
	}
	return l.entries[pos-l.firstPos], true
}

func (m *Memory) Ack(ctx context.Context, kind event.Kind, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	// Absent from pending means never delivered or already acked;
	// either way the ack is a no-op.
	delete(m.log(kind).pending, pos)
	return nil
}

func (m *Memory) Replay(ctx context.Context, kind event.Kind, start, end time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}

	l := m.log(kind)
	var out []Entry
	for i, e := range l.entries {
		if e.stored.Before(start) || e.stored.After(end) {
			continue
		}
		out = append(out, Entry{
			Kind:   kind,
			Pos:    l.firstPos + Position(i),
			Ev:     e.ev,
			Stored: e.stored,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len reports the current length of one kind's log.
func (m *Memory) Len(kind event.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log(kind).entries)
}

// PendingCount reports delivered-but-unacked entries for one kind.
func (m *Memory) PendingCount(kind event.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log(kind).pending)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
