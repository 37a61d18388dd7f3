// Package stream is the durable event log. One append-only log per
// event kind, shared consumer-group consumption with explicit
// acknowledgment and at-least-once redelivery, plus non-destructive
// time-range replay.
package stream

import (
	"context"
	"errors"
	"time"

	"tradecore/internal/event"
)

// ErrUnavailable is reported after connectivity retries are exhausted.
// Callers must degrade (buffer with a hard cap, then shed) rather than
// crash.
var ErrUnavailable = errors.New("stream store unavailable")

// Position is the monotonically increasing identifier of an entry
// within a single kind's log. Positions are not comparable across kinds.
type Position uint64

// Entry is one stored event together with its log coordinates.
type Entry struct {
	Kind event.Kind
	Pos  Position
	Ev   event.Event

	// Stored is the append timestamp, used for range replay and for
	// pacing replayed events by their original inter-arrival gaps.
	Stored time.Time

	// Deliveries counts delivery attempts, 1 on first delivery.
	Deliveries int
}

// Store is the single owner of event persistence. The bus holds only
// transient in-flight copies.
type Store interface {
	// Publish appends the event to its kind's log and returns the
	// assigned position. Safe under concurrent callers. The log is
	// trimmed to an approximate maximum length; callers needing
	// unbounded retention must archive externally.
	Publish(ctx context.Context, ev event.Event) (Position, error)

	// Consume blocks up to maxWait for unacknowledged entries assigned
	// to consumer within the store's consumer group. Entries not acked
	// within the visibility window become eligible for redelivery to
	// another consumer.
	Consume(ctx context.Context, kinds []event.Kind, consumer string, maxWait time.Duration, maxBatch int) ([]Entry, error)

	// Ack marks an entry processed. Idempotent: acking twice is a no-op.
	Ack(ctx context.Context, kind event.Kind, pos Position) error

	// Replay reads historical entries with Stored in [start, end],
	// oldest first, up to limit. It needs no consumer group and leaves
	// acknowledgment state untouched.
	Replay(ctx context.Context, kind event.Kind, start, end time.Time, limit int) ([]Entry, error)

	Close() error
}
