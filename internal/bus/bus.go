// Package bus routes events from the processing pipeline to registered
// handlers. It preserves FIFO order per event kind, drops redelivered
// duplicates inside a time window, runs handlers grouped by descending
// priority with concurrency inside each group, and isolates repeatedly
// failing handlers behind per-handler circuit breakers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/event"
	"tradecore/internal/observability"
)

var (
	// ErrQueueFull is the backpressure signal: the kind queue stayed full
	// for the whole publish timeout.
	ErrQueueFull = errors.New("bus: queue full")

	// ErrStopped is returned by Publish after Stop has been called.
	ErrStopped = errors.New("bus: stopped")
)

// Priority orders handler execution within a kind. Higher priorities run
// first; handlers sharing a priority run concurrently.
type Priority int8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Handler processes one event. The context carries the invocation
// timeout; handlers doing blocking work must respect it.
type Handler func(ctx context.Context, ev event.Event) error

// HandlerID identifies a subscription for Unsubscribe.
type HandlerID uint64

// Config holds the tunable bus parameters. Zero values take defaults.
type Config struct {
	// QueueSize is the per-kind queue capacity. Default 1024.
	QueueSize int
	// PublishTimeout bounds how long Publish blocks on a full queue
	// before failing with ErrQueueFull. Default 100ms.
	PublishTimeout time.Duration
	// HandlerTimeout bounds a single handler invocation. A timed-out
	// invocation counts as a failure for circuit breaking. Default 5s.
	HandlerTimeout time.Duration
	// DedupWindow is how long event identifiers are remembered for
	// duplicate suppression. Default 5m.
	DedupWindow time.Duration
	// BreakerThreshold is the consecutive failure count that opens a
	// handler's circuit. Default 5.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit excludes its handler
	// before dispatch is retried. Default 60s.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 100 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	return c
}

type subscription struct {
	id       HandlerID
	name     string
	fn       Handler
	kinds    []event.Kind
	priority Priority
	breaker  *breaker
}

// kindCounters are the per-kind flow counters, updated with atomics so
// Stats never contends with the dispatch path.
type kindCounters struct {
	published  atomic.Uint64
	processed  atomic.Uint64
	failed     atomic.Uint64
	duplicated atomic.Uint64
	rejected   atomic.Uint64
}

// KindStats is a point-in-time snapshot of one kind's flow.
type KindStats struct {
	Published  uint64
	Processed  uint64
	Failed     uint64
	Duplicated uint64
	Rejected   uint64
	Depth      int
	Capacity   int
}

// Bus is an in-process event dispatcher. Construct one per engine with
// NewBus and pass it explicitly to everything that publishes or
// subscribes.
type Bus struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	subs   map[event.Kind][]*subscription
	byID   map[HandlerID]*subscription
	nextID HandlerID

	queues   map[event.Kind]chan event.Event
	counters map[event.Kind]*kindCounters
	dedup    *dedupWindow

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBus creates the bus and starts one dispatch loop per event kind.
func NewBus(cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Bus {
	cfg = cfg.withDefaults()

	b := &Bus{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		subs:     make(map[event.Kind][]*subscription),
		byID:     make(map[HandlerID]*subscription),
		queues:   make(map[event.Kind]chan event.Event),
		counters: make(map[event.Kind]*kindCounters),
		dedup:    newDedupWindow(cfg.DedupWindow),
		stopCh:   make(chan struct{}),
	}

	for _, kind := range event.Kinds() {
		b.queues[kind] = make(chan event.Event, cfg.QueueSize)
		b.counters[kind] = &kindCounters{}
		if metrics != nil {
			metrics.QueueCapacity.WithLabelValues(kind.String()).Set(float64(cfg.QueueSize))
		}

		b.wg.Add(1)
		go b.dispatchLoop(kind)
	}

	return b
}

// Subscribe registers a handler for the given kinds at the given
// priority and returns its identifier. The name labels logs, metrics
// and circuit state; it should be stable across restarts.
func (b *Bus) Subscribe(name string, fn Handler, kinds []event.Kind, priority Priority) HandlerID {
	// Out-of-range priorities would index past the dispatch groups.
	if priority < PriorityLow {
		priority = PriorityLow
	}
	if priority > PriorityCritical {
		priority = PriorityCritical
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		name:     name,
		fn:       fn,
		kinds:    append([]event.Kind(nil), kinds...),
		priority: priority,
		breaker:  newBreaker(b.cfg.BreakerThreshold, b.cfg.BreakerCooldown),
	}

	for _, kind := range sub.kinds {
		b.subs[kind] = append(b.subs[kind], sub)
	}
	b.byID[sub.id] = sub

	b.log.Debug().
		Str("handler", name).
		Uint64("handler_id", uint64(sub.id)).
		Str("priority", priority.String()).
		Msg("handler subscribed")

	return sub.id
}

// Unsubscribe removes a subscription. Unknown identifiers are a no-op.
func (b *Bus) Unsubscribe(id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	for _, kind := range sub.kinds {
		list := b.subs[kind]
		for i, s := range list {
			if s.id == id {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish enqueues the event onto its kind queue. Duplicates inside the
// dedup window are dropped silently. A full queue blocks the caller up
// to PublishTimeout before failing with ErrQueueFull.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	kind := ev.Kind()
	q, ok := b.queues[kind]
	if !ok {
		return fmt.Errorf("bus: no queue for kind %s", kind)
	}

	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}

	if !b.dedup.MarkIfUnseen(ev.EventID()) {
		b.counters[kind].duplicated.Add(1)
		if b.metrics != nil {
			b.metrics.EventsDuplicated.WithLabelValues(kind.String()).Inc()
		}
		return nil
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case q <- ev:
		b.counters[kind].published.Add(1)
		if b.metrics != nil {
			b.metrics.EventsPublished.WithLabelValues(kind.String()).Inc()
			b.metrics.QueueDepth.WithLabelValues(kind.String()).Set(float64(len(q)))
		}
		// A stop racing this enqueue may already have drained the
		// queue; report ErrStopped so the caller does not ack on the
		// assumption of delivery. Stop's final sweep dispatches
		// whatever this enqueue won.
		select {
		case <-b.stopCh:
			return ErrStopped
		default:
		}
		return nil
	case <-timer.C:
		b.dedup.Unmark(ev.EventID())
		b.counters[kind].rejected.Add(1)
		if b.metrics != nil {
			b.metrics.QueueFull.WithLabelValues(kind.String()).Inc()
		}
		return ErrQueueFull
	case <-ctx.Done():
		b.dedup.Unmark(ev.EventID())
		return ctx.Err()
	case <-b.stopCh:
		b.dedup.Unmark(ev.EventID())
		return ErrStopped
	}
}

// Depth returns the current number of queued events for a kind.
func (b *Bus) Depth(kind event.Kind) int {
	if q, ok := b.queues[kind]; ok {
		return len(q)
	}
	return 0
}

// Capacity returns the queue capacity for a kind.
func (b *Bus) Capacity(kind event.Kind) int {
	if q, ok := b.queues[kind]; ok {
		return cap(q)
	}
	return 0
}

// Stats snapshots the per-kind flow counters and queue depths.
func (b *Bus) Stats() map[event.Kind]KindStats {
	out := make(map[event.Kind]KindStats, len(b.counters))
	for kind, c := range b.counters {
		out[kind] = KindStats{
			Published:  c.published.Load(),
			Processed:  c.processed.Load(),
			Failed:     c.failed.Load(),
			Duplicated: c.duplicated.Load(),
			Rejected:   c.rejected.Load(),
			Depth:      len(b.queues[kind]),
			Capacity:   cap(b.queues[kind]),
		}
	}
	return out
}

// CircuitStates reports the circuit state per subscribed handler name.
func (b *Bus) CircuitStates() map[string]CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]CircuitState, len(b.byID))
	for _, sub := range b.byID {
		out[sub.name] = sub.breaker.State()
	}
	return out
}

// Stop shuts the bus down gracefully: publishers are rejected with
// ErrStopped, the dispatch loops drain what is already queued with
// handler timeouts still applied, then everything returns.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()

	// A publisher racing the stop can win its enqueue after the
	// dispatch loop's drain already returned. Sweep each queue once
	// more so nothing accepted sits undelivered.
	for kind, q := range b.queues {
	sweep:
		for {
			select {
			case ev := <-q:
				b.dispatch(kind, ev)
			default:
				break sweep
			}
		}
	}
}

// dispatchLoop is the single consumer of one kind queue. FIFO order per
// kind holds because events only leave the queue here, one at a time.
func (b *Bus) dispatchLoop(kind event.Kind) {
	defer b.wg.Done()

	q := b.queues[kind]
	for {
		select {
		case ev := <-q:
			b.dispatch(kind, ev)
		case <-b.stopCh:
			// Drain what was accepted before the stop.
			for {
				select {
				case ev := <-q:
					b.dispatch(kind, ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans the event out by priority group, highest first.
// Handlers in the same group run concurrently and are joined before
// the next group starts.
func (b *Bus) dispatch(kind event.Kind, ev event.Event) {
	b.mu.RLock()
	var groups [numPriorities][]*subscription
	for _, sub := range b.subs[kind] {
		groups[sub.priority] = append(groups[sub.priority], sub)
	}
	b.mu.RUnlock()

	for p := numPriorities - 1; p >= 0; p-- {
		group := groups[p]
		if len(group) == 0 {
			continue
		}
		var wg sync.WaitGroup
		for _, sub := range group {
			wg.Add(1)
			go func(sub *subscription) {
				defer wg.Done()
				b.invoke(sub, ev)
			}(sub)
		}
		wg.Wait()
	}

	b.counters[kind].processed.Add(1)
	if b.metrics != nil {
		b.metrics.EventsProcessed.WithLabelValues(kind.String()).Inc()
		b.metrics.QueueDepth.WithLabelValues(kind.String()).Set(float64(len(b.queues[kind])))
	}
}

// invoke runs one handler with the configured timeout. Failures and
// timeouts feed the handler's circuit breaker; an open circuit skips
// the invocation entirely.
func (b *Bus) invoke(sub *subscription, ev event.Event) {
	if !sub.breaker.Allow() {
		if b.metrics != nil {
			b.metrics.CircuitOpen.WithLabelValues(sub.name).Set(1)
		}
		return
	}
	if b.metrics != nil {
		b.metrics.CircuitOpen.WithLabelValues(sub.name).Set(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.fn(ctx, ev)
	}()

	var err error
	var reason string
	select {
	case err = <-done:
		reason = "error"
	case <-ctx.Done():
		err = ctx.Err()
		reason = "timeout"
	}

	if b.metrics != nil {
		b.metrics.HandlerDuration.
			WithLabelValues(ev.Kind().String(), sub.priority.String()).
			Observe(time.Since(start).Seconds())
	}

	if err == nil {
		sub.breaker.Success()
		return
	}

	opened := sub.breaker.Failure()
	b.counters[ev.Kind()].failed.Add(1)
	if b.metrics != nil {
		b.metrics.EventsFailed.WithLabelValues(ev.Kind().String(), reason).Inc()
		if opened {
			b.metrics.CircuitOpen.WithLabelValues(sub.name).Set(1)
		}
	}

	logEvt := b.log.Warn().
		Str("handler", sub.name).
		Str("kind", ev.Kind().String()).
		Str("event_id", ev.EventID().String()).
		Str("reason", reason).
		Err(err)
	if opened {
		logEvt = logEvt.Bool("circuit_opened", true)
	}
	logEvt.Msg("handler failed")
}
