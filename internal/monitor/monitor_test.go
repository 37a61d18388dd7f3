package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/event"
	"tradecore/internal/observability"
	"tradecore/internal/pipeline"
	"tradecore/internal/stream"
)

type fixture struct {
	store    *stream.Memory
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
	monitor  *Monitor
}

func newFixture(t *testing.T, busCfg bus.Config) *fixture {
	t.Helper()

	log := observability.NewLoggerWithLevel("monitor-test", zerolog.Disabled)
	store := stream.NewMemory(stream.MemoryConfig{})
	b := bus.NewBus(busCfg, nil, log)
	p := pipeline.New(pipeline.Config{MaxWait: 20 * time.Millisecond}, store, b, nil, nil, log)
	p.Start(context.Background())
	m := New(b, p, store, nil, log)

	t.Cleanup(func() {
		p.Stop()
		b.Stop()
		store.Close()
	})

	return &fixture{store: store, bus: b, pipeline: p, monitor: m}
}

func marketData(t *testing.T, price int64) event.MarketData {
	t.Helper()
	md, err := event.NewMarketData("test-feed", "BTC/USD",
		decimal.NewFromInt(price), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("NewMarketData: %v", err)
	}
	return md
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// recorder collects event IDs in dispatch order.
type recorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recorder) handle(ctx context.Context, ev event.Event) error {
	r.mu.Lock()
	r.ids = append(r.ids, ev.EventID())
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func (r *recorder) slice(from, to int) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids[from:to]...)
}

func TestSnapshotAggregatesFlowState(t *testing.T) {
	f := newFixture(t, bus.Config{})

	rec := &recorder{}
	f.bus.Subscribe("recorder", rec.handle, []event.Kind{event.KindMarketData}, bus.PriorityNormal)

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := f.store.Publish(context.Background(), marketData(t, int64(i)+1)); err != nil {
			t.Fatalf("store.Publish %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return rec.len() == n })
	waitFor(t, 5*time.Second, func() bool {
		return f.pipeline.Stats()[event.KindMarketData].Acked == n
	})

	snap := f.monitor.Snapshot()
	ks := snap.Kinds[event.KindMarketData]
	if ks.Published != n || ks.Processed != n || ks.Acked != n {
		t.Errorf("snapshot = published %d processed %d acked %d, want %d each",
			ks.Published, ks.Processed, ks.Acked, n)
	}
	if ks.QueueCapacity == 0 {
		t.Error("queue capacity missing from snapshot")
	}
	if state, ok := snap.Circuits["recorder"]; !ok || state != bus.CircuitClosed {
		t.Errorf("circuits[recorder] = %v (present %v), want closed", state, ok)
	}
	if snap.Replay.Running {
		t.Error("replay reported running with none started")
	}
}

func TestHealthReflectsOpenCircuit(t *testing.T) {
	f := newFixture(t, bus.Config{BreakerThreshold: 1, BreakerCooldown: time.Minute})

	f.bus.Subscribe("broken", func(ctx context.Context, ev event.Event) error {
		return errors.New("boom")
	}, []event.Kind{event.KindMarketData}, bus.PriorityNormal)

	if h := f.monitor.Health(); !h.Healthy {
		t.Fatalf("expected healthy before any failure, got %+v", h)
	}

	if _, err := f.store.Publish(context.Background(), marketData(t, 1)); err != nil {
		t.Fatalf("store.Publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		h := f.monitor.Health()
		return !h.Healthy && len(h.OpenCircuits) == 1 && h.OpenCircuits[0] == "broken"
	})
}

func TestReplayRepublishesRangeInOrder(t *testing.T) {
	// Short dedup window so replayed identifiers are accepted again.
	f := newFixture(t, bus.Config{DedupWindow: time.Millisecond})

	rec := &recorder{}
	f.bus.Subscribe("recorder", rec.handle, []event.Kind{event.KindMarketData}, bus.PriorityNormal)

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := f.store.Publish(context.Background(), marketData(t, int64(i)+1)); err != nil {
			t.Fatalf("store.Publish %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return rec.len() == n })
	live := rec.slice(0, n)

	time.Sleep(10 * time.Millisecond) // let dedup marks expire

	res, err := f.monitor.Replay(context.Background(), ReplayRequest{
		Kind:  event.KindMarketData,
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
		Speed: 0,
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Matched != n || res.Published != n {
		t.Fatalf("replay matched %d published %d, want %d each", res.Matched, res.Published, n)
	}

	waitFor(t, 5*time.Second, func() bool { return rec.len() == 2*n })
	replayed := rec.slice(n, 2*n)
	for i := range live {
		if live[i] != replayed[i] {
			t.Fatalf("replay order diverged at %d: live %s, replayed %s", i, live[i], replayed[i])
		}
	}

	snap := f.monitor.Snapshot()
	if snap.Replay.Last == nil || snap.Replay.Last.Published != n {
		t.Errorf("snapshot missing completed replay result: %+v", snap.Replay)
	}
}

func TestReplayIsDeterministicAtFullSpeed(t *testing.T) {
	f := newFixture(t, bus.Config{DedupWindow: time.Millisecond})

	rec := &recorder{}
	f.bus.Subscribe("recorder", rec.handle, []event.Kind{event.KindMarketData}, bus.PriorityNormal)

	const n = 8
	for i := 0; i < n; i++ {
		if _, err := f.store.Publish(context.Background(), marketData(t, int64(i)+1)); err != nil {
			t.Fatalf("store.Publish %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return rec.len() == n })

	req := ReplayRequest{
		Kind:  event.KindMarketData,
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
		Speed: 0,
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := f.monitor.Replay(context.Background(), req); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.len() == 2*n })

	time.Sleep(10 * time.Millisecond)
	if _, err := f.monitor.Replay(context.Background(), req); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.len() == 3*n })

	first := rec.slice(n, 2*n)
	second := rec.slice(2*n, 3*n)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("replays diverged at %d: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestReplayFilterSelectsSubset(t *testing.T) {
	f := newFixture(t, bus.Config{DedupWindow: time.Millisecond})

	rec := &recorder{}
	f.bus.Subscribe("recorder", rec.handle, []event.Kind{event.KindMarketData}, bus.PriorityNormal)

	for i := 1; i <= 10; i++ {
		if _, err := f.store.Publish(context.Background(), marketData(t, int64(i))); err != nil {
			t.Fatalf("store.Publish %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return rec.len() == 10 })

	time.Sleep(10 * time.Millisecond)
	res, err := f.monitor.Replay(context.Background(), ReplayRequest{
		Kind:  event.KindMarketData,
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
		Filter: func(ev event.Event) bool {
			return ev.(event.MarketData).Price.GreaterThan(decimal.NewFromInt(7))
		},
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Matched != 3 || res.Published != 3 {
		t.Errorf("replay matched %d published %d, want 3 each", res.Matched, res.Published)
	}
}

func TestConcurrentReplayRejected(t *testing.T) {
	f := newFixture(t, bus.Config{DedupWindow: time.Millisecond})

	f.bus.Subscribe("sink", func(ctx context.Context, ev event.Event) error {
		return nil
	}, []event.Kind{event.KindMarketData}, bus.PriorityNormal)

	const n = 4
	for i := 0; i < n; i++ {
		if _, err := f.store.Publish(context.Background(), marketData(t, int64(i)+1)); err != nil {
			t.Fatalf("store.Publish %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool {
		return f.pipeline.Stats()[event.KindMarketData].Acked == n
	})

	started := make(chan struct{})
	var once sync.Once
	firstDone := make(chan error, 1)
	go func() {
		_, err := f.monitor.Replay(context.Background(), ReplayRequest{
			Kind:  event.KindMarketData,
			Start: time.Now().Add(-time.Hour),
			End:   time.Now(),
			Filter: func(ev event.Event) bool {
				once.Do(func() { close(started) })
				time.Sleep(50 * time.Millisecond)
				return true
			},
		})
		firstDone <- err
	}()

	<-started
	_, err := f.monitor.Replay(context.Background(), ReplayRequest{
		Kind:  event.KindMarketData,
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
	})
	if !errors.Is(err, ErrReplayInProgress) {
		t.Fatalf("concurrent replay = %v, want ErrReplayInProgress", err)
	}

	if err := <-firstDone; err != nil {
		t.Fatalf("first replay: %v", err)
	}

	// The slot frees once the first replay completes.
	if _, err := f.monitor.Replay(context.Background(), ReplayRequest{
		Kind:  event.KindMarketData,
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
	}); err != nil {
		t.Fatalf("replay after completion: %v", err)
	}
}
