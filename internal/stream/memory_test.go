package stream_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradecore/internal/event"
	"tradecore/internal/stream"

	"github.com/shopspring/decimal"
)

func marketData(t *testing.T, symbol string, price string) event.MarketData {
	t.Helper()
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("parse price: %v", err)
	}
	md, err := event.NewMarketData("test-feed", symbol, p, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("construct market data: %v", err)
	}
	return md
}

func TestPublishAssignsMonotonicPositions(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{})
	defer store.Close()

	var last stream.Position
	for i := 0; i < 10; i++ {
		pos, err := store.Publish(ctx, marketData(t, "BTC/USD", "50000"))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if pos <= last {
			t.Fatalf("position %d not monotonic after %d", pos, last)
		}
		last = pos
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{})
	defer store.Close()

	bad := event.MarketData{Header: event.NewHeader("feed"), Symbol: "", Price: decimal.NewFromInt(1)}
	if _, err := store.Publish(ctx, bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConsumePreservesAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{})
	defer store.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := store.Publish(ctx, marketData(t, "BTC/USD", fmt.Sprintf("%d", 50000+i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	entries, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c1", time.Second, n)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("got %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		md := e.Ev.(event.MarketData)
		want := fmt.Sprintf("%d", 50000+i)
		if md.Price.String() != want {
			t.Errorf("entry %d: price %s, want %s (order broken)", i, md.Price, want)
		}
	}
}

func TestConsumeTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{})
	defer store.Close()

	start := time.Now()
	entries, err := store.Consume(ctx, []event.Kind{event.KindOrder}, "c1", 50*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty batch, got %d", len(entries))
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("consume returned after %v, expected it to block near maxWait", elapsed)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{})
	defer store.Close()

	pos, err := store.Publish(ctx, marketData(t, "BTC/USD", "50000"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c1", time.Second, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := store.Ack(ctx, event.KindMarketData, pos); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := store.Ack(ctx, event.KindMarketData, pos); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
	if got := store.PendingCount(event.KindMarketData); got != 0 {
		t.Errorf("pending count after ack: %d, want 0", got)
	}
}

func TestUnackedEntryIsRedelivered(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{Visibility: 30 * time.Millisecond})
	defer store.Close()

	if _, err := store.Publish(ctx, marketData(t, "BTC/USD", "50000")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c1", time.Second, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first consume: %v (%d entries)", err, len(first))
	}
	if first[0].Deliveries != 1 {
		t.Errorf("first delivery count: %d, want 1", first[0].Deliveries)
	}

	// Not acked: after the visibility window another consumer gets it.
	second, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c2", time.Second, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("redelivery consume: %v (%d entries)", err, len(second))
	}
	if second[0].Pos != first[0].Pos {
		t.Errorf("redelivered a different entry: %d vs %d", second[0].Pos, first[0].Pos)
	}
	if second[0].Deliveries != 2 {
		t.Errorf("redelivery count: %d, want 2", second[0].Deliveries)
	}
	if second[0].Ev.EventID() != first[0].Ev.EventID() {
		t.Errorf("redelivered event id changed")
	}
}

func TestAckedEntryIsNotRedelivered(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{Visibility: 20 * time.Millisecond})
	defer store.Close()

	pos, err := store.Publish(ctx, marketData(t, "BTC/USD", "50000"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c1", time.Second, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := store.Ack(ctx, event.KindMarketData, pos); err != nil {
		t.Fatalf("ack: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	entries, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c2", 50*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("acked entry was redelivered: %+v", entries)
	}
}

func TestLogTrimsToMaxLen(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{MaxLen: 5})
	defer store.Close()

	for i := 0; i < 12; i++ {
		if _, err := store.Publish(ctx, marketData(t, "BTC/USD", fmt.Sprintf("%d", 50000+i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := store.Len(event.KindMarketData); got != 5 {
		t.Fatalf("log length after trim: %d, want 5", got)
	}

	// Only the newest 5 survive, still in order.
	entries, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c1", time.Second, 12)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if md := entries[0].Ev.(event.MarketData); md.Price.String() != "50007" {
		t.Errorf("oldest surviving price: %s, want 50007", md.Price)
	}
}

func TestReplayByTimeRange(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{})
	defer store.Close()

	before := time.Now().Add(-time.Second)
	for i := 0; i < 5; i++ {
		if _, err := store.Publish(ctx, marketData(t, "BTC/USD", fmt.Sprintf("%d", 50000+i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	after := time.Now().Add(time.Second)

	entries, err := store.Replay(ctx, event.KindMarketData, before, after, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}

	// Replay does not disturb consumption.
	consumed, err := store.Consume(ctx, []event.Kind{event.KindMarketData}, "c1", time.Second, 5)
	if err != nil || len(consumed) != 5 {
		t.Fatalf("consume after replay: %v (%d entries)", err, len(consumed))
	}

	// A limit caps the result.
	limited, err := store.Replay(ctx, event.KindMarketData, before, after, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited replay: %v (%d entries)", err, len(limited))
	}

	// A range before the first entry matches nothing.
	none, err := store.Replay(ctx, event.KindMarketData, before.Add(-time.Hour), before, 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("out-of-range replay: %v (%d entries)", err, len(none))
	}
}

func TestConcurrentPublishersLoseNothing(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemory(stream.MemoryConfig{MaxLen: 100_000})
	defer store.Close()

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := store.Publish(ctx, marketData(t, "BTC/USD", "50000")); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := store.Len(event.KindMarketData); got != workers*perWorker {
		t.Fatalf("log length %d, want %d", got, workers*perWorker)
	}
}
