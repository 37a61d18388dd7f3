package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tradecore/internal/event"
	"tradecore/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestJetStreamPublishConsumeAckReplay(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := time.Now().UnixNano()
	cfg := JetStreamConfig{
		URL:           testutil.TestNATSURL(),
		StreamPrefix:  fmt.Sprintf("IT_%d", suffix),
		SubjectPrefix: fmt.Sprintf("it.%d.events", suffix),
		Group:         "it",
		Visibility:    2 * time.Second,
	}

	s, err := OpenJetStream(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats unavailable: %v", err)
	}
	t.Cleanup(func() {
		for _, kind := range event.Kinds() {
			s.js.DeleteStream(ctx, s.streamName(kind))
		}
		s.Close()
	})

	before := time.Now().Add(-time.Second)

	var positions []Position
	for i := 1; i <= 3; i++ {
		md, err := event.NewMarketData("feed", "BTC-USD",
			decimal.NewFromInt(int64(i)), decimal.NewFromInt(1))
		if err != nil {
			t.Fatalf("new market data: %v", err)
		}
		pos, err := s.Publish(ctx, md)
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		positions = append(positions, pos)
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] <= positions[i-1] {
			t.Fatalf("positions not monotonic: %v", positions)
		}
	}

	kinds := []event.Kind{event.KindMarketData}
	entries, err := s.Consume(ctx, kinds, "it-1", 2*time.Second, 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("consumed %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Pos != positions[i] {
			t.Errorf("entry %d at position %d, want %d", i, e.Pos, positions[i])
		}
		if e.Deliveries != 1 {
			t.Errorf("entry %d deliveries = %d, want 1", i, e.Deliveries)
		}
		md, ok := e.Ev.(event.MarketData)
		if !ok {
			t.Fatalf("entry %d decoded as %T", i, e.Ev)
		}
		if want := decimal.NewFromInt(int64(i + 1)); !md.Price.Equal(want) {
			t.Errorf("entry %d price = %s, want %s", i, md.Price, want)
		}
	}

	for _, e := range entries {
		if err := s.Ack(ctx, e.Kind, e.Pos); err != nil {
			t.Fatalf("ack %d: %v", e.Pos, err)
		}
	}
	// Acking again is a no-op.
	if err := s.Ack(ctx, event.KindMarketData, entries[0].Pos); err != nil {
		t.Fatalf("repeat ack: %v", err)
	}

	again, err := s.Consume(ctx, kinds, "it-1", 500*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("consume after ack: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("consumed %d entries after full ack, want 0", len(again))
	}

	replayed, err := s.Replay(ctx, event.KindMarketData, before, time.Now(), 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 3 {
		t.Fatalf("replayed %d entries, want 3", len(replayed))
	}
	for i, e := range replayed {
		if e.Pos != positions[i] {
			t.Errorf("replay entry %d at position %d, want %d", i, e.Pos, positions[i])
		}
	}

	limited, err := s.Replay(ctx, event.KindMarketData, before, time.Now(), 2)
	if err != nil {
		t.Fatalf("limited replay: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited replay returned %d entries, want 2", len(limited))
	}
}
