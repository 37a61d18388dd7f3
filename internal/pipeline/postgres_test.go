package pipeline

import (
	"context"
	"testing"

	"tradecore/internal/event"
	"tradecore/internal/stream"
	"tradecore/internal/testutil"
)

func TestPostgresCheckpointsRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	cp, err := OpenPostgresCheckpoints(context.Background(), testutil.TestPostgresDSN())
	if err != nil {
		t.Skipf("test postgres not available: %v", err)
	}
	defer cp.Close()

	db, cleanup := testutil.SetupCheckpointDB(t)
	defer cleanup()
	if _, err := db.Exec("TRUNCATE pipeline_checkpoints"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	ctx := context.Background()

	if _, ok, err := cp.Load(ctx, event.KindFill); err != nil || ok {
		t.Fatalf("Load before save = (ok=%v, err=%v), want absent", ok, err)
	}

	if err := cp.Save(ctx, event.KindFill, stream.Position(42)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	pos, ok, err := cp.Load(ctx, event.KindFill)
	if err != nil || !ok || pos != 42 {
		t.Fatalf("Load = (%d, %v, %v), want (42, true, nil)", pos, ok, err)
	}

	// Saving again overwrites in place.
	if err := cp.Save(ctx, event.KindFill, stream.Position(1000)); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	pos, ok, err = cp.Load(ctx, event.KindFill)
	if err != nil || !ok || pos != 1000 {
		t.Fatalf("Load after overwrite = (%d, %v, %v), want (1000, true, nil)", pos, ok, err)
	}

	// Kinds are independent rows.
	if _, ok, _ := cp.Load(ctx, event.KindOrder); ok {
		t.Error("unrelated kind has a checkpoint")
	}
}
