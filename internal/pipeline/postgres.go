package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"tradecore/internal/event"
	"tradecore/internal/stream"
)

// PostgresCheckpoints persists checkpoints in a single Postgres table,
// one row per kind, upserted in place.
type PostgresCheckpoints struct {
	db *sql.DB
}

// OpenPostgresCheckpoints connects, verifies connectivity, and ensures
// the checkpoint table exists.
func OpenPostgresCheckpoints(ctx context.Context, dsn string) (*PostgresCheckpoints, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
			kind       TEXT PRIMARY KEY,
			position   BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure checkpoint table: %w", err)
	}

	return &PostgresCheckpoints{db: db}, nil
}

func (p *PostgresCheckpoints) Save(ctx context.Context, kind event.Kind, pos stream.Position) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pipeline_checkpoints (kind, position, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (kind) DO UPDATE SET position = $2, updated_at = now()
	`, kind.String(), int64(pos))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", kind, err)
	}
	return nil
}

func (p *PostgresCheckpoints) Load(ctx context.Context, kind event.Kind) (stream.Position, bool, error) {
	var pos int64
	err := p.db.QueryRowContext(ctx, `
		SELECT position FROM pipeline_checkpoints WHERE kind = $1
	`, kind.String()).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", kind, err)
	}
	return stream.Position(pos), true, nil
}

func (p *PostgresCheckpoints) Close() error {
	return p.db.Close()
}
