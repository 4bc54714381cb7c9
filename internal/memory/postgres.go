package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend mirrors the per-character record contract into a jsonb
// column so memory survives device reinstalls when a database is available.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects and ensures the snapshot table exists.
func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory: connect postgres: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memory_records (
			character_id TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, characterID string) (Record, bool, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx,
		`SELECT record FROM memory_records WHERE character_id = $1`,
		characterID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("memory: load %s: %w", characterID, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("memory: decode %s: %w", characterID, err)
	}
	rec.normalize()
	return rec, true, nil
}

func (b *PostgresBackend) Save(ctx context.Context, characterID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", characterID, err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO memory_records (character_id, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (character_id) DO UPDATE SET
			record     = excluded.record,
			updated_at = excluded.updated_at
	`, characterID, raw)
	if err != nil {
		return fmt.Errorf("memory: save %s: %w", characterID, err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, characterID string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM memory_records WHERE character_id = $1`, characterID)
	if err != nil {
		return fmt.Errorf("memory: delete %s: %w", characterID, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
