package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"idrelay/internal/identity/models"
)

// Postgres is the durable mirror backed by PostgreSQL. Steady-state it
// is write-only; BulkLoadRecords runs once at startup to seed the
// in-memory store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pgx pool and ensures the mirror schema exists.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromPool wraps an existing pool; used by integration tests.
func NewPostgresFromPool(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS identity_records (
    key           TEXT PRIMARY KEY,
    display_label TEXT NOT NULL,
    search_key    TEXT NOT NULL,
    secondary_key TEXT NOT NULL DEFAULT '',
    last_seen     TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS identity_records_search_key_idx
    ON identity_records (search_key);
CREATE TABLE IF NOT EXISTS relay_counters (
    name  TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure mirror schema: %w", err)
	}
	return nil
}

// UpsertRecord writes one record. A search key is owned by exactly one
// subject, so any row of a different subject still holding this search
// key is removed in the same transaction; otherwise the unique index
// would reject the write forever.
func (p *Postgres) UpsertRecord(ctx context.Context, rec models.IdentityRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Key, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM identity_records WHERE search_key = $1 AND key <> $2`,
		rec.SearchKey, rec.Key); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Key, err)
	}
	const q = `
INSERT INTO identity_records (key, display_label, search_key, secondary_key, last_seen)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE SET
    display_label = EXCLUDED.display_label,
    search_key    = EXCLUDED.search_key,
    secondary_key = EXCLUDED.secondary_key,
    last_seen     = EXCLUDED.last_seen`
	if _, err := tx.Exec(ctx, q,
		rec.Key, rec.DisplayLabel, rec.SearchKey, rec.SecondaryKey, rec.LastSeen); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Key, err)
	}
	return nil
}

func (p *Postgres) DeleteRecord(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM identity_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) BulkLoadRecords(ctx context.Context) ([]models.IdentityRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT key, display_label, search_key, secondary_key, last_seen
FROM identity_records
ORDER BY search_key`)
	if err != nil {
		return nil, fmt.Errorf("bulk load records: %w", err)
	}
	defer rows.Close()

	var out []models.IdentityRecord
	for rows.Next() {
		var rec models.IdentityRecord
		if err := rows.Scan(&rec.Key, &rec.DisplayLabel, &rec.SearchKey,
			&rec.SecondaryKey, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk load records: %w", err)
	}
	return out, nil
}

func (p *Postgres) UpsertCounter(ctx context.Context, name string, value int64) error {
	const q = `
INSERT INTO relay_counters (name, value) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`
	if _, err := p.pool.Exec(ctx, q, name, value); err != nil {
		return fmt.Errorf("upsert counter %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) LoadCounters(ctx context.Context) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT name, value FROM relay_counters`)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
