package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRate keeps the sliding action window in a shared Postgres
// table, one row per registered action, pruned on write.
type PostgresRate struct {
	db *sql.DB
}

const rateSchema = `
CREATE TABLE IF NOT EXISTS action_rate_events (
	tenant_id TEXT NOT NULL,
	ts DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_rate_tenant_ts
	ON action_rate_events (tenant_id, ts);
`

func NewPostgresRate(dsn string) (*PostgresRate, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("quota: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	rate := &PostgresRate{db: db}
	if err := rate.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rate, nil
}

// NewPostgresRateWithDB wraps an existing handle without touching the
// schema.
func NewPostgresRateWithDB(db *sql.DB) *PostgresRate {
	return &PostgresRate{db: db}
}

func (r *PostgresRate) ensureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, rateSchema); err != nil {
		return fmt.Errorf("quota: ensure rate schema: %w", err)
	}
	return nil
}

func (r *PostgresRate) Register(ctx context.Context, tenantID string, ts float64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quota: postgres register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_rate_events (tenant_id, ts) VALUES ($1, $2)`,
		tenantID, ts); err != nil {
		return fmt.Errorf("quota: postgres register: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM action_rate_events WHERE tenant_id = $1 AND ts < $2`,
		tenantID, ts-3600.0); err != nil {
		return fmt.Errorf("quota: postgres prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quota: postgres register commit: %w", err)
	}
	return nil
}

func (r *PostgresRate) CountSince(ctx context.Context, tenantID string, sinceTS float64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_rate_events WHERE tenant_id = $1 AND ts >= $2`,
		tenantID, sinceTS).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("quota: postgres count: %w", err)
	}
	return count, nil
}

// Close releases the underlying pool.
func (r *PostgresRate) Close() error {
	return r.db.Close()
}
