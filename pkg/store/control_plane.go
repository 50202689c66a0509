// Package store is the SQLite control plane shared across engine
// processes: tenant quotas, action-rate events, artifact usage, session
// leases, and circuit-breaker state. WAL with synchronous=FULL keeps
// counters durable; a process-local mutex serialises writers so the
// single-writer semantics hold within a process as well.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// CircuitSnapshot is one circuit's persisted state.
type CircuitSnapshot struct {
	State    string
	OpenedAt float64
}

// ControlPlane is the durable shared state backing quotas, leases, and
// breakers.
type ControlPlane struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or opens) the control-plane database at dbPath and runs
// the schema migration.
func Open(dbPath string) (*ControlPlane, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Serialised writes through one connection.
	db.SetMaxOpenConns(1)
	cp := &ControlPlane{db: db}
	if err := cp.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cp, nil
}

// NewWithDB wraps an existing database handle; used by tests.
func NewWithDB(db *sql.DB) (*ControlPlane, error) {
	cp := &ControlPlane{db: db}
	if err := cp.initialize(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *ControlPlane) initialize() error {
	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := cp.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tenant_quota (
		tenant_id TEXT PRIMARY KEY,
		quota_json TEXT NOT NULL,
		updated_at REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS action_events (
		tenant_id TEXT NOT NULL,
		ts REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_events_tenant_ts ON action_events(tenant_id, ts);

	CREATE TABLE IF NOT EXISTS artifact_usage (
		tenant_id TEXT PRIMARY KEY,
		bytes_used INTEGER NOT NULL,
		updated_at REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_lease (
		workflow_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		heartbeat_ts REAL NOT NULL,
		created_ts REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_lease_tenant ON session_lease(tenant_id);

	CREATE TABLE IF NOT EXISTS circuit_state (
		domain TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		opened_at REAL NOT NULL,
		updated_at REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS circuit_failures (
		domain TEXT NOT NULL,
		ts REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_circuit_failures_domain_ts ON circuit_failures(domain, ts);
	`
	if _, err := cp.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (cp *ControlPlane) Close() error {
	return cp.db.Close()
}

func nowTS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// SetQuota upserts the quota payload for a tenant.
func (cp *ControlPlane) SetQuota(ctx context.Context, tenantID string, quota map[string]interface{}) error {
	payload, err := json.Marshal(quota)
	if err != nil {
		return fmt.Errorf("store: marshal quota: %w", err)
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err = cp.db.ExecContext(ctx, `
		INSERT INTO tenant_quota(tenant_id, quota_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id)
		DO UPDATE SET quota_json=excluded.quota_json, updated_at=excluded.updated_at`,
		tenantID, string(payload), nowTS())
	if err != nil {
		return fmt.Errorf("store: set quota: %w", err)
	}
	return nil
}

// GetQuota returns the quota payload for a tenant, or nil when unset.
func (cp *ControlPlane) GetQuota(ctx context.Context, tenantID string) (map[string]interface{}, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var raw string
	err := cp.db.QueryRowContext(ctx,
		"SELECT quota_json FROM tenant_quota WHERE tenant_id = ?", tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get quota: %w", err)
	}
	var quota map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &quota); err != nil {
		return nil, fmt.Errorf("store: decode quota: %w", err)
	}
	return quota, nil
}

// RegisterAction records one admitted action for rate accounting.
func (cp *ControlPlane) RegisterAction(ctx context.Context, tenantID string, ts float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx,
		"INSERT INTO action_events(tenant_id, ts) VALUES (?, ?)", tenantID, ts)
	if err != nil {
		return fmt.Errorf("store: register action: %w", err)
	}
	return nil
}

// CountRecentActions counts actions at or after sinceTS.
func (cp *ControlPlane) CountRecentActions(ctx context.Context, tenantID string, sinceTS float64) (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var count int
	err := cp.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM action_events WHERE tenant_id = ? AND ts >= ?",
		tenantID, sinceTS).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count actions: %w", err)
	}
	return count, nil
}

// PruneActionEvents drops events strictly before beforeTS.
func (cp *ControlPlane) PruneActionEvents(ctx context.Context, beforeTS float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx, "DELETE FROM action_events WHERE ts < ?", beforeTS)
	if err != nil {
		return fmt.Errorf("store: prune actions: %w", err)
	}
	return nil
}

// AddArtifactBytes commits a byte increment to a tenant's usage counter.
// Negative increments are clamped to zero.
func (cp *ControlPlane) AddArtifactBytes(ctx context.Context, tenantID string, bytesAdded int64) error {
	if bytesAdded < 0 {
		bytesAdded = 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx, `
		INSERT INTO artifact_usage(tenant_id, bytes_used, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id)
		DO UPDATE SET bytes_used=artifact_usage.bytes_used + excluded.bytes_used, updated_at=excluded.updated_at`,
		tenantID, bytesAdded, nowTS())
	if err != nil {
		return fmt.Errorf("store: add artifact bytes: %w", err)
	}
	return nil
}

// GetArtifactBytes returns the tenant's committed usage.
func (cp *ControlPlane) GetArtifactBytes(ctx context.Context, tenantID string) (int64, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var used int64
	err := cp.db.QueryRowContext(ctx,
		"SELECT bytes_used FROM artifact_usage WHERE tenant_id = ?", tenantID).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get artifact bytes: %w", err)
	}
	return used, nil
}

// AcquireSessionLease claims the workflow lease for ownerID. Stale leases
// are reaped first; a live lease held by another owner denies the claim.
// Re-acquisition by the same owner refreshes the heartbeat.
func (cp *ControlPlane) AcquireSessionLease(ctx context.Context, tenantID, workflowID, ownerID string, leaseTTL time.Duration) (bool, error) {
	now := nowTS()
	cutoff := now - leaseTTL.Seconds()
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if _, err := cp.db.ExecContext(ctx,
		"DELETE FROM session_lease WHERE heartbeat_ts < ?", cutoff); err != nil {
		return false, fmt.Errorf("store: reap leases: %w", err)
	}

	var existingOwner string
	err := cp.db.QueryRowContext(ctx,
		"SELECT owner_id FROM session_lease WHERE workflow_id = ?", workflowID).Scan(&existingOwner)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("store: read lease: %w", err)
	}
	if err == nil && existingOwner != ownerID {
		return false, nil
	}

	_, err = cp.db.ExecContext(ctx, `
		INSERT INTO session_lease(workflow_id, tenant_id, owner_id, heartbeat_ts, created_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id)
		DO UPDATE SET tenant_id=excluded.tenant_id, owner_id=excluded.owner_id, heartbeat_ts=excluded.heartbeat_ts`,
		workflowID, tenantID, ownerID, now, now)
	if err != nil {
		return false, fmt.Errorf("store: acquire lease: %w", err)
	}
	return true, nil
}

// HeartbeatSessionLease extends a lease the owner still holds.
func (cp *ControlPlane) HeartbeatSessionLease(ctx context.Context, workflowID, ownerID string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx,
		"UPDATE session_lease SET heartbeat_ts = ? WHERE workflow_id = ? AND owner_id = ?",
		nowTS(), workflowID, ownerID)
	if err != nil {
		return fmt.Errorf("store: heartbeat lease: %w", err)
	}
	return nil
}

// ReleaseSessionLease drops the lease if the owner holds it.
func (cp *ControlPlane) ReleaseSessionLease(ctx context.Context, workflowID, ownerID string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx,
		"DELETE FROM session_lease WHERE workflow_id = ? AND owner_id = ?", workflowID, ownerID)
	if err != nil {
		return fmt.Errorf("store: release lease: %w", err)
	}
	return nil
}

// CountActiveSessions reaps stale leases, then counts the tenant's live
// leases.
func (cp *ControlPlane) CountActiveSessions(ctx context.Context, tenantID string, leaseTTL time.Duration) (int, error) {
	cutoff := nowTS() - leaseTTL.Seconds()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, err := cp.db.ExecContext(ctx,
		"DELETE FROM session_lease WHERE heartbeat_ts < ?", cutoff); err != nil {
		return 0, fmt.Errorf("store: reap leases: %w", err)
	}
	var count int
	err := cp.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_lease WHERE tenant_id = ?", tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return count, nil
}

// CountAllActiveSessions reaps stale leases, then counts every live lease.
func (cp *ControlPlane) CountAllActiveSessions(ctx context.Context, leaseTTL time.Duration) (int, error) {
	cutoff := nowTS() - leaseTTL.Seconds()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, err := cp.db.ExecContext(ctx,
		"DELETE FROM session_lease WHERE heartbeat_ts < ?", cutoff); err != nil {
		return 0, fmt.Errorf("store: reap leases: %w", err)
	}
	var count int
	err := cp.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_lease").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count all sessions: %w", err)
	}
	return count, nil
}

// CircuitKey scopes a domain per tenant when tenantID is non-empty.
func CircuitKey(domain, tenantID string) string {
	if tenantID != "" {
		return tenantID + "::" + domain
	}
	return domain
}

// GetCircuit returns the persisted state for a circuit key, defaulting
// to closed.
func (cp *ControlPlane) GetCircuit(ctx context.Context, key string) (CircuitSnapshot, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var snapshot CircuitSnapshot
	err := cp.db.QueryRowContext(ctx,
		"SELECT state, opened_at FROM circuit_state WHERE domain = ?", key).
		Scan(&snapshot.State, &snapshot.OpenedAt)
	if err == sql.ErrNoRows {
		return CircuitSnapshot{State: "closed", OpenedAt: 0}, nil
	}
	if err != nil {
		return CircuitSnapshot{}, fmt.Errorf("store: get circuit: %w", err)
	}
	return snapshot, nil
}

// ListCircuitKeys returns every tracked circuit key.
func (cp *ControlPlane) ListCircuitKeys(ctx context.Context) ([]string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	rows, err := cp.db.QueryContext(ctx, "SELECT domain FROM circuit_state")
	if err != nil {
		return nil, fmt.Errorf("store: list circuits: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SetCircuit upserts a circuit's state.
func (cp *ControlPlane) SetCircuit(ctx context.Context, key, state string, openedAt float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx, `
		INSERT INTO circuit_state(domain, state, opened_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain)
		DO UPDATE SET state=excluded.state, opened_at=excluded.opened_at, updated_at=excluded.updated_at`,
		key, state, openedAt, nowTS())
	if err != nil {
		return fmt.Errorf("store: set circuit: %w", err)
	}
	return nil
}

// AddCircuitFailure appends a failure timestamp for a circuit key.
func (cp *ControlPlane) AddCircuitFailure(ctx context.Context, key string, ts float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx,
		"INSERT INTO circuit_failures(domain, ts) VALUES (?, ?)", key, ts)
	if err != nil {
		return fmt.Errorf("store: add circuit failure: %w", err)
	}
	return nil
}

// CountCircuitFailures counts failures at or after sinceTS.
func (cp *ControlPlane) CountCircuitFailures(ctx context.Context, key string, sinceTS float64) (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var count int
	err := cp.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM circuit_failures WHERE domain = ? AND ts >= ?",
		key, sinceTS).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count circuit failures: %w", err)
	}
	return count, nil
}

// PruneCircuitFailures drops failures strictly before beforeTS.
func (cp *ControlPlane) PruneCircuitFailures(ctx context.Context, key string, beforeTS float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx,
		"DELETE FROM circuit_failures WHERE domain = ? AND ts < ?", key, beforeTS)
	if err != nil {
		return fmt.Errorf("store: prune circuit failures: %w", err)
	}
	return nil
}

// ClearCircuitFailures drops every failure for a circuit key.
func (cp *ControlPlane) ClearCircuitFailures(ctx context.Context, key string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, err := cp.db.ExecContext(ctx,
		"DELETE FROM circuit_failures WHERE domain = ?", key)
	if err != nil {
		return fmt.Errorf("store: clear circuit failures: %w", err)
	}
	return nil
}

// OwnerID identifies this process for lease ownership.
func OwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
