package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/store"
)

func openStore(t *testing.T) *store.ControlPlane {
	t.Helper()
	cp, err := store.Open(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func TestQuota_RoundTrip(t *testing.T) {
	cp := openStore(t)
	ctx := context.Background()

	got, err := cp.GetQuota(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	quota := map[string]interface{}{"max_actions_per_minute": float64(60)}
	require.NoError(t, cp.SetQuota(ctx, "tenant-a", quota))

	got, err = cp.GetQuota(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, quota, got)

	// Upsert replaces.
	quota["max_actions_per_minute"] = float64(10)
	require.NoError(t, cp.SetQuota(ctx, "tenant-a", quota))
	got, err = cp.GetQuota(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, float64(10), got["max_actions_per_minute"])
}

func TestActionEvents_CountAndPrune(t *testing.T) {
	cp := openStore(t)
	ctx := context.Background()
	base := float64(1_700_000_000)

	for i := 0; i < 5; i++ {
		require.NoError(t, cp.RegisterAction(ctx, "tenant-a", base+float64(i)))
	}
	require.NoError(t, cp.RegisterAction(ctx, "tenant-b", base))

	count, err := cp.CountRecentActions(ctx, "tenant-a", base+2)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, cp.PruneActionEvents(ctx, base+3))
	count, err = cp.CountRecentActions(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestArtifactBytes_AccumulatesAndClampsNegative(t *testing.T) {
	cp := openStore(t)
	ctx := context.Background()

	require.NoError(t, cp.AddArtifactBytes(ctx, "tenant-a", 100))
	require.NoError(t, cp.AddArtifactBytes(ctx, "tenant-a", 50))
	require.NoError(t, cp.AddArtifactBytes(ctx, "tenant-a", -10))

	used, err := cp.GetArtifactBytes(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(150), used)

	other, err := cp.GetArtifactBytes(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other)
}

func TestSessionLease_OwnershipConflict(t *testing.T) {
	cp := openStore(t)
	ctx := context.Background()
	ttl := 5 * time.Minute

	ok, err := cp.AcquireSessionLease(ctx, "tenant-a", "wf-1", "host-a:1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another owner is denied while the lease is live.
	ok, err = cp.AcquireSessionLease(ctx, "tenant-a", "wf-1", "host-b:2", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same owner refreshes.
	ok, err = cp.AcquireSessionLease(ctx, "tenant-a", "wf-1", "host-a:1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := cp.CountActiveSessions(ctx, "tenant-a", ttl)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, cp.ReleaseSessionLease(ctx, "wf-1", "host-a:1"))
	ok, err = cp.AcquireSessionLease(ctx, "tenant-a", "wf-1", "host-b:2", ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionLease_StaleReap(t *testing.T) {
	cp := openStore(t)
	ctx := context.Background()

	// Zero TTL makes every lease stale immediately.
	ok, err := cp.AcquireSessionLease(ctx, "tenant-a", "wf-1", "host-a:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := cp.CountAllActiveSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCircuit_StateAndFailures(t *testing.T) {
	cp := openStore(t)
	ctx := context.Background()

	key := store.CircuitKey("example.com", "tenant-a")
	assert.Equal(t, "tenant-a::example.com", key)
	assert.Equal(t, "example.com", store.CircuitKey("example.com", ""))

	snap, err := cp.GetCircuit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "closed", snap.State)

	require.NoError(t, cp.SetCircuit(ctx, key, "open", 123.5))
	snap, err = cp.GetCircuit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 123.5, snap.OpenedAt)

	for i := 0; i < 4; i++ {
		require.NoError(t, cp.AddCircuitFailure(ctx, key, float64(100+i)))
	}
	count, err := cp.CountCircuitFailures(ctx, key, 101)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, cp.PruneCircuitFailures(ctx, key, 102))
	count, err = cp.CountCircuitFailures(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, cp.ClearCircuitFailures(ctx, key))
	count, err = cp.CountCircuitFailures(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	keys, err := cp.ListCircuitKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestControlPlane_PropagatesDBErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("PRAGMA journal_mode=WAL").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA synchronous=FULL").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA foreign_keys=ON").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_quota").WillReturnResult(sqlmock.NewResult(0, 0))

	cp, err := store.NewWithDB(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO action_events").WillReturnError(assert.AnError)
	err = cp.RegisterAction(context.Background(), "tenant-a", 1)
	require.Error(t, err)
	assert.ErrorContains(t, err, "register action")
}
