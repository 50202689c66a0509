package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/security"
	"github.com/mindsync-ai/predator/pkg/store"
)

func testSessionConfig() SessionConfig {
	config := DefaultSessionConfig()
	config.MaxTotalSessions = 4
	config.SessionAcquireTimeout = 50 * time.Millisecond
	config.PrewarmedContexts = 2
	config.MaxPooledContexts = 4
	return config
}

func openControlPlane(t *testing.T) *store.ControlPlane {
	t.Helper()
	cp, err := store.Open(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func newTestSessionManager(t *testing.T, config SessionConfig) (*SessionManager, *drivertest.Browser) {
	t.Helper()
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })
	manager := NewSessionManager(browser, config, openControlPlane(t))
	t.Cleanup(func() { manager.Close(context.Background()) })
	return manager, browser
}

func TestPrewarmFillsThePool(t *testing.T) {
	manager, _ := newTestSessionManager(t, testSessionConfig())
	require.NoError(t, manager.Initialize(context.Background()))
	assert.Equal(t, 2, manager.PooledContextCount())
}

func TestSessionCarriesObserversAndSecurityLayer(t *testing.T) {
	manager, _ := newTestSessionManager(t, testSessionConfig())

	session, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", session.TenantID)
	assert.NotNil(t, session.Page)
	assert.NotNil(t, session.Network)
	assert.NotNil(t, session.Runtime)
	assert.NotNil(t, session.Security)
	assert.NotNil(t, session.Tabs)
	assert.True(t, manager.HasSession("wf-1"))
	assert.Equal(t, 1, manager.TotalActiveSessions(context.Background()))
}

func TestGetOrCreateSessionIsIdempotentPerWorkflow(t *testing.T) {
	manager, _ := newTestSessionManager(t, testSessionConfig())

	first, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	second, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, manager.TotalActiveSessions(context.Background()))
}

func TestCloseSessionReturnsContextToPool(t *testing.T) {
	manager, _ := newTestSessionManager(t, testSessionConfig())

	session, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	simContext := session.Context.(*drivertest.Context)

	manager.CloseSession(context.Background(), "wf-1")
	assert.False(t, manager.HasSession("wf-1"))
	assert.Equal(t, 1, manager.PooledContextCount())
	assert.GreaterOrEqual(t, simContext.CookiesCleared, 1)
	assert.GreaterOrEqual(t, simContext.PermsCleared, 1)
}

func TestReusedContextIsResetBetweenWorkflows(t *testing.T) {
	manager, _ := newTestSessionManager(t, testSessionConfig())

	first, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	firstContext := first.Context
	require.NoError(t, first.Page.Goto(context.Background(), "https://app.example.com/step"))
	manager.CloseSession(context.Background(), "wf-1")

	second, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-2", security.Policy{})
	require.NoError(t, err)
	assert.Same(t, firstContext, second.Context)
	assert.Equal(t, "about:blank", second.Page.URL())
}

func TestGlobalSessionLimit(t *testing.T) {
	config := testSessionConfig()
	config.MaxTotalSessions = 2
	manager, _ := newTestSessionManager(t, config)

	_, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	_, err = manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-2", security.Policy{})
	require.NoError(t, err)

	_, err = manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-3", security.Policy{})
	require.ErrorIs(t, err, ErrGlobalSessionLimit)

	manager.CloseSession(context.Background(), "wf-1")
	_, err = manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-3", security.Policy{})
	require.NoError(t, err)
}

func TestLeaseBlocksSecondNode(t *testing.T) {
	cp := openControlPlane(t)
	browserA := drivertest.NewBrowser()
	browserB := drivertest.NewBrowser()
	t.Cleanup(func() {
		_ = browserA.Close(context.Background())
		_ = browserB.Close(context.Background())
	})

	nodeA := NewSessionManager(browserA, testSessionConfig(), cp)
	nodeB := NewSessionManager(browserB, testSessionConfig(), cp)
	t.Cleanup(func() {
		nodeA.Close(context.Background())
		nodeB.Close(context.Background())
	})
	require.NotEqual(t, nodeA.OwnerID(), nodeB.OwnerID())

	_, err := nodeA.GetOrCreateSession(context.Background(), "tenant-a", "wf-shared", security.Policy{})
	require.NoError(t, err)

	_, err = nodeB.GetOrCreateSession(context.Background(), "tenant-a", "wf-shared", security.Policy{})
	require.ErrorIs(t, err, ErrLeaseNotAcquired)

	nodeA.CloseSession(context.Background(), "wf-shared")
	_, err = nodeB.GetOrCreateSession(context.Background(), "tenant-a", "wf-shared", security.Policy{})
	require.NoError(t, err)
}

func TestActiveSessionCountPerTenant(t *testing.T) {
	manager, _ := newTestSessionManager(t, testSessionConfig())

	_, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	_, err = manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-2", security.Policy{})
	require.NoError(t, err)
	_, err = manager.GetOrCreateSession(context.Background(), "tenant-b", "wf-3", security.Policy{})
	require.NoError(t, err)

	assert.Equal(t, 2, manager.ActiveSessionCountForTenant(context.Background(), "tenant-a"))
	assert.Equal(t, 1, manager.ActiveSessionCountForTenant(context.Background(), "tenant-b"))
}

func TestRetiredContextIsNotPooled(t *testing.T) {
	config := testSessionConfig()
	config.MaxContextReuses = 1
	manager, _ := newTestSessionManager(t, config)

	_, err := manager.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", security.Policy{})
	require.NoError(t, err)
	manager.CloseSession(context.Background(), "wf-1")
	assert.Equal(t, 0, manager.PooledContextCount())
}
