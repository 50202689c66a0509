package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/security"
	"github.com/mindsync-ai/predator/pkg/store"
)

var (
	// ErrGlobalSessionLimit is returned when the node-wide session
	// semaphore cannot be acquired within the configured timeout.
	ErrGlobalSessionLimit = errors.New("engine: global session limit reached")
	// ErrLeaseNotAcquired is returned when another node holds a live
	// lease for the workflow.
	ErrLeaseNotAcquired = errors.New("engine: session lease not acquired")
)

// SessionConfig bounds the session pool and context reuse hygiene.
type SessionConfig struct {
	DefaultTimeout        time.Duration
	MaxTotalSessions      int
	SessionAcquireTimeout time.Duration
	PrewarmedContexts     int
	MaxPooledContexts     int
	MaxContextReuses      int
	MaxContextAge         time.Duration
	SessionLeaseTTL       time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultTimeout:        20 * time.Second,
		MaxTotalSessions:      200,
		SessionAcquireTimeout: 5 * time.Minute,
		PrewarmedContexts:     8,
		MaxPooledContexts:     64,
		MaxContextReuses:      50,
		MaxContextAge:         30 * time.Minute,
		SessionLeaseTTL:       5 * time.Minute,
	}
}

// Storage hygiene scripts run against the primary page when a context
// returns to the pool.
const (
	clearWebStorageScript = `() => {
try { localStorage.clear(); } catch (_) {}
try { sessionStorage.clear(); } catch (_) {}
}`
	clearIndexedDBScript = `() => {
if (!('indexedDB' in window) || typeof indexedDB.databases !== 'function') return Promise.resolve();
return indexedDB.databases().then((dbs) => Promise.all((dbs || []).map((db) => new Promise((resolve) => {
try {
const req = indexedDB.deleteDatabase(db.name);
req.onsuccess = () => resolve(true);
req.onerror = () => resolve(false);
req.onblocked = () => resolve(false);
} catch (_) { resolve(false); }
}))));
}`
)

type pooledContext struct {
	bctx      driver.BrowserContext
	tenantID  string
	createdAt time.Time
	useCount  int
}

// Session is one workflow's browser attachment: an isolated context,
// its tabs, and the observers bound to the active page.
type Session struct {
	TenantID   string
	WorkflowID string
	Context    driver.BrowserContext
	Tabs       *TabManager
	Page       driver.Page
	Network    *observer.NetworkObserver
	Runtime    *observer.RuntimeTelemetryBuffer
	Security   *security.Layer

	pooled *pooledContext
}

// SessionManager pools browser contexts and maps workflows to live
// sessions. Leases through the control plane keep one workflow on one
// node.
type SessionManager struct {
	config  SessionConfig
	browser driver.Browser
	cp      *store.ControlPlane
	ownerID string
	slots   chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
	pool     []*pooledContext
}

func NewSessionManager(browser driver.Browser, config SessionConfig, cp *store.ControlPlane) *SessionManager {
	if config.MaxTotalSessions <= 0 {
		config = DefaultSessionConfig()
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "node"
	}
	slots := make(chan struct{}, config.MaxTotalSessions)
	for i := 0; i < config.MaxTotalSessions; i++ {
		slots <- struct{}{}
	}
	return &SessionManager{
		config:   config,
		browser:  browser,
		cp:       cp,
		ownerID:  hostname + "-" + uuid.NewString(),
		slots:    slots,
		sessions: map[string]*Session{},
	}
}

// OwnerID identifies this node in session leases.
func (m *SessionManager) OwnerID() string {
	return m.ownerID
}

// Initialize prewarms the context pool.
func (m *SessionManager) Initialize(ctx context.Context) error {
	target := m.config.PrewarmedContexts
	if target > m.config.MaxPooledContexts {
		target = m.config.MaxPooledContexts
	}
	for {
		m.mu.Lock()
		enough := len(m.pool) >= target
		m.mu.Unlock()
		if enough {
			return nil
		}
		bctx, err := m.browser.NewContext(ctx)
		if err != nil {
			return fmt.Errorf("engine: prewarm context: %w", err)
		}
		m.mu.Lock()
		m.pool = append(m.pool, &pooledContext{bctx: bctx, createdAt: time.Now()})
		m.mu.Unlock()
	}
}

func (m *SessionManager) acquireContext(ctx context.Context, tenantID string) (*pooledContext, error) {
	m.mu.Lock()
	for i, pooled := range m.pool {
		if pooled.tenantID != "" && pooled.tenantID != tenantID {
			continue
		}
		m.pool = append(m.pool[:i], m.pool[i+1:]...)
		pooled.tenantID = tenantID
		pooled.useCount++
		m.mu.Unlock()
		return pooled, nil
	}
	m.mu.Unlock()

	bctx, err := m.browser.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: new context: %w", err)
	}
	return &pooledContext{bctx: bctx, tenantID: tenantID, createdAt: time.Now(), useCount: 1}, nil
}

func (m *SessionManager) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(m.config.SessionAcquireTimeout)
	defer timer.Stop()
	select {
	case <-m.slots:
		return nil
	case <-timer.C:
		return ErrGlobalSessionLimit
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SessionManager) releaseSlot() {
	select {
	case m.slots <- struct{}{}:
	default:
	}
}

// resetContext scrubs a context for reuse: permissions, cookies, extra
// pages, web storage, and IndexedDB.
func (m *SessionManager) resetContext(ctx context.Context, bctx driver.BrowserContext) bool {
	_ = bctx.ClearPermissions(ctx)
	_ = bctx.ClearCookies(ctx)

	pages := bctx.Pages()
	if len(pages) == 0 {
		page, err := bctx.NewPage(ctx)
		if err != nil {
			return false
		}
		pages = []driver.Page{page}
	}
	for _, page := range pages[1:] {
		_ = page.Close(ctx)
	}

	primary := pages[0]
	if err := primary.Goto(ctx, "about:blank"); err != nil {
		_ = primary.Close(ctx)
		replacement, newErr := bctx.NewPage(ctx)
		if newErr != nil {
			return false
		}
		primary = replacement
		if err := primary.Goto(ctx, "about:blank"); err != nil {
			return false
		}
	}

	if _, err := primary.Evaluate(ctx, clearWebStorageScript, nil); err != nil {
		return false
	}
	if _, err := primary.Evaluate(ctx, clearIndexedDBScript, nil); err != nil {
		return false
	}
	return true
}

func (m *SessionManager) shouldRetire(pooled *pooledContext) bool {
	if pooled.useCount >= m.config.MaxContextReuses {
		return true
	}
	return time.Since(pooled.createdAt) >= m.config.MaxContextAge
}

func (m *SessionManager) releaseContext(ctx context.Context, pooled *pooledContext) {
	if m.shouldRetire(pooled) {
		_ = pooled.bctx.Close(ctx)
		return
	}
	if !m.resetContext(ctx, pooled.bctx) {
		_ = pooled.bctx.Close(ctx)
		return
	}
	m.mu.Lock()
	full := len(m.pool) >= m.config.MaxPooledContexts
	if !full {
		pooled.tenantID = ""
		m.pool = append(m.pool, pooled)
	}
	m.mu.Unlock()
	if full {
		_ = pooled.bctx.Close(ctx)
	}
}

// GetOrCreateSession returns the workflow's session, creating it under
// the global slot semaphore and the control-plane lease.
func (m *SessionManager) GetOrCreateSession(ctx context.Context, tenantID, workflowID string, policy security.Policy) (*Session, error) {
	m.mu.Lock()
	if session, ok := m.sessions[workflowID]; ok {
		m.mu.Unlock()
		if m.cp != nil {
			_ = m.cp.HeartbeatSessionLease(ctx, workflowID, m.ownerID)
		}
		return session, nil
	}
	m.mu.Unlock()

	if err := m.acquireSlot(ctx); err != nil {
		return nil, err
	}
	leaseAcquired := false
	fail := func(err error) (*Session, error) {
		if leaseAcquired && m.cp != nil {
			_ = m.cp.ReleaseSessionLease(ctx, workflowID, m.ownerID)
		}
		m.releaseSlot()
		return nil, err
	}

	if m.cp != nil {
		acquired, err := m.cp.AcquireSessionLease(ctx, tenantID, workflowID, m.ownerID, m.config.SessionLeaseTTL)
		if err != nil {
			return fail(fmt.Errorf("engine: acquire lease: %w", err))
		}
		if !acquired {
			return fail(ErrLeaseNotAcquired)
		}
		leaseAcquired = true
	}

	pooled, err := m.acquireContext(ctx, tenantID)
	if err != nil {
		return fail(err)
	}

	var page driver.Page
	if pages := pooled.bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = pooled.bctx.NewPage(ctx)
		if err != nil {
			_ = pooled.bctx.Close(ctx)
			return fail(fmt.Errorf("engine: new page: %w", err))
		}
	}

	network := observer.NewNetworkObserver()
	network.Attach(page)
	runtime := observer.NewRuntimeTelemetryBuffer()
	runtime.Attach(page)

	session := &Session{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Context:    pooled.bctx,
		Tabs:       NewTabManager(pooled.bctx, page),
		Page:       page,
		Network:    network,
		Runtime:    runtime,
		Security:   security.NewLayer(policy),
		pooled:     pooled,
	}
	m.mu.Lock()
	m.sessions[workflowID] = session
	m.mu.Unlock()
	return session, nil
}

// CloseSession detaches observers, returns the context to the pool, and
// releases the lease and slot.
func (m *SessionManager) CloseSession(ctx context.Context, workflowID string) {
	m.mu.Lock()
	session, ok := m.sessions[workflowID]
	delete(m.sessions, workflowID)
	m.mu.Unlock()
	if !ok {
		return
	}
	session.Runtime.Detach()
	session.Network.Detach()
	m.releaseContext(ctx, session.pooled)
	m.releaseSlot()
	if m.cp != nil {
		_ = m.cp.ReleaseSessionLease(ctx, workflowID, m.ownerID)
	}
}

// HasSession reports whether the workflow has a live session here.
func (m *SessionManager) HasSession(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[workflowID]
	return ok
}

// GetSession returns the workflow's session and refreshes its lease.
func (m *SessionManager) GetSession(ctx context.Context, workflowID string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[workflowID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown workflow session: %s", workflowID)
	}
	if m.cp != nil {
		_ = m.cp.HeartbeatSessionLease(ctx, workflowID, m.ownerID)
	}
	return session, nil
}

// ActiveSessionCountForTenant counts the tenant's live sessions, across
// nodes when a control plane is attached.
func (m *SessionManager) ActiveSessionCountForTenant(ctx context.Context, tenantID string) int {
	if m.cp != nil {
		count, err := m.cp.CountActiveSessions(ctx, tenantID, m.config.SessionLeaseTTL)
		if err == nil {
			return count
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, session := range m.sessions {
		if session.TenantID == tenantID {
			count++
		}
	}
	return count
}

// TotalActiveSessions counts all live sessions.
func (m *SessionManager) TotalActiveSessions(ctx context.Context) int {
	if m.cp != nil {
		count, err := m.cp.CountAllActiveSessions(ctx, m.config.SessionLeaseTTL)
		if err == nil {
			return count
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PooledContextCount reports the idle pool size.
func (m *SessionManager) PooledContextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Close tears down every session and pooled context.
func (m *SessionManager) Close(ctx context.Context) {
	m.mu.Lock()
	workflows := make([]string, 0, len(m.sessions))
	for workflowID := range m.sessions {
		workflows = append(workflows, workflowID)
	}
	m.mu.Unlock()
	for _, workflowID := range workflows {
		m.CloseSession(ctx, workflowID)
	}
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	m.mu.Unlock()
	for _, pooled := range pool {
		_ = pooled.bctx.Close(ctx)
	}
}
