// Package quota enforces per-tenant limits: concurrent sessions, a
// sliding 60s action-rate window, and cumulative artifact bytes. Rate
// accounting runs against the sqlite control plane, Redis, or an
// in-memory window.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/store"
)

// TenantQuota is the per-tenant limit set. Token limits bound the
// serialized result envelope, not the browser itself.
type TenantQuota struct {
	MaxConcurrentSessions  int   `json:"max_concurrent_sessions"`
	MaxActionsPerMinute    int   `json:"max_actions_per_minute"`
	MaxArtifactBytes       int64 `json:"max_artifact_bytes"`
	MaxStepTokens          int   `json:"max_step_tokens"`
	MaxStateDeltaTokens    int   `json:"max_state_delta_tokens"`
	MaxNetworkSummaryTok   int   `json:"max_network_summary_tokens"`
	MaxMetadataTokens      int   `json:"max_metadata_tokens"`
}

func DefaultTenantQuota() TenantQuota {
	return TenantQuota{
		MaxConcurrentSessions: 10,
		MaxActionsPerMinute:   120,
		MaxArtifactBytes:      512 << 20,
		MaxStepTokens:         1200,
		MaxStateDeltaTokens:   500,
		MaxNetworkSummaryTok:  250,
		MaxMetadataTokens:     250,
	}
}

// ToMap projects the quota for control plane persistence.
func (q TenantQuota) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"max_concurrent_sessions":    q.MaxConcurrentSessions,
		"max_actions_per_minute":     q.MaxActionsPerMinute,
		"max_artifact_bytes":         q.MaxArtifactBytes,
		"max_step_tokens":            q.MaxStepTokens,
		"max_state_delta_tokens":     q.MaxStateDeltaTokens,
		"max_network_summary_tokens": q.MaxNetworkSummaryTok,
		"max_metadata_tokens":        q.MaxMetadataTokens,
	}
}

func quotaFromMap(m map[string]interface{}) TenantQuota {
	q := DefaultTenantQuota()
	if v, ok := intField(m, "max_concurrent_sessions"); ok {
		q.MaxConcurrentSessions = v
	}
	if v, ok := intField(m, "max_actions_per_minute"); ok {
		q.MaxActionsPerMinute = v
	}
	if v, ok := intField(m, "max_artifact_bytes"); ok {
		q.MaxArtifactBytes = int64(v)
	}
	if v, ok := intField(m, "max_step_tokens"); ok {
		q.MaxStepTokens = v
	}
	if v, ok := intField(m, "max_state_delta_tokens"); ok {
		q.MaxStateDeltaTokens = v
	}
	if v, ok := intField(m, "max_network_summary_tokens"); ok {
		q.MaxNetworkSummaryTok = v
	}
	if v, ok := intField(m, "max_metadata_tokens"); ok {
		q.MaxMetadataTokens = v
	}
	return q
}

func intField(m map[string]interface{}, key string) (int, bool) {
	switch t := m[key].(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// Decision is one quota check outcome.
type Decision struct {
	Allowed bool
	Code    string
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true, Code: "OK"}
}

// RateBackend tracks action timestamps for the sliding window.
type RateBackend interface {
	Register(ctx context.Context, tenantID string, ts float64) error
	CountSince(ctx context.Context, tenantID string, sinceTS float64) (int, error)
}

// memoryRate keeps a per-tenant timestamp window in process.
type memoryRate struct {
	mu      sync.Mutex
	windows map[string][]float64
}

func newMemoryRate() *memoryRate {
	return &memoryRate{windows: map[string][]float64{}}
}

func (m *memoryRate) Register(ctx context.Context, tenantID string, ts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[tenantID] = append(m.windows[tenantID], ts)
	return nil
}

func (m *memoryRate) CountSince(ctx context.Context, tenantID string, sinceTS float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := m.windows[tenantID]
	kept := window[:0]
	for _, ts := range window {
		if ts >= sinceTS {
			kept = append(kept, ts)
		}
	}
	m.windows[tenantID] = kept
	return len(kept), nil
}

// storeRate accounts through the sqlite control plane so the window is
// shared across processes on one node.
type storeRate struct {
	cp *store.ControlPlane
}

func (s *storeRate) Register(ctx context.Context, tenantID string, ts float64) error {
	if err := s.cp.RegisterAction(ctx, tenantID, ts); err != nil {
		return err
	}
	return s.cp.PruneActionEvents(ctx, ts-3600.0)
}

func (s *storeRate) CountSince(ctx context.Context, tenantID string, sinceTS float64) (int, error) {
	return s.cp.CountRecentActions(ctx, tenantID, sinceTS)
}

// Manager answers quota checks for every tenant.
type Manager struct {
	defaults TenantQuota
	cp       *store.ControlPlane
	rate     RateBackend
	now      func() float64

	mu       sync.Mutex
	quotas   map[string]TenantQuota
	artifact map[string]int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRateBackend overrides the action-rate backend, e.g. with Redis.
func WithRateBackend(backend RateBackend) Option {
	return func(m *Manager) { m.rate = backend }
}

// WithClock overrides the time source.
func WithClock(now func() float64) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager. A nil control plane keeps all accounting
// in process.
func NewManager(defaults TenantQuota, cp *store.ControlPlane, opts ...Option) *Manager {
	m := &Manager{
		defaults: defaults,
		cp:       cp,
		now:      func() float64 { return float64(time.Now().UnixMicro()) / 1e6 },
		quotas:   map[string]TenantQuota{},
		artifact: map[string]int64{},
	}
	if cp != nil {
		m.rate = &storeRate{cp: cp}
	} else {
		m.rate = newMemoryRate()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetQuota installs a tenant override, persisted when a control plane is
// attached.
func (m *Manager) SetQuota(ctx context.Context, tenantID string, quota TenantQuota) error {
	m.mu.Lock()
	m.quotas[tenantID] = quota
	m.mu.Unlock()
	if m.cp != nil {
		return m.cp.SetQuota(ctx, tenantID, quota.ToMap())
	}
	return nil
}

// QuotaFor resolves the effective quota for a tenant.
func (m *Manager) QuotaFor(ctx context.Context, tenantID string) TenantQuota {
	if m.cp != nil {
		if stored, err := m.cp.GetQuota(ctx, tenantID); err == nil && stored != nil {
			return quotaFromMap(stored)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if quota, ok := m.quotas[tenantID]; ok {
		return quota
	}
	return m.defaults
}

// CheckSessionQuota gates a new session against the concurrency limit.
func (m *Manager) CheckSessionQuota(ctx context.Context, tenantID string, activeSessions int) Decision {
	quota := m.QuotaFor(ctx, tenantID)
	if activeSessions >= quota.MaxConcurrentSessions {
		return Decision{
			Code:   contracts.CodeQuotaSessionLimit,
			Detail: fmt.Sprintf("active_sessions=%d, max=%d", activeSessions, quota.MaxConcurrentSessions),
		}
	}
	return allow()
}

// CheckActionRate gates one action against the sliding 60s window.
func (m *Manager) CheckActionRate(ctx context.Context, tenantID string) (Decision, error) {
	quota := m.QuotaFor(ctx, tenantID)
	count, err := m.rate.CountSince(ctx, tenantID, m.now()-60.0)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: count recent actions: %w", err)
	}
	if count >= quota.MaxActionsPerMinute {
		return Decision{
			Code:   contracts.CodeQuotaActionRate,
			Detail: fmt.Sprintf("count_60s=%d, max=%d", count, quota.MaxActionsPerMinute),
		}, nil
	}
	return allow(), nil
}

// RegisterAction records one executed action in the rate window.
func (m *Manager) RegisterAction(ctx context.Context, tenantID string) error {
	return m.rate.Register(ctx, tenantID, m.now())
}

// CheckArtifactQuota gates additional artifact bytes against the
// cumulative cap.
func (m *Manager) CheckArtifactQuota(ctx context.Context, tenantID string, additionalBytes int64) (Decision, error) {
	quota := m.QuotaFor(ctx, tenantID)
	if additionalBytes < 0 {
		additionalBytes = 0
	}

	var current int64
	if m.cp != nil {
		stored, err := m.cp.GetArtifactBytes(ctx, tenantID)
		if err != nil {
			return Decision{}, fmt.Errorf("quota: read artifact bytes: %w", err)
		}
		current = stored
	} else {
		m.mu.Lock()
		current = m.artifact[tenantID]
		m.mu.Unlock()
	}

	projected := current + additionalBytes
	if projected > quota.MaxArtifactBytes {
		return Decision{
			Code:   contracts.CodeQuotaArtifactBytes,
			Detail: fmt.Sprintf("projected=%d, max=%d", projected, quota.MaxArtifactBytes),
		}, nil
	}
	return allow(), nil
}

// RegisterArtifactBytes adds to the tenant's cumulative artifact usage.
func (m *Manager) RegisterArtifactBytes(ctx context.Context, tenantID string, sizeBytes int64) error {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	if m.cp != nil {
		return m.cp.AddArtifactBytes(ctx, tenantID, sizeBytes)
	}
	m.mu.Lock()
	m.artifact[tenantID] += sizeBytes
	m.mu.Unlock()
	return nil
}
