// Package engine wires the full execution stack behind one entrypoint:
// contract validation, quotas, circuit breakers, session leases,
// security gates, the single-action pipeline, token budgets, and the
// hash-chained audit trail. One contract executes atomically and
// returns deterministic evidence; re-submitting the same contract
// returns the recorded result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mindsync-ai/predator/pkg/artifacts"
	"github.com/mindsync-ai/predator/pkg/audit"
	"github.com/mindsync-ai/predator/pkg/budget"
	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/navigate"
	"github.com/mindsync-ai/predator/pkg/quota"
	"github.com/mindsync-ai/predator/pkg/resilience"
	"github.com/mindsync-ai/predator/pkg/security"
	"github.com/mindsync-ai/predator/pkg/state"
	"github.com/mindsync-ai/predator/pkg/store"
	"github.com/mindsync-ai/predator/pkg/telemetry"
	"github.com/mindsync-ai/predator/pkg/verify"
	"github.com/mindsync-ai/predator/pkg/waits"
)

// Version is the engine release, checked against tenant profile
// constraints at provisioning time.
const Version = "2.3.0"

// Options configures an Engine. Zero values fall back to defaults under
// the data directory.
type Options struct {
	DataDir       string
	ArtifactRoot  string
	AuditRoot     string
	ControlDBPath string
	TelemetryDir  string

	AuditSigningKey string
	DefaultQuota    quota.TenantQuota
	// RateBackend overrides control-plane action-rate accounting, e.g.
	// with Redis or Postgres when nodes share a window.
	RateBackend     quota.RateBackend
	BreakerConfig   resilience.BreakerConfig
	SessionConfig   SessionConfig
	Chaos           waits.ChaosPolicy
	ArtifactMirror  artifacts.BlobStore
	Sink            telemetry.Sink
}

func (o *Options) applyDefaults() {
	if o.DataDir == "" {
		o.DataDir = "/tmp/predator"
	}
	if o.ArtifactRoot == "" {
		o.ArtifactRoot = filepath.Join(o.DataDir, "artifacts")
	}
	if o.AuditRoot == "" {
		o.AuditRoot = filepath.Join(o.DataDir, "audit")
	}
	if o.ControlDBPath == "" {
		o.ControlDBPath = filepath.Join(o.DataDir, "control-plane", "control.db")
	}
	if o.TelemetryDir == "" {
		o.TelemetryDir = filepath.Join(o.DataDir, "telemetry")
	}
	if o.DefaultQuota == (quota.TenantQuota{}) {
		o.DefaultQuota = quota.DefaultTenantQuota()
	}
}

// Engine executes action contracts for every tenant on one node.
type Engine struct {
	cp        *store.ControlPlane
	sessions  *SessionManager
	artifacts *artifacts.Manager
	audit     *audit.Trail
	quota     *quota.Manager
	breaker   *resilience.Breaker
	health    resilience.HealthMonitor
	validator *Validator
	chaos     waits.ChaosPolicy
	sink      telemetry.Sink

	mu     sync.Mutex
	ledger map[string]*contracts.ActionExecutionResult
}

// New builds an Engine over the given browser driver.
func New(browser driver.Browser, opts Options) (*Engine, error) {
	opts.applyDefaults()

	cp, err := store.Open(opts.ControlDBPath)
	if err != nil {
		return nil, err
	}
	artifactManager, err := artifacts.NewManager(opts.ArtifactRoot, opts.ArtifactMirror)
	if err != nil {
		return nil, err
	}
	trail, err := audit.NewTrail(opts.AuditRoot, opts.AuditSigningKey)
	if err != nil {
		return nil, err
	}
	sink := opts.Sink
	if sink == nil {
		jsonlSink, err := telemetry.NewJSONLSink(opts.TelemetryDir)
		if err != nil {
			return nil, err
		}
		sink = jsonlSink
	}

	var quotaOpts []quota.Option
	if opts.RateBackend != nil {
		quotaOpts = append(quotaOpts, quota.WithRateBackend(opts.RateBackend))
	}

	return &Engine{
		cp:        cp,
		sessions:  NewSessionManager(browser, opts.SessionConfig, cp),
		artifacts: artifactManager,
		audit:     trail,
		quota:     quota.NewManager(opts.DefaultQuota, cp, quotaOpts...),
		breaker:   resilience.NewBreaker(opts.BreakerConfig, cp),
		validator: NewValidator(),
		chaos:     opts.Chaos,
		sink:      sink,
		ledger:    map[string]*contracts.ActionExecutionResult{},
	}, nil
}

// Initialize prewarms the session pool.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.sessions.Initialize(ctx)
}

// Close tears down sessions and the control plane.
func (e *Engine) Close(ctx context.Context) error {
	e.sessions.Close(ctx)
	return e.cp.Close()
}

// SetTenantQuota installs a tenant quota override.
func (e *Engine) SetTenantQuota(ctx context.Context, tenantID string, q quota.TenantQuota) error {
	return e.quota.SetQuota(ctx, tenantID, q)
}

func domainFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

func (e *Engine) auditAndCache(ctx context.Context, tenantID, workflowID, actionID, canonicalContract string, result *contracts.ActionExecutionResult) (*contracts.ActionExecutionResult, error) {
	e.mu.Lock()
	e.ledger[actionID] = result
	e.mu.Unlock()

	_, err := e.audit.Append(tenantID, workflowID, actionID, canonicalContract, audit.ResultPayload{
		Success:        result.Success,
		FailureCode:    result.FailureCode,
		PreStateID:     result.PreStateID,
		PostStateID:    result.PostStateID,
		StateDelta:     result.StateDelta,
		NetworkSummary: result.NetworkSummary,
		Artifacts:      result.Artifacts,
		Telemetry:      result.Telemetry,
		Metadata:       result.Metadata,
	})
	if err != nil {
		return nil, err
	}

	_ = e.sink.Emit(ctx, map[string]interface{}{
		"event":        "action_result",
		"tenant_id":    tenantID,
		"workflow_id":  workflowID,
		"action_id":    actionID,
		"success":      result.Success,
		"failure_code": result.FailureCode,
		"telemetry":    result.Telemetry,
		"metadata":     result.Metadata,
	})
	return result, nil
}

func (e *Engine) failAndRecord(ctx context.Context, tenantID, workflowID, actionID, canonicalContract, code, detail string) (*contracts.ActionExecutionResult, error) {
	return e.auditAndCache(ctx, tenantID, workflowID, actionID, canonicalContract,
		contracts.FailureResult(actionID, code, detail))
}

func restoredFromAudit(record audit.Record) *contracts.ActionExecutionResult {
	asString := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}
	result := contracts.NewResult(record.ActionID)
	result.Success = record.Success
	result.FailureCode = asString(record.FailureCode)
	result.VerificationPassed = record.Success
	result.PreStateID = asString(record.PreStateID)
	result.PostStateID = asString(record.PostStateID)
	if record.StateDelta != nil {
		result.StateDelta = record.StateDelta
	}
	if record.NetworkSummary != nil {
		result.NetworkSummary = record.NetworkSummary
	}
	if record.Telemetry != nil {
		result.Telemetry = record.Telemetry
	}
	if record.Artifacts != nil {
		result.Artifacts = record.Artifacts
	}
	if record.Metadata != nil {
		result.Metadata = record.Metadata
	}
	return result
}

// RegisterUploadArtifact stages a local file for a later upload action,
// charged against the tenant's artifact quota.
func (e *Engine) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifacts.Record, error) {
	record, err := e.artifacts.RegisterExistingUpload(ctx, workflowID, actionID, sourcePath)
	if err != nil {
		return artifacts.Record{}, err
	}
	decision, err := e.quota.CheckArtifactQuota(ctx, tenantID, record.Size)
	if err != nil {
		return artifacts.Record{}, err
	}
	if !decision.Allowed {
		return artifacts.Record{}, fmt.Errorf("engine: %s: %s", decision.Code, decision.Detail)
	}
	if err := e.quota.RegisterArtifactBytes(ctx, tenantID, record.Size); err != nil {
		return artifacts.Record{}, err
	}
	return record, nil
}

// ExecuteContract runs one contract through the full admission and
// execution pipeline. Identical contracts return the recorded result.
func (e *Engine) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy security.Policy, contract contracts.ActionContract) (*contracts.ActionExecutionResult, error) {
	actionID, err := contract.ActionID()
	if err != nil {
		return nil, err
	}
	canonicalContract, err := contract.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	tenantQuota := e.quota.QuotaFor(ctx, tenantID)

	e.mu.Lock()
	if cached, ok := e.ledger[actionID]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	// Restart-safe idempotency: the immutable audit record is the
	// fallback ledger.
	existing, found, err := e.audit.GetRecordByAction(tenantID, workflowID, actionID)
	if err != nil {
		return nil, err
	}
	if found {
		restored := restoredFromAudit(existing)
		e.mu.Lock()
		e.ledger[actionID] = restored
		e.mu.Unlock()
		return restored, nil
	}

	if decision := e.validator.Validate(contract); !decision.Allowed {
		return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, decision.Code, decision.Detail)
	}

	if !e.sessions.HasSession(workflowID) {
		active := e.sessions.ActiveSessionCountForTenant(ctx, tenantID)
		if decision := e.quota.CheckSessionQuota(ctx, tenantID, active); !decision.Allowed {
			return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, decision.Code, decision.Detail)
		}
	}

	rateDecision, err := e.quota.CheckActionRate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !rateDecision.Allowed {
		return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, rateDecision.Code, rateDecision.Detail)
	}
	if err := e.quota.RegisterAction(ctx, tenantID); err != nil {
		return nil, err
	}

	session, err := e.sessions.GetOrCreateSession(ctx, tenantID, workflowID, policy)
	if err != nil {
		code := contracts.CodeActionExecutionFailed
		switch {
		case errors.Is(err, ErrGlobalSessionLimit):
			code = contracts.CodeGlobalSessionLimit
		case errors.Is(err, ErrLeaseNotAcquired):
			code = contracts.CodeSessionLeaseNotAcquired
		}
		return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, code, "session allocation failed")
	}

	currentURL := session.Page.URL()
	if currentURL == "" {
		currentURL = "about:blank"
	}
	navigationTarget := contract.ActionSpec.URL
	if navigationTarget != "" {
		if decision := session.Security.EvaluateNavigation(navigationTarget); !decision.Allowed {
			return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, decision.Code, decision.Detail)
		}
	}

	actionDomain := domainFromURL(navigationTarget)
	if actionDomain == "" {
		actionDomain = domainFromURL(currentURL)
	}
	if actionDomain != "" {
		circuitDecision, err := e.breaker.Allow(ctx, actionDomain, tenantID)
		if err != nil {
			return nil, err
		}
		if !circuitDecision.Allowed {
			return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, circuitDecision.Code, circuitDecision.Detail)
		}
	}

	if decision := session.Security.EvaluateAction(contract.ActionSpec.ActionType, currentURL, contract.Metadata); !decision.Allowed {
		return e.failAndRecord(ctx, tenantID, workflowID, actionID, canonicalContract, decision.Code, decision.Detail)
	}

	extractor := state.NewExtractor(session.Page, session.Network, state.DefaultBounds(), nil)
	pipeline := NewActionEngine(
		session.Page,
		navigate.NewNavigator(session.Page),
		waits.NewManager(session.Page, e.chaos),
		verify.NewEngine(session.Page, session.Network),
		extractor,
		state.NewDeltaTracker(0),
		e.artifacts,
		session.Runtime,
	)

	result := pipeline.Execute(ctx, contract, workflowID)
	if actionDomain != "" {
		if result.Success {
			_, _ = e.breaker.RecordSuccess(ctx, actionDomain, tenantID)
		} else {
			_, _ = e.breaker.RecordFailure(ctx, actionDomain, tenantID)
		}
	}

	result = e.applyBudget(result, tenantQuota)

	if len(result.Artifacts) > 0 {
		var bytesAdded int64
		for _, item := range result.Artifacts {
			switch size := item["size"].(type) {
			case int64:
				bytesAdded += size
			case int:
				bytesAdded += int64(size)
			case float64:
				bytesAdded += int64(size)
			}
		}
		decision, err := e.quota.CheckArtifactQuota(ctx, tenantID, bytesAdded)
		if err != nil {
			return nil, err
		}
		if decision.Allowed {
			if err := e.quota.RegisterArtifactBytes(ctx, tenantID, bytesAdded); err != nil {
				return nil, err
			}
		} else {
			failed := contracts.FailureResult(result.ActionID, decision.Code, decision.Detail)
			failed.Attempts = result.Attempts
			failed.Escalation = result.Escalation
			failed.PreStateID = result.PreStateID
			failed.PostStateID = result.PostStateID
			failed.StateDelta = result.StateDelta
			failed.NetworkSummary = result.NetworkSummary
			failed.Telemetry = result.Telemetry
			failed.Artifacts = result.Artifacts
			result = failed
		}
	}

	return e.auditAndCache(ctx, tenantID, workflowID, actionID, canonicalContract, result)
}

// applyBudget trims the result envelope to the tenant's token limits,
// replacing it with a minimal BUDGET_EXCEEDED envelope when even the
// deepest trim cannot fit.
func (e *Engine) applyBudget(result *contracts.ActionExecutionResult, tenantQuota quota.TenantQuota) *contracts.ActionExecutionResult {
	payload := result.ToMap()
	manager := budget.NewManager(tenantQuota.MaxStepTokens)
	outcome, err := manager.Enforce(payload, budget.ComponentBudgets{
		MaxStateDeltaTokens:     tenantQuota.MaxStateDeltaTokens,
		MaxNetworkSummaryTokens: tenantQuota.MaxNetworkSummaryTok,
		MaxMetadataTokens:       tenantQuota.MaxMetadataTokens,
	})
	if err != nil {
		return result
	}

	if !outcome.Allowed {
		over := contracts.FailureResult(result.ActionID, contracts.CodeBudgetExceeded, "")
		over.Attempts = result.Attempts
		over.Escalation = result.Escalation
		over.PreStateID = result.PreStateID
		over.PostStateID = result.PostStateID
		over.Telemetry = map[string]interface{}{"budget_tokens": outcome.TotalTokens}
		over.Artifacts = result.Artifacts
		over.Metadata = map[string]interface{}{"budget_notes": outcome.Notes}
		payload = over.ToMap()
	}

	if metadata, ok := payload["metadata"].(map[string]interface{}); ok {
		metadata["budget"] = map[string]interface{}{
			"tokens":  outcome.TotalTokens,
			"trimmed": outcome.Trimmed,
			"notes":   outcome.Notes,
			"limit":   tenantQuota.MaxStepTokens,
		}
	}
	return contracts.ResultFromMap(payload)
}

// VerifyAuditChain re-validates the workflow's audit log.
func (e *Engine) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	return e.audit.VerifyChain(tenantID, workflowID)
}

// ReplayTrace returns the workflow's audit records in append order.
func (e *Engine) ReplayTrace(tenantID, workflowID string) ([]map[string]interface{}, error) {
	return e.audit.ReplayTrace(tenantID, workflowID)
}

// OpenTab opens a new tab in the workflow's session and rebinds the
// observers to it.
func (e *Engine) OpenTab(ctx context.Context, tenantID, workflowID string, policy security.Policy, rawURL string) (string, error) {
	session, err := e.sessions.GetOrCreateSession(ctx, tenantID, workflowID, policy)
	if err != nil {
		return "", err
	}
	if decision := session.Security.EvaluateNavigation(rawURL); !decision.Allowed {
		return "", fmt.Errorf("engine: %s: %s", decision.Code, decision.Detail)
	}

	session.Network.Detach()
	session.Runtime.Detach()
	tabID, err := session.Tabs.OpenTab(ctx, rawURL)
	if err != nil {
		return "", err
	}
	page, err := session.Tabs.Page(tabID)
	if err != nil {
		return "", err
	}
	session.Page = page
	session.Network.Attach(page)
	session.Runtime.Attach(page)
	return tabID, nil
}

// SwitchTab makes tabID the active tab and rebinds the observers.
func (e *Engine) SwitchTab(ctx context.Context, workflowID, tabID string) error {
	session, err := e.sessions.GetSession(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := session.Tabs.SetActiveTab(tabID); err != nil {
		return err
	}
	page, err := session.Tabs.Page(tabID)
	if err != nil {
		return err
	}
	session.Network.Detach()
	session.Runtime.Detach()
	session.Page = page
	session.Network.Attach(page)
	session.Runtime.Attach(page)
	return nil
}

// ListTabs lists the workflow's open tabs.
func (e *Engine) ListTabs(ctx context.Context, workflowID string) []TabInfo {
	if !e.sessions.HasSession(workflowID) {
		return nil
	}
	session, err := e.sessions.GetSession(ctx, workflowID)
	if err != nil {
		return nil
	}
	return session.Tabs.ListTabs(ctx)
}

// CloseWorkflowSession releases the workflow's session.
func (e *Engine) CloseWorkflowSession(ctx context.Context, workflowID string) {
	e.sessions.CloseSession(ctx, workflowID)
}

// Health reports the node's aggregate health.
func (e *Engine) Health(ctx context.Context) (map[string]interface{}, error) {
	snapshot, err := e.breaker.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	health := e.health.Evaluate(e.sessions.TotalActiveSessions(ctx), snapshot)
	return map[string]interface{}{
		"status":          health.Status,
		"active_sessions": health.ActiveSessions,
		"pooled_contexts": e.sessions.PooledContextCount(),
		"open_circuits":   health.OpenCircuits,
		"details":         health.Details,
	}, nil
}
