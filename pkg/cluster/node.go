package cluster

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/artifacts"
	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/engine"
	"github.com/mindsync-ai/predator/pkg/observability"
	"github.com/mindsync-ai/predator/pkg/quota"
	"github.com/mindsync-ai/predator/pkg/security"
)

// AdmissionSLO bounds one node's load. Crossing any bound puts the node
// in drain mode until the pressure clears.
type AdmissionSLO struct {
	MaxActiveSessions   int
	MaxInflightActions  int
	MaxLoopLagP95MS     float64
	MaxFDCount          int
	MaxRSSMB            float64
	MaxBreakerOpenRatio float64
	// MaxSLOBurnRate drains the node when the execute_contract error
	// budget burns faster than this. Zero disables the check.
	MaxSLOBurnRate float64
}

func DefaultAdmissionSLO() AdmissionSLO {
	return AdmissionSLO{
		MaxActiveSessions:   120,
		MaxInflightActions:  120,
		MaxLoopLagP95MS:     1200.0,
		MaxFDCount:          1024,
		MaxRSSMB:            1024.0,
		MaxBreakerOpenRatio: 0.50,
		MaxSLOBurnRate:      1.0,
	}
}

// NodeSnapshot is one monitor-tick view of a node.
type NodeSnapshot struct {
	NodeID           int      `json:"node_id"`
	Admit            bool     `json:"admit"`
	DrainMode        bool     `json:"drain_mode"`
	Reasons          []string `json:"reasons"`
	InflightActions  int      `json:"inflight_actions"`
	ActiveSessions   int      `json:"active_sessions"`
	OpenCircuits     int      `json:"open_circuits"`
	BreakerOpenRatio float64  `json:"breaker_open_ratio"`
	LoopLagP95MS     float64  `json:"loop_lag_p95_ms"`
	FDCount          int      `json:"fd_count"`
	RSSMB            float64  `json:"rss_mb"`
	SLOBurnRate      float64  `json:"slo_burn_rate"`
	Status           string   `json:"status"`
}

// ExecutionNode is the scheduler's view of one shard.
type ExecutionNode interface {
	NodeID() int
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	CanAdmit() bool
	AdmissionLimit() int
	Snapshot() NodeSnapshot
	ExecuteContract(ctx context.Context, tenantID, workflowID string, policy security.Policy, contract contracts.ActionContract) (*contracts.ActionExecutionResult, error)
	CloseWorkflowSession(ctx context.Context, workflowID string)
	VerifyAuditChain(tenantID, workflowID string) (bool, string, error)
	ReplayTrace(tenantID, workflowID string) ([]map[string]interface{}, error)
	OpenTab(ctx context.Context, tenantID, workflowID string, policy security.Policy, url string) (string, error)
	SwitchTab(ctx context.Context, workflowID, tabID string) error
	ListTabs(ctx context.Context, workflowID string) []engine.TabInfo
	RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifacts.Record, error)
	SetTenantQuota(ctx context.Context, tenantID string, q quota.TenantQuota) error
}

func fdCount() int {
	for _, path := range []string{"/proc/self/fd", "/dev/fd"} {
		entries, err := os.ReadDir(path)
		if err == nil {
			return len(entries)
		}
	}
	return -1
}

func rssMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Sys) / (1 << 20)
}

func p95(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	index := int(float64(len(ordered)-1)*0.95 + 0.5)
	if index < 0 {
		index = 0
	}
	if index >= len(ordered) {
		index = len(ordered) - 1
	}
	return ordered[index]
}

const lagSampleWindow = 80

// sloMinSamples is the floor below which the burn-rate drain check
// stays quiet; a handful of early failures must not drain a node.
const sloMinSamples = 20

const sloExecuteOperation = "execute_contract"

// EngineNode wraps one engine behind the scheduler interface and keeps
// its admission snapshot fresh from a background monitor.
type EngineNode struct {
	id              int
	engine          *engine.Engine
	slo             AdmissionSLO
	monitorInterval time.Duration
	provider        *observability.Provider
	sloTracker      *observability.SLOTracker

	mu         sync.Mutex
	inflight   int
	lagSamples []float64
	snapshot   NodeSnapshot

	stop chan struct{}
	done chan struct{}
}

func NewEngineNode(id int, eng *engine.Engine, slo AdmissionSLO, monitorInterval time.Duration) *EngineNode {
	if monitorInterval < 50*time.Millisecond {
		monitorInterval = 50 * time.Millisecond
	}
	tracker := observability.NewSLOTracker()
	for _, target := range observability.DefaultSLOTargets() {
		tracker.SetTarget(target)
	}
	return &EngineNode{
		id:              id,
		engine:          eng,
		slo:             slo,
		monitorInterval: monitorInterval,
		sloTracker:      tracker,
		snapshot: NodeSnapshot{
			NodeID:  id,
			Admit:   true,
			Reasons: []string{},
			FDCount: fdCount(),
			RSSMB:   rssMB(),
			Status:  "initializing",
		},
	}
}

// WithObservability attaches a provider so contract executions emit
// spans and RED metrics.
func (n *EngineNode) WithObservability(provider *observability.Provider) *EngineNode {
	n.provider = provider
	return n
}

// SLOStatus reports execute_contract compliance over the target window.
func (n *EngineNode) SLOStatus() (*observability.SLOStatus, error) {
	return n.sloTracker.Status(sloExecuteOperation)
}

func (n *EngineNode) NodeID() int { return n.id }

func (n *EngineNode) Initialize(ctx context.Context) error {
	if err := n.engine.Initialize(ctx); err != nil {
		return err
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	go n.monitor()
	return nil
}

func (n *EngineNode) Close(ctx context.Context) error {
	if n.stop != nil {
		close(n.stop)
		<-n.done
		n.stop = nil
	}
	return n.engine.Close(ctx)
}

func (n *EngineNode) monitor() {
	defer close(n.done)
	next := time.Now().Add(n.monitorInterval)
	ticker := time.NewTicker(n.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case now := <-ticker.C:
			lagMS := now.Sub(next).Seconds() * 1000.0
			if lagMS < 0 {
				lagMS = 0
			}
			next = now.Add(n.monitorInterval)
			n.mu.Lock()
			n.lagSamples = append(n.lagSamples, lagMS)
			if len(n.lagSamples) > lagSampleWindow {
				n.lagSamples = n.lagSamples[len(n.lagSamples)-lagSampleWindow:]
			}
			n.mu.Unlock()
			n.refreshSnapshot(context.Background())
		}
	}
}

func (n *EngineNode) refreshSnapshot(ctx context.Context) {
	health, err := n.engine.Health(ctx)
	if err != nil {
		return
	}
	activeSessions, _ := health["active_sessions"].(int)
	openCircuits, _ := health["open_circuits"].(int)
	status, _ := health["status"].(string)

	totalCircuits := 0
	if details, ok := health["details"].(map[string]interface{}); ok {
		if circuits, ok := details["circuits"].(map[string]interface{}); ok {
			totalCircuits = len(circuits)
		}
	}
	breakerRatio := 0.0
	if totalCircuits > 0 {
		breakerRatio = float64(openCircuits) / float64(totalCircuits)
	}

	burnRate := 0.0
	sloBurning := false
	if sloStatus, sloErr := n.sloTracker.Status(sloExecuteOperation); sloErr == nil {
		burnRate = sloStatus.BurnRate
		sloBurning = n.slo.MaxSLOBurnRate > 0 &&
			sloStatus.ObservationCount >= sloMinSamples &&
			sloStatus.BurnRate > n.slo.MaxSLOBurnRate
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	lagP95 := p95(n.lagSamples)
	fds := fdCount()
	rss := rssMB()

	reasons := []string{}
	if n.inflight >= n.slo.MaxInflightActions {
		reasons = append(reasons, "inflight_limit")
	}
	if activeSessions > n.slo.MaxActiveSessions {
		reasons = append(reasons, "active_sessions")
	}
	if lagP95 > n.slo.MaxLoopLagP95MS {
		reasons = append(reasons, "loop_lag")
	}
	if fds >= 0 && fds > n.slo.MaxFDCount {
		reasons = append(reasons, "fd_count")
	}
	if rss > n.slo.MaxRSSMB {
		reasons = append(reasons, "rss_mb")
	}
	if breakerRatio > n.slo.MaxBreakerOpenRatio {
		reasons = append(reasons, "breaker_open_ratio")
	}
	if sloBurning {
		reasons = append(reasons, "slo_burn")
	}

	drain := len(reasons) > 0
	n.snapshot = NodeSnapshot{
		NodeID:           n.id,
		Admit:            !drain,
		DrainMode:        drain,
		Reasons:          reasons,
		InflightActions:  n.inflight,
		ActiveSessions:   activeSessions,
		OpenCircuits:     openCircuits,
		BreakerOpenRatio: breakerRatio,
		LoopLagP95MS:     lagP95,
		FDCount:          fds,
		RSSMB:            rss,
		SLOBurnRate:      burnRate,
		Status:           status,
	}
}

func (n *EngineNode) CanAdmit() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot.Admit
}

func (n *EngineNode) AdmissionLimit() int {
	if n.slo.MaxInflightActions < 1 {
		return 1
	}
	return n.slo.MaxInflightActions
}

func (n *EngineNode) Snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot
}

func (n *EngineNode) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy security.Policy, contract contracts.ActionContract) (*contracts.ActionExecutionResult, error) {
	n.mu.Lock()
	n.inflight++
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.inflight > 0 {
			n.inflight--
		}
		n.mu.Unlock()
		n.refreshSnapshot(ctx)
	}()

	done := func(string) {}
	if n.provider != nil {
		ctx, done = n.provider.TrackAction(ctx, tenantID, workflowID, string(contract.ActionSpec.ActionType))
	}
	started := time.Now()
	result, err := n.engine.ExecuteContract(ctx, tenantID, workflowID, policy, contract)

	success := err == nil && result != nil && result.Success
	failureCode := ""
	switch {
	case err != nil:
		failureCode = "EXECUTE_ERROR"
	case result != nil && !result.Success:
		failureCode = result.FailureCode
	}
	done(failureCode)
	n.sloTracker.Record(observability.SLOObservation{
		Operation: sloExecuteOperation,
		Latency:   time.Since(started),
		Success:   success,
	})
	return result, err
}

func (n *EngineNode) CloseWorkflowSession(ctx context.Context, workflowID string) {
	n.engine.CloseWorkflowSession(ctx, workflowID)
}

func (n *EngineNode) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	return n.engine.VerifyAuditChain(tenantID, workflowID)
}

func (n *EngineNode) ReplayTrace(tenantID, workflowID string) ([]map[string]interface{}, error) {
	return n.engine.ReplayTrace(tenantID, workflowID)
}

func (n *EngineNode) OpenTab(ctx context.Context, tenantID, workflowID string, policy security.Policy, url string) (string, error) {
	return n.engine.OpenTab(ctx, tenantID, workflowID, policy, url)
}

func (n *EngineNode) SwitchTab(ctx context.Context, workflowID, tabID string) error {
	return n.engine.SwitchTab(ctx, workflowID, tabID)
}

func (n *EngineNode) ListTabs(ctx context.Context, workflowID string) []engine.TabInfo {
	return n.engine.ListTabs(ctx, workflowID)
}

func (n *EngineNode) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifacts.Record, error) {
	return n.engine.RegisterUploadArtifact(ctx, tenantID, workflowID, actionID, sourcePath)
}

func (n *EngineNode) SetTenantQuota(ctx context.Context, tenantID string, q quota.TenantQuota) error {
	return n.engine.SetTenantQuota(ctx, tenantID, q)
}
