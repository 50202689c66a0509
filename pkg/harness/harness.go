// Package harness drives synthetic load through an engine and reports
// latency percentiles, failure codes, and peak resource telemetry. It
// is the soak tool used to validate pool hygiene and breaker behavior
// before a rollout.
package harness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/engine"
	"github.com/mindsync-ai/predator/pkg/security"
)

// Config shapes one load run.
type Config struct {
	Workflows   int
	Concurrency int
	Tenants     int
	// StartRate paces workflow starts; zero means unpaced.
	StartRate rate.Limit
	Burst     int
	// WaitKinds rotates per workflow. Defaults to selector and response.
	WaitKinds []string
	// URLs rotates per workflow.
	URLs []string
}

func (c *Config) applyDefaults() {
	if c.Workflows <= 0 {
		c.Workflows = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Tenants <= 0 {
		c.Tenants = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if len(c.WaitKinds) == 0 {
		c.WaitKinds = []string{contracts.WaitSelector, contracts.WaitResponse}
	}
}

// Snapshot is one monitor sample of engine health during a run.
type Snapshot struct {
	TS             time.Time
	ActiveSessions int
	PooledContexts int
	OpenCircuits   int
}

// Summary aggregates one run.
type Summary struct {
	Workflows          int            `json:"workflows"`
	Concurrency        int            `json:"concurrency"`
	Success            int            `json:"success"`
	Failures           int            `json:"failures"`
	FailureCodes       map[string]int `json:"failure_codes"`
	FailureByWaitKind  map[string]int `json:"failure_by_wait_kind"`
	P50LatencyMS       float64        `json:"p50_latency_ms"`
	P95LatencyMS       float64        `json:"p95_latency_ms"`
	MaxLatencyMS       float64        `json:"max_latency_ms"`
	PeakActiveSessions int            `json:"peak_active_sessions"`
	PeakPooledContexts int            `json:"peak_pooled_contexts"`
	PeakOpenCircuits   int            `json:"peak_open_circuits"`
	ZombieSessions     int            `json:"zombie_sessions"`
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	index := int(float64(len(ordered)-1)*p + 0.5)
	if index < 0 {
		index = 0
	}
	if index >= len(ordered) {
		index = len(ordered) - 1
	}
	return ordered[index]
}

func waitCondition(kind, urlPattern string) contracts.WaitCondition {
	switch kind {
	case contracts.WaitSelector:
		return contracts.WaitCondition{
			Kind:      contracts.WaitSelector,
			Payload:   map[string]interface{}{"selector": "#ready", "state": "visible"},
			TimeoutMS: 20000,
		}
	case contracts.WaitURL:
		return contracts.WaitCondition{
			Kind:      contracts.WaitURL,
			Payload:   map[string]interface{}{"url_pattern": urlPattern},
			TimeoutMS: 20000,
		}
	case contracts.WaitFunction:
		return contracts.WaitCondition{
			Kind:      contracts.WaitFunction,
			Payload:   map[string]interface{}{"expression": "() => window.__ready === true"},
			TimeoutMS: 20000,
		}
	default:
		return contracts.WaitCondition{
			Kind:      contracts.WaitResponse,
			Payload:   map[string]interface{}{"url_pattern": urlPattern, "status_min": 200, "status_max": 299},
			TimeoutMS: 20000,
		}
	}
}

// NavigationContract builds the standard harness step: navigate, wait
// on the chosen kind, and verify the landing URL.
func NavigationContract(workflowID, runID string, stepIndex int, url, urlPattern, waitKind string) contracts.ActionContract {
	return contracts.ActionContract{
		WorkflowID: workflowID,
		RunID:      runID,
		StepIndex:  stepIndex,
		Intent:     "load_harness_navigation",
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionNavigate, URL: url},
		WaitConditions: []contracts.WaitCondition{
			waitCondition(waitKind, urlPattern),
		},
		ExpectedPostconds: []contracts.VerificationRule{{
			RuleType: contracts.RuleURLPattern,
			Severity: "error",
			Payload:  map[string]interface{}{"pattern": urlPattern},
		}},
		Timeout: contracts.TimeoutPolicy{
			TotalTimeoutMS:   120000,
			BindTimeoutMS:    10000,
			ExecuteTimeoutMS: 20000,
			WaitTimeoutMS:    20000,
			VerifyTimeoutMS:  10000,
		},
		Retry:    contracts.RetryPolicy{MaxAttempts: 2, InitialBackoffMS: 50, MaxBackoffMS: 500, Multiplier: 2.0, RetryableFailureCodes: []string{contracts.CodeActionExecutionFailed, contracts.CodeWaitTimeout}},
		Metadata: map[string]interface{}{"high_risk_approved": false},
	}
}

// SimulationPolicy allows the synthetic example.com targets served by
// the simulation driver.
func SimulationPolicy() security.Policy {
	return security.Policy{AllowDomains: []string{"example.com"}}
}

// SimulationURLs are the default soak targets.
func SimulationURLs() []string {
	return []string{"https://shop.example.com/", "https://docs.example.com/"}
}

// Runner executes one config against one engine.
type Runner struct {
	engine *engine.Engine
	policy security.Policy
}

func NewRunner(eng *engine.Engine, policy security.Policy) *Runner {
	return &Runner{engine: eng, policy: policy}
}

func (r *Runner) monitor(ctx context.Context, interval time.Duration, stop <-chan struct{}, out *[]Snapshot, mu *sync.Mutex) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			health, err := r.engine.Health(ctx)
			if err != nil {
				continue
			}
			active, _ := health["active_sessions"].(int)
			pooled, _ := health["pooled_contexts"].(int)
			circuits, _ := health["open_circuits"].(int)
			mu.Lock()
			*out = append(*out, Snapshot{
				TS:             time.Now(),
				ActiveSessions: active,
				PooledContexts: pooled,
				OpenCircuits:   circuits,
			})
			mu.Unlock()
		}
	}
}

// Run fires Workflows navigation steps with bounded concurrency and
// paced starts, then folds the outcomes into a Summary.
func (r *Runner) Run(ctx context.Context, config Config, urlPattern string) (Summary, error) {
	config.applyDefaults()
	if len(config.URLs) == 0 {
		return Summary{}, fmt.Errorf("harness: no target urls")
	}

	var limiter *rate.Limiter
	if config.StartRate > 0 {
		limiter = rate.NewLimiter(config.StartRate, config.Burst)
	}

	var mu sync.Mutex
	latencies := make([]float64, 0, config.Workflows)
	failureCodes := map[string]int{}
	failureByWaitKind := map[string]int{}
	successes := 0
	var snapshots []Snapshot

	stop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		r.monitor(ctx, 250*time.Millisecond, stop, &snapshots, &mu)
	}()

	semaphore := make(chan struct{}, config.Concurrency)
	var wg sync.WaitGroup
	for index := 0; index < config.Workflows; index++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			workflowID := fmt.Sprintf("wf-load-%d", index)
			tenantID := fmt.Sprintf("tenant-%d", index%config.Tenants)
			waitKind := config.WaitKinds[index%len(config.WaitKinds)]
			url := config.URLs[index%len(config.URLs)]
			contract := NavigationContract(workflowID, fmt.Sprintf("run-%d", index), 0, url, urlPattern, waitKind)

			started := time.Now()
			result, err := r.engine.ExecuteContract(ctx, tenantID, workflowID, r.policy, contract)
			elapsedMS := time.Since(started).Seconds() * 1000.0
			r.engine.CloseWorkflowSession(ctx, workflowID)

			mu.Lock()
			defer mu.Unlock()
			latencies = append(latencies, elapsedMS)
			if err != nil {
				failureCodes["EXECUTE_ERROR"]++
				failureByWaitKind[waitKind]++
				return
			}
			if result.Success {
				successes++
				return
			}
			code := result.FailureCode
			if code == "" {
				code = "NONE"
			}
			failureCodes[code]++
			failureByWaitKind[waitKind]++
		}(index)
	}
	wg.Wait()
	close(stop)
	<-monitorDone

	zombies := 0
	if health, err := r.engine.Health(ctx); err == nil {
		zombies, _ = health["active_sessions"].(int)
	}

	mu.Lock()
	defer mu.Unlock()
	summary := Summary{
		Workflows:         config.Workflows,
		Concurrency:       config.Concurrency,
		Success:           successes,
		Failures:          len(latencies) - successes,
		FailureCodes:      failureCodes,
		FailureByWaitKind: failureByWaitKind,
		P50LatencyMS:      percentile(latencies, 0.50),
		P95LatencyMS:      percentile(latencies, 0.95),
		ZombieSessions:    zombies,
	}
	for _, latency := range latencies {
		if latency > summary.MaxLatencyMS {
			summary.MaxLatencyMS = latency
		}
	}
	for _, snap := range snapshots {
		if snap.ActiveSessions > summary.PeakActiveSessions {
			summary.PeakActiveSessions = snap.ActiveSessions
		}
		if snap.PooledContexts > summary.PeakPooledContexts {
			summary.PeakPooledContexts = snap.PooledContexts
		}
		if snap.OpenCircuits > summary.PeakOpenCircuits {
			summary.PeakOpenCircuits = snap.OpenCircuits
		}
	}
	return summary, nil
}
