// Package resilience holds the per-tenant-per-domain circuit breaker
// and the engine health monitor. Circuits persist through the sqlite
// control plane when one is attached, otherwise they live in process.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/store"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Decision is one admission check against a circuit.
type Decision struct {
	Allowed bool
	State   string
	Code    string
	Detail  string
}

type circuit struct {
	state          string
	openedAt       float64
	recentFailures []float64
}

// BreakerConfig bounds the failure window and the open interval.
type BreakerConfig struct {
	FailureThreshold  int
	FailureWindowSecs int
	OpenIntervalSecs  int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		FailureWindowSecs: 120,
		OpenIntervalSecs:  60,
	}
}

// Breaker tracks failure windows per circuit key and blocks dispatch to
// domains that keep failing. A key is "tenant::domain" when tenant
// scoped, else the bare domain.
type Breaker struct {
	config BreakerConfig
	cp     *store.ControlPlane
	now    func() float64

	mu       sync.Mutex
	circuits map[string]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() float64) Option {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker builds a Breaker. A nil control plane keeps circuits in
// process only.
func NewBreaker(config BreakerConfig, cp *store.ControlPlane, opts ...Option) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.FailureWindowSecs <= 0 {
		config.FailureWindowSecs = DefaultBreakerConfig().FailureWindowSecs
	}
	if config.OpenIntervalSecs <= 0 {
		config.OpenIntervalSecs = DefaultBreakerConfig().OpenIntervalSecs
	}
	b := &Breaker{
		config:   config,
		cp:       cp,
		now:      func() float64 { return float64(time.Now().UnixMicro()) / 1e6 },
		circuits: map[string]*circuit{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) circuitFor(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) prune(c *circuit, now float64) {
	cutoff := now - float64(b.config.FailureWindowSecs)
	kept := c.recentFailures[:0]
	for _, ts := range c.recentFailures {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	c.recentFailures = kept
}

// Allow reports whether the domain may be dispatched to. An open
// circuit past its interval transitions to half-open and admits one
// probe.
func (b *Breaker) Allow(ctx context.Context, domain, tenantID string) (Decision, error) {
	now := b.now()
	key := store.CircuitKey(domain, tenantID)

	if b.cp != nil {
		snapshot, err := b.cp.GetCircuit(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("resilience: get circuit: %w", err)
		}
		if snapshot.State == StateOpen {
			if now-snapshot.OpenedAt >= float64(b.config.OpenIntervalSecs) {
				if err := b.cp.SetCircuit(ctx, key, StateHalfOpen, snapshot.OpenedAt); err != nil {
					return Decision{}, fmt.Errorf("resilience: set circuit: %w", err)
				}
				return Decision{Allowed: true, State: StateHalfOpen, Code: "CIRCUIT_HALF_OPEN"}, nil
			}
			return Decision{
				State:  StateOpen,
				Code:   contracts.CodeCircuitOpen,
				Detail: "domain temporarily blocked",
			}, nil
		}
		return Decision{Allowed: true, State: snapshot.State, Code: "OK"}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(key)
	if c.state == StateOpen {
		if now-c.openedAt >= float64(b.config.OpenIntervalSecs) {
			c.state = StateHalfOpen
			return Decision{Allowed: true, State: StateHalfOpen, Code: "CIRCUIT_HALF_OPEN"}, nil
		}
		return Decision{
			State:  StateOpen,
			Code:   contracts.CodeCircuitOpen,
			Detail: "domain temporarily blocked",
		}, nil
	}
	return Decision{Allowed: true, State: c.state, Code: "OK"}, nil
}

// RecordFailure notes one failed dispatch. Reaching the window
// threshold, or failing the half-open probe, opens the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, domain, tenantID string) (string, error) {
	now := b.now()
	key := store.CircuitKey(domain, tenantID)
	windowStart := now - float64(b.config.FailureWindowSecs)

	if b.cp != nil {
		snapshot, err := b.cp.GetCircuit(ctx, key)
		if err != nil {
			return "", fmt.Errorf("resilience: get circuit: %w", err)
		}
		if err := b.cp.AddCircuitFailure(ctx, key, now); err != nil {
			return "", fmt.Errorf("resilience: add failure: %w", err)
		}
		if err := b.cp.PruneCircuitFailures(ctx, key, windowStart); err != nil {
			return "", fmt.Errorf("resilience: prune failures: %w", err)
		}
		count, err := b.cp.CountCircuitFailures(ctx, key, windowStart)
		if err != nil {
			return "", fmt.Errorf("resilience: count failures: %w", err)
		}
		if count >= b.config.FailureThreshold || snapshot.State == StateHalfOpen {
			if err := b.cp.SetCircuit(ctx, key, StateOpen, now); err != nil {
				return "", fmt.Errorf("resilience: set circuit: %w", err)
			}
			return StateOpen, nil
		}
		return snapshot.State, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(key)
	b.prune(c, now)
	c.recentFailures = append(c.recentFailures, now)
	if len(c.recentFailures) >= b.config.FailureThreshold || c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = now
	}
	return c.state, nil
}

// RecordSuccess closes a half-open circuit and clears its failure
// window. Closed and open circuits are left untouched.
func (b *Breaker) RecordSuccess(ctx context.Context, domain, tenantID string) (string, error) {
	key := store.CircuitKey(domain, tenantID)

	if b.cp != nil {
		snapshot, err := b.cp.GetCircuit(ctx, key)
		if err != nil {
			return "", fmt.Errorf("resilience: get circuit: %w", err)
		}
		if snapshot.State == StateHalfOpen {
			if err := b.cp.SetCircuit(ctx, key, StateClosed, 0); err != nil {
				return "", fmt.Errorf("resilience: set circuit: %w", err)
			}
			if err := b.cp.ClearCircuitFailures(ctx, key); err != nil {
				return "", fmt.Errorf("resilience: clear failures: %w", err)
			}
			return StateClosed, nil
		}
		return snapshot.State, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(key)
	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.recentFailures = nil
	}
	return c.state, nil
}

// Snapshot projects every tracked circuit for health reporting.
func (b *Breaker) Snapshot(ctx context.Context) (map[string]map[string]interface{}, error) {
	now := b.now()
	payload := map[string]map[string]interface{}{}

	if b.cp != nil {
		keys, err := b.cp.ListCircuitKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("resilience: list circuits: %w", err)
		}
		for _, key := range keys {
			snapshot, err := b.cp.GetCircuit(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("resilience: get circuit: %w", err)
			}
			count, err := b.cp.CountCircuitFailures(ctx, key, now-float64(b.config.FailureWindowSecs))
			if err != nil {
				return nil, fmt.Errorf("resilience: count failures: %w", err)
			}
			payload[key] = map[string]interface{}{
				"state":           snapshot.State,
				"recent_failures": count,
				"opened_at":       snapshot.OpenedAt,
			}
		}
		return payload, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, c := range b.circuits {
		b.prune(c, now)
		payload[key] = map[string]interface{}{
			"state":           c.state,
			"recent_failures": len(c.recentFailures),
			"opened_at":       c.openedAt,
		}
	}
	return payload, nil
}

// EngineHealth is the aggregate health verdict for one node.
type EngineHealth struct {
	Status         string                 `json:"status"`
	ActiveSessions int                    `json:"active_sessions"`
	OpenCircuits   int                    `json:"open_circuits"`
	Details        map[string]interface{} `json:"details"`
}

// HealthMonitor folds session and circuit telemetry into a status.
type HealthMonitor struct{}

// Evaluate reports healthy with no open circuits, degraded with any,
// and unhealthy past five.
func (HealthMonitor) Evaluate(activeSessions int, circuitSnapshot map[string]map[string]interface{}) EngineHealth {
	openCircuits := 0
	details := map[string]interface{}{}
	for key, value := range circuitSnapshot {
		if state, _ := value["state"].(string); state == StateOpen {
			openCircuits++
		}
		details[key] = value
	}
	status := "healthy"
	if openCircuits > 0 {
		status = "degraded"
	}
	if openCircuits > 5 {
		status = "unhealthy"
	}
	return EngineHealth{
		Status:         status,
		ActiveSessions: activeSessions,
		OpenCircuits:   openCircuits,
		Details:        map[string]interface{}{"circuits": details},
	}
}
