// Package budget enforces the token ceiling on serialized result
// envelopes. Trimming is deterministic: component budgets first, then a
// fixed escalation order, then a hard-stop compression that keeps the
// correctness signals.
package budget

import (
	"fmt"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
)

// ComponentBudgets caps each heavy envelope section on its own.
type ComponentBudgets struct {
	MaxStateDeltaTokens     int
	MaxNetworkSummaryTokens int
	MaxMetadataTokens       int
}

func DefaultComponentBudgets() ComponentBudgets {
	return ComponentBudgets{
		MaxStateDeltaTokens:     500,
		MaxNetworkSummaryTokens: 250,
		MaxMetadataTokens:       250,
	}
}

// Outcome reports the enforcement result. Allowed is false only when
// the envelope still exceeds the hard limit after every trim.
type Outcome struct {
	Allowed     bool
	TotalTokens int
	Trimmed     bool
	Notes       []string
}

// Manager trims result envelopes to a hard token limit.
type Manager struct {
	hardLimit int
}

func NewManager(hardLimitTokens int) *Manager {
	if hardLimitTokens <= 0 {
		hardLimitTokens = 1200
	}
	return &Manager{hardLimit: hardLimitTokens}
}

func (m *Manager) HardLimitTokens() int {
	return m.hardLimit
}

func trimRuntimeEventsTo(payload map[string]interface{}, limit int, notes *[]string) {
	metadata, ok := payload["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	events, ok := metadata["runtime_events"].([]interface{})
	if !ok || len(events) <= limit {
		return
	}
	metadata["runtime_events"] = events[:limit]
	*notes = append(*notes, fmt.Sprintf("trimmed_runtime_events_to_%d", limit))
}

func trimMetadataToMinimal(payload map[string]interface{}, notes *[]string) {
	metadata, ok := payload["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	if guard, ok := metadata["guard_summary"].(map[string]interface{}); ok {
		payload["metadata"] = map[string]interface{}{"guard_summary": guard}
	} else {
		payload["metadata"] = map[string]interface{}{}
	}
	*notes = append(*notes, "compressed_metadata_minimal")
}

func trimNetworkFailuresTo(payload map[string]interface{}, limit int, notes *[]string) {
	summary, ok := payload["network_summary"].(map[string]interface{})
	if !ok {
		return
	}
	failures, ok := summary["failures"].([]interface{})
	if !ok || len(failures) <= limit {
		return
	}
	summary["failures"] = failures[:limit]
	*notes = append(*notes, fmt.Sprintf("trimmed_network_failures_to_%d", limit))
}

func trimNetworkToMinimal(payload map[string]interface{}, notes *[]string) {
	summary, ok := payload["network_summary"].(map[string]interface{})
	if !ok {
		return
	}
	minimal := map[string]interface{}{
		"total_requests":  0,
		"total_responses": 0,
		"total_failures":  0,
		"failures":        []interface{}{},
	}
	for _, key := range []string{"total_requests", "total_responses", "total_failures"} {
		if v, ok := summary[key]; ok {
			minimal[key] = v
		}
	}
	payload["network_summary"] = minimal
	*notes = append(*notes, "compressed_network_summary_minimal")
}

var deltaOpKeys = []string{"element_ops", "form_ops", "error_ops"}

func trimStateDeltaOpsTo(payload map[string]interface{}, limit int, notes *[]string) {
	delta, ok := payload["state_delta"].(map[string]interface{})
	if !ok {
		return
	}
	for _, key := range deltaOpKeys {
		ops, ok := delta[key].([]interface{})
		if !ok || len(ops) <= limit {
			continue
		}
		delta[key] = ops[:limit]
		*notes = append(*notes, fmt.Sprintf("trimmed_%s_to_%d", key, limit))
	}
}

func trimStateDeltaToMinimal(payload map[string]interface{}, notes *[]string) {
	delta, ok := payload["state_delta"].(map[string]interface{})
	if !ok {
		return
	}
	minimal := map[string]interface{}{
		"from_state_id":    delta["from_state_id"],
		"to_state_id":      delta["to_state_id"],
		"changed_sections": []interface{}{},
		"section_hashes":   map[string]interface{}{},
		"element_ops":      []interface{}{},
		"form_ops":         []interface{}{},
		"error_ops":        []interface{}{},
		"network_delta":    map[string]interface{}{},
	}
	if sections, ok := delta["changed_sections"]; ok {
		minimal["changed_sections"] = sections
	}
	if hashes, ok := delta["section_hashes"]; ok {
		minimal["section_hashes"] = hashes
	}
	payload["state_delta"] = minimal
	*notes = append(*notes, "compressed_state_delta_minimal")
}

func componentTokens(payload map[string]interface{}, key string) (int, error) {
	value, ok := payload[key]
	if !ok {
		return 0, nil
	}
	return canonicalize.EstimateTokens(map[string]interface{}{key: value})
}

func (m *Manager) enforceComponentBudgets(payload map[string]interface{}, budgets ComponentBudgets, notes *[]string) error {
	steps := []struct {
		key  string
		max  int
		trim []func(map[string]interface{}, *[]string)
	}{
		{"metadata", budgets.MaxMetadataTokens, []func(map[string]interface{}, *[]string){
			func(p map[string]interface{}, n *[]string) { trimRuntimeEventsTo(p, 10, n) },
			func(p map[string]interface{}, n *[]string) { trimRuntimeEventsTo(p, 5, n) },
			trimMetadataToMinimal,
		}},
		{"network_summary", budgets.MaxNetworkSummaryTokens, []func(map[string]interface{}, *[]string){
			func(p map[string]interface{}, n *[]string) { trimNetworkFailuresTo(p, 8, n) },
			func(p map[string]interface{}, n *[]string) { trimNetworkFailuresTo(p, 4, n) },
			trimNetworkToMinimal,
		}},
		{"state_delta", budgets.MaxStateDeltaTokens, []func(map[string]interface{}, *[]string){
			func(p map[string]interface{}, n *[]string) { trimStateDeltaOpsTo(p, 12, n) },
			func(p map[string]interface{}, n *[]string) { trimStateDeltaOpsTo(p, 6, n) },
			trimStateDeltaToMinimal,
		}},
	}
	for _, step := range steps {
		for _, trim := range step.trim {
			tokens, err := componentTokens(payload, step.key)
			if err != nil {
				return err
			}
			if tokens <= step.max {
				break
			}
			trim(payload, notes)
		}
	}
	return nil
}

// Enforce trims payload in place until it fits the hard limit and
// reports what was cut. The trim order is fixed so identical envelopes
// always trim identically.
func (m *Manager) Enforce(payload map[string]interface{}, budgets ComponentBudgets) (Outcome, error) {
	if budgets == (ComponentBudgets{}) {
		budgets = DefaultComponentBudgets()
	}
	var notes []string

	if err := m.enforceComponentBudgets(payload, budgets, &notes); err != nil {
		return Outcome{}, fmt.Errorf("budget: component budgets: %w", err)
	}

	total, err := canonicalize.EstimateTokens(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("budget: estimate payload: %w", err)
	}
	if total <= m.hardLimit {
		return Outcome{Allowed: true, TotalTokens: total, Trimmed: len(notes) > 0, Notes: notes}, nil
	}

	escalation := []func(map[string]interface{}, *[]string){
		func(p map[string]interface{}, n *[]string) { trimRuntimeEventsTo(p, 10, n) },
		func(p map[string]interface{}, n *[]string) { trimNetworkFailuresTo(p, 8, n) },
		func(p map[string]interface{}, n *[]string) { trimStateDeltaOpsTo(p, 12, n) },
	}
	for _, trim := range escalation {
		trim(payload, &notes)
		if total, err = canonicalize.EstimateTokens(payload); err != nil {
			return Outcome{}, fmt.Errorf("budget: estimate payload: %w", err)
		}
		if total <= m.hardLimit {
			return Outcome{Allowed: true, TotalTokens: total, Trimmed: true, Notes: notes}, nil
		}
	}

	// Hard stop: keep correctness signals, drop heavy optional data.
	if _, ok := payload["metadata"].(map[string]interface{}); ok {
		recorded := append([]string(nil), notes...)
		payload["metadata"] = map[string]interface{}{
			"budget_truncated": true,
			"notes":            recorded,
		}
		notes = append(notes, "dropped_metadata_payload")
	}
	if telemetry, ok := payload["telemetry"].(map[string]interface{}); ok {
		compressed := map[string]interface{}{
			"elapsed_ms": telemetry["elapsed_ms"],
			"counters":   map[string]interface{}{},
		}
		if counters, ok := telemetry["counters"]; ok {
			compressed["counters"] = counters
		}
		payload["telemetry"] = compressed
		notes = append(notes, "compressed_telemetry")
	}

	if total, err = canonicalize.EstimateTokens(payload); err != nil {
		return Outcome{}, fmt.Errorf("budget: estimate payload: %w", err)
	}
	return Outcome{Allowed: total <= m.hardLimit, TotalTokens: total, Trimmed: true, Notes: notes}, nil
}
