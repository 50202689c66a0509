package contracts

// ActionExecutionResult is the outcome of one contract execution,
// including the evidence payload emitted to callers and the audit trail.
type ActionExecutionResult struct {
	ActionID           string                   `json:"action_id"`
	Success            bool                     `json:"success"`
	FailureCode        string                   `json:"failure_code"`
	Attempts           int                      `json:"attempts"`
	Escalation         EscalationMode           `json:"escalation"`
	VerificationPassed bool                     `json:"verification_passed"`
	PreStateID         string                   `json:"pre_state_id"`
	PostStateID        string                   `json:"post_state_id"`
	StateDelta         map[string]interface{}   `json:"state_delta"`
	NetworkSummary     map[string]interface{}   `json:"network_summary"`
	Telemetry          map[string]interface{}   `json:"telemetry"`
	Artifacts          []map[string]interface{} `json:"artifacts"`
	Metadata           map[string]interface{}   `json:"metadata"`
}

// NewResult returns a result with all containers initialized.
func NewResult(actionID string) *ActionExecutionResult {
	return &ActionExecutionResult{
		ActionID:       actionID,
		Attempts:       1,
		StateDelta:     map[string]interface{}{},
		NetworkSummary: map[string]interface{}{},
		Telemetry:      map[string]interface{}{},
		Artifacts:      []map[string]interface{}{},
		Metadata:       map[string]interface{}{},
	}
}

// FailureResult builds a terminal failure with the given code and detail.
func FailureResult(actionID, code, detail string) *ActionExecutionResult {
	r := NewResult(actionID)
	r.Success = false
	r.FailureCode = code
	if detail != "" {
		r.Metadata["detail"] = detail
	}
	return r
}

// ToMap flattens the result for audit serialization. Nil containers
// normalize to empty so the canonical form is stable.
func (r *ActionExecutionResult) ToMap() map[string]interface{} {
	stateDelta := r.StateDelta
	if stateDelta == nil {
		stateDelta = map[string]interface{}{}
	}
	networkSummary := r.NetworkSummary
	if networkSummary == nil {
		networkSummary = map[string]interface{}{}
	}
	telemetry := r.Telemetry
	if telemetry == nil {
		telemetry = map[string]interface{}{}
	}
	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = []map[string]interface{}{}
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return map[string]interface{}{
		"action_id":           r.ActionID,
		"success":             r.Success,
		"failure_code":        r.FailureCode,
		"attempts":            r.Attempts,
		"escalation":          string(r.Escalation),
		"verification_passed": r.VerificationPassed,
		"pre_state_id":        r.PreStateID,
		"post_state_id":       r.PostStateID,
		"state_delta":         stateDelta,
		"network_summary":     networkSummary,
		"telemetry":           telemetry,
		"artifacts":           artifacts,
		"metadata":            metadata,
	}
}

// ResultFromMap rebuilds a result from its flattened form, tolerating
// missing keys from older records.
func ResultFromMap(payload map[string]interface{}) *ActionExecutionResult {
	r := NewResult(stringAt(payload, "action_id"))
	r.Success, _ = payload["success"].(bool)
	r.FailureCode = stringAt(payload, "failure_code")
	if attempts, ok := payload["attempts"].(float64); ok {
		r.Attempts = int(attempts)
	}
	r.Escalation = EscalationMode(stringAt(payload, "escalation"))
	r.VerificationPassed, _ = payload["verification_passed"].(bool)
	r.PreStateID = stringAt(payload, "pre_state_id")
	r.PostStateID = stringAt(payload, "post_state_id")
	if m, ok := payload["state_delta"].(map[string]interface{}); ok {
		r.StateDelta = m
	}
	if m, ok := payload["network_summary"].(map[string]interface{}); ok {
		r.NetworkSummary = m
	}
	if m, ok := payload["telemetry"].(map[string]interface{}); ok {
		r.Telemetry = m
	}
	if list, ok := payload["artifacts"].([]interface{}); ok {
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				r.Artifacts = append(r.Artifacts, m)
			}
		}
	}
	if m, ok := payload["metadata"].(map[string]interface{}); ok {
		r.Metadata = m
	}
	return r
}

func stringAt(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
