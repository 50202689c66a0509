// Package contracts defines the immutable action contract model: the unit
// of browser work, its success and failure criteria, and its deterministic
// content identity.
package contracts

import (
	"fmt"
	"time"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
)

// ActionType enumerates the dispatchable action kinds.
type ActionType string

const (
	ActionNavigate           ActionType = "navigate"
	ActionClick              ActionType = "click"
	ActionTypeText           ActionType = "type"
	ActionSelect             ActionType = "select"
	ActionUpload             ActionType = "upload"
	ActionDownloadTrigger    ActionType = "download_trigger"
	ActionWaitOnly           ActionType = "wait_only"
	ActionCustomJSRestricted ActionType = "custom_js_restricted"
)

// RuleType enumerates verification rule kinds.
type RuleType string

const (
	RuleElementPresent RuleType = "element_present"
	RuleTextState      RuleType = "text_state"
	RuleAttributeState RuleType = "attribute_state"
	RuleNetworkStatus  RuleType = "network_status"
	RuleJSONField      RuleType = "json_field"
	RuleFileExists     RuleType = "file_exists"
	RuleURLPattern     RuleType = "url_pattern"
	RuleInvariant      RuleType = "invariant"
)

// Rule severities. A verification report fails only on hard failures.
const (
	SeverityHard = "hard"
	SeveritySoft = "soft"
)

// EscalationMode tells the orchestration layer what to do after a terminal failure.
type EscalationMode string

const (
	EscalateRetryRebind    EscalationMode = "retry_rebind"
	EscalateVisionFallback EscalationMode = "vision_fallback"
	EscalateHumanReview    EscalationMode = "human_review"
	EscalateFailWorkflow   EscalationMode = "fail_workflow"
)

// Failure codes surfaced to callers.
const (
	CodeInvalidContract         = "INVALID_CONTRACT"
	CodeInvalidActionSpec       = "INVALID_ACTION_SPEC"
	CodeInvalidWaitCondition    = "INVALID_WAIT_CONDITION"
	CodeMissingPostActionGuard  = "MISSING_POST_ACTION_GUARD"
	CodePreconditionFailed      = "PRECONDITION_FAILED"
	CodeActionExecutionFailed   = "ACTION_EXECUTION_FAILED"
	CodeWaitTimeout             = "WAIT_TIMEOUT"
	CodeTargetBindFailed        = "TARGET_BIND_FAILED"
	CodePostconditionFailed     = "POSTCONDITION_FAILED"
	CodeRetryExhausted          = "RETRY_EXHAUSTED"
	CodeSecurityDomainBlock     = "SECURITY_DOMAIN_BLOCK"
	CodeSecurityApprovalNeeded  = "SECURITY_APPROVAL_REQUIRED"
	CodeSecurityJSBlocked       = "SECURITY_JS_BLOCKED"
	CodeQuotaSessionLimit       = "QUOTA_SESSION_LIMIT"
	CodeQuotaActionRate         = "QUOTA_ACTION_RATE"
	CodeQuotaArtifactBytes      = "QUOTA_ARTIFACT_BYTES"
	CodeCircuitOpen             = "CIRCUIT_OPEN"
	CodeSessionLeaseNotAcquired = "SESSION_LEASE_NOT_ACQUIRED"
	CodeGlobalSessionLimit      = "GLOBAL_SESSION_LIMIT"
	CodeBudgetExceeded          = "BUDGET_EXCEEDED"
	CodeShardNodeExecutionError = "SHARD_NODE_EXECUTION_ERROR"
)

// RetryPolicy bounds the attempt loop. Backoff is exponential with cap.
type RetryPolicy struct {
	MaxAttempts           int      `json:"max_attempts"`
	InitialBackoffMS      int      `json:"initial_backoff_ms"`
	MaxBackoffMS          int      `json:"max_backoff_ms"`
	Multiplier            float64  `json:"multiplier"`
	RetryableFailureCodes []string `json:"retryable_failure_codes"`
}

// DefaultRetryPolicy matches the engine defaults: two attempts, 250ms
// initial backoff doubling to a 2s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      2,
		InitialBackoffMS: 250,
		MaxBackoffMS:     2000,
		Multiplier:       2.0,
		RetryableFailureCodes: []string{
			CodeActionExecutionFailed,
			CodeWaitTimeout,
			CodeTargetBindFailed,
		},
	}
}

// Retryable reports whether code is listed as retryable.
func (p RetryPolicy) Retryable(code string) bool {
	for _, c := range p.RetryableFailureCodes {
		if c == code {
			return true
		}
	}
	return false
}

// NextBackoff applies the exponential step with cap.
func (p RetryPolicy) NextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.Multiplier)
	limit := time.Duration(p.MaxBackoffMS) * time.Millisecond
	if next > limit {
		return limit
	}
	return next
}

// TimeoutPolicy bounds each phase of a single action.
type TimeoutPolicy struct {
	TotalTimeoutMS   int `json:"total_timeout_ms"`
	BindTimeoutMS    int `json:"bind_timeout_ms"`
	ExecuteTimeoutMS int `json:"execute_timeout_ms"`
	WaitTimeoutMS    int `json:"wait_timeout_ms"`
	VerifyTimeoutMS  int `json:"verify_timeout_ms"`
}

func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		TotalTimeoutMS:   30000,
		BindTimeoutMS:    5000,
		ExecuteTimeoutMS: 10000,
		WaitTimeoutMS:    10000,
		VerifyTimeoutMS:  5000,
	}
}

// EscalationPolicy selects the escalation mode per terminal outcome class.
type EscalationPolicy struct {
	OnExhaustedRetries EscalationMode `json:"on_exhausted_retries"`
	OnNonRetryable     EscalationMode `json:"on_non_retryable"`
}

func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		OnExhaustedRetries: EscalateFailWorkflow,
		OnNonRetryable:     EscalateHumanReview,
	}
}

// ActionSpec is the action-type-specific payload of a contract.
type ActionSpec struct {
	ActionType         ActionType  `json:"action_type"`
	TargetEID          string      `json:"target_eid"`
	TargetFID          string      `json:"target_fid"`
	Selector           string      `json:"selector"`
	SelectorCandidates []string    `json:"selector_candidates"`
	Text               string      `json:"text"`
	URL                string      `json:"url"`
	SelectValue        string      `json:"select_value"`
	UploadArtifactID   string      `json:"upload_artifact_id"`
	JSExpression       string      `json:"js_expression"`
	JSArgument         interface{} `json:"js_argument"`
}

// VerificationRule is a tagged predicate with a variant-specific payload.
type VerificationRule struct {
	RuleType RuleType               `json:"rule_type"`
	Severity string                 `json:"severity"`
	Payload  map[string]interface{} `json:"payload"`
}

// WaitCondition describes one event-driven wait. TimeoutMS of zero means
// the contract's wait timeout applies.
type WaitCondition struct {
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	TimeoutMS int                    `json:"timeout_ms"`
}

// Wait condition kinds.
const (
	WaitSelector = "selector"
	WaitResponse = "response"
	WaitFunction = "function"
	WaitURL      = "url"
)

// ActionContract is the immutable unit of work. Its identity derives only
// from its canonical content.
type ActionContract struct {
	WorkflowID            string                 `json:"workflow_id"`
	RunID                 string                 `json:"run_id"`
	StepIndex             int                    `json:"step_index"`
	Intent                string                 `json:"intent"`
	Preconditions         []VerificationRule     `json:"preconditions"`
	ActionSpec            ActionSpec             `json:"action_spec"`
	ExpectedPostconds     []VerificationRule     `json:"expected_postconditions"`
	VerificationRules     []VerificationRule     `json:"verification_rules"`
	WaitConditions        []WaitCondition        `json:"wait_conditions"`
	Timeout               TimeoutPolicy          `json:"timeout"`
	Retry                 RetryPolicy            `json:"retry"`
	Escalation            EscalationPolicy       `json:"escalation"`
	Metadata              map[string]interface{} `json:"metadata"`
}

// CanonicalJSON returns the sorted-key, ASCII-escaped, whitespace-free
// serialization of the contract. Nil slices and maps normalize to empty
// so structurally equal contracts share one canonical form.
func (c ActionContract) CanonicalJSON() (string, error) {
	return canonicalize.CanonicalString(c.normalized())
}

// ActionID is "act_" plus the first 24 hex chars of the SHA-256 of the
// canonical JSON.
func (c ActionContract) ActionID() (string, error) {
	canonical, err := c.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("contracts: canonicalize failed: %w", err)
	}
	return "act_" + canonicalize.HashBytes([]byte(canonical))[:24], nil
}

func (c ActionContract) normalized() ActionContract {
	out := c
	if out.Preconditions == nil {
		out.Preconditions = []VerificationRule{}
	}
	if out.ExpectedPostconds == nil {
		out.ExpectedPostconds = []VerificationRule{}
	}
	if out.VerificationRules == nil {
		out.VerificationRules = []VerificationRule{}
	}
	if out.WaitConditions == nil {
		out.WaitConditions = []WaitCondition{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	if out.ActionSpec.SelectorCandidates == nil {
		out.ActionSpec.SelectorCandidates = []string{}
	}
	if out.Retry.RetryableFailureCodes == nil {
		out.Retry.RetryableFailureCodes = []string{}
	}
	out.Preconditions = normalizeRules(out.Preconditions)
	out.ExpectedPostconds = normalizeRules(out.ExpectedPostconds)
	out.VerificationRules = normalizeRules(out.VerificationRules)
	waits := make([]WaitCondition, len(out.WaitConditions))
	for i, w := range out.WaitConditions {
		if w.Payload == nil {
			w.Payload = map[string]interface{}{}
		}
		waits[i] = w
	}
	out.WaitConditions = waits
	return out
}

func normalizeRules(rules []VerificationRule) []VerificationRule {
	out := make([]VerificationRule, len(rules))
	for i, r := range rules {
		if r.Payload == nil {
			r.Payload = map[string]interface{}{}
		}
		if r.Severity == "" {
			r.Severity = SeverityHard
		}
		out[i] = r
	}
	return out
}

// HasPostGuard reports whether the contract carries any wait condition,
// verification rule, or expected postcondition. Every action except
// wait_only must carry at least one.
func (c ActionContract) HasPostGuard() bool {
	return len(c.WaitConditions) > 0 ||
		len(c.VerificationRules) > 0 ||
		len(c.ExpectedPostconds) > 0
}
