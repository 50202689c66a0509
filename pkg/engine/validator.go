package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mindsync-ai/predator/pkg/contracts"
)

// ValidationDecision is the outcome of static contract validation.
type ValidationDecision struct {
	Allowed bool
	Code    string
	Detail  string
}

// Validator rejects malformed contracts before any browser work runs.
type Validator struct {
	maxSelectorLength     int
	maxSelectorCandidates int
	maxTextLength         int
	maxJSExpressionLength int
	broadSelectors        map[string]struct{}
}

func NewValidator() *Validator {
	return &Validator{
		maxSelectorLength:     256,
		maxSelectorCandidates: 8,
		maxTextLength:         4096,
		maxJSExpressionLength: 512,
		broadSelectors: map[string]struct{}{
			"*":        {},
			"body *":   {},
			"html *":   {},
			"body>*":   {},
			"html>*":   {},
			"body > *": {},
			"html > *": {},
		},
	}
}

func invalid(code, detail string) ValidationDecision {
	return ValidationDecision{Code: code, Detail: detail}
}

func (v *Validator) validateSelector(selector string) *ValidationDecision {
	normalized := strings.ToLower(strings.Join(strings.Fields(selector), " "))
	if normalized == "" {
		d := invalid(contracts.CodeInvalidActionSpec, "empty selector")
		return &d
	}
	if len(selector) > v.maxSelectorLength {
		d := invalid(contracts.CodeInvalidActionSpec, "selector exceeds max length")
		return &d
	}
	if _, broad := v.broadSelectors[normalized]; broad {
		d := invalid(contracts.CodeInvalidActionSpec, "selector too broad")
		return &d
	}
	return nil
}

func (v *Validator) validateURL(rawURL string) *ValidationDecision {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		d := invalid(contracts.CodeInvalidActionSpec, "url must use http/https")
		return &d
	}
	if parsed.Host == "" {
		d := invalid(contracts.CodeInvalidActionSpec, "url missing host")
		return &d
	}
	return nil
}

var waitKinds = map[string]struct{}{
	contracts.WaitSelector: {},
	contracts.WaitResponse: {},
	contracts.WaitFunction: {},
	contracts.WaitURL:      {},
}

// Validate checks structural limits, url shape, and wait-condition
// sanity. It never touches the page.
func (v *Validator) Validate(contract contracts.ActionContract) ValidationDecision {
	if contract.StepIndex < 0 {
		return invalid(contracts.CodeInvalidContract, "step_index must be >= 0")
	}
	if raw, ok := contract.Metadata["high_risk_approved"]; ok {
		if _, isBool := raw.(bool); !isBool {
			return invalid(contracts.CodeInvalidContract, "high_risk_approved must be boolean")
		}
	}

	action := contract.ActionSpec
	if action.Selector != "" {
		if d := v.validateSelector(action.Selector); d != nil {
			return *d
		}
	}
	if len(action.SelectorCandidates) > v.maxSelectorCandidates {
		return invalid(contracts.CodeInvalidActionSpec, "too many selector_candidates")
	}
	for _, selector := range action.SelectorCandidates {
		if d := v.validateSelector(selector); d != nil {
			return *d
		}
	}
	if action.Text != "" && len(action.Text) > v.maxTextLength {
		return invalid(contracts.CodeInvalidActionSpec, "text exceeds max length")
	}
	if action.URL != "" {
		if d := v.validateURL(action.URL); d != nil {
			return *d
		}
	}
	if action.ActionType == contracts.ActionNavigate && action.URL == "" {
		return invalid(contracts.CodeInvalidActionSpec, "navigate action requires url")
	}
	if action.ActionType == contracts.ActionUpload && action.UploadArtifactID == "" {
		return invalid(contracts.CodeInvalidActionSpec, "upload action requires upload_artifact_id")
	}
	if action.JSExpression != "" && len(action.JSExpression) > v.maxJSExpressionLength {
		return invalid(contracts.CodeInvalidActionSpec, "js_expression exceeds max length")
	}

	for _, wait := range contract.WaitConditions {
		if _, ok := waitKinds[wait.Kind]; !ok {
			return invalid(contracts.CodeInvalidWaitCondition, fmt.Sprintf("unsupported wait kind=%s", wait.Kind))
		}
		if wait.TimeoutMS < 0 {
			return invalid(contracts.CodeInvalidWaitCondition, "wait timeout must be >= 0")
		}
	}

	return ValidationDecision{Allowed: true, Code: "OK"}
}
