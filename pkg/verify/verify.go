// Package verify evaluates verification rules against the page, the
// extracted state, and the observed network stream. Soft failures are
// reported but only hard failures fail the report.
package verify

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/state"
)

// Rule-level failure codes.
const (
	CodeElementNotPresent      = "ELEMENT_NOT_PRESENT"
	CodeTextStateMismatch      = "TEXT_STATE_MISMATCH"
	CodeAttributeStateMismatch = "ATTRIBUTE_STATE_MISMATCH"
	CodeNetworkStatusMismatch  = "NETWORK_STATUS_MISMATCH"
	CodeJSONFieldFailureSignal = "JSON_FIELD_FAILURE_SIGNAL"
	CodeFileNotFound           = "FILE_NOT_FOUND"
	CodeFileTooSmall           = "FILE_TOO_SMALL"
	CodeURLPatternMismatch     = "URL_PATTERN_MISMATCH"
	CodeInvariantViolation     = "INVARIANT_VIOLATION"
	CodeUnknownRuleType        = "UNKNOWN_RULE_TYPE"
)

// Failure is one rule that did not hold.
type Failure struct {
	RuleType string `json:"rule_type"`
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

// Report is the outcome of one verification pass.
type Report struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures"`
}

// HardFailures returns the failures with hard severity.
func (r Report) HardFailures() []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.Severity == contracts.SeverityHard {
			out = append(out, f)
		}
	}
	return out
}

// ToMap projects the report for result payloads.
func (r Report) ToMap() map[string]interface{} {
	failures := make([]interface{}, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, map[string]interface{}{
			"rule_type": f.RuleType,
			"severity":  f.Severity,
			"code":      f.Code,
			"detail":    f.Detail,
		})
	}
	return map[string]interface{}{"passed": r.Passed, "failures": failures}
}

// Engine checks rules for one page.
type Engine struct {
	page    driver.Page
	network *observer.NetworkObserver

	mu       sync.Mutex
	programs map[string]cel.Program
	celEnv   *cel.Env
}

func NewEngine(page driver.Page, network *observer.NetworkObserver) *Engine {
	return &Engine{page: page, network: network, programs: map[string]cel.Program{}}
}

// Verify evaluates every rule and aggregates failures. Passed is false
// only when at least one hard rule failed.
func (e *Engine) Verify(ctx context.Context, rules []contracts.VerificationRule, snapshot *state.StructuredState) Report {
	var failures []Failure
	for _, rule := range rules {
		var failure *Failure
		switch rule.RuleType {
		case contracts.RuleElementPresent:
			failure = e.assertElementPresent(rule, snapshot)
		case contracts.RuleTextState:
			failure = e.assertTextState(ctx, rule)
		case contracts.RuleAttributeState:
			failure = e.assertAttributeState(ctx, rule)
		case contracts.RuleNetworkStatus:
			failure = e.assertNetworkStatus(rule)
		case contracts.RuleJSONField:
			failure = e.assertJSONField(rule)
		case contracts.RuleFileExists:
			failure = e.assertFileExists(rule)
		case contracts.RuleURLPattern:
			failure = e.assertURLPattern(rule)
		case contracts.RuleInvariant:
			failure = e.assertInvariant(rule, snapshot)
		default:
			failure = fail(rule, CodeUnknownRuleType, string(rule.RuleType))
		}
		if failure != nil {
			failures = append(failures, *failure)
		}
	}
	return Report{Passed: len(hardOnly(failures)) == 0, Failures: failures}
}

func hardOnly(failures []Failure) []Failure {
	var out []Failure
	for _, f := range failures {
		if f.Severity == contracts.SeverityHard {
			out = append(out, f)
		}
	}
	return out
}

func fail(rule contracts.VerificationRule, code, detail string) *Failure {
	return &Failure{
		RuleType: string(rule.RuleType),
		Severity: rule.Severity,
		Code:     code,
		Detail:   detail,
	}
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]interface{}, key string, fallback int) int {
	switch t := p[key].(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return fallback
	}
}

func payloadBool(p map[string]interface{}, key string, fallback bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return fallback
}

func (e *Engine) assertElementPresent(rule contracts.VerificationRule, snapshot *state.StructuredState) *Failure {
	eid := payloadString(rule.Payload, "eid")
	if snapshot != nil && snapshot.FindElement(eid) != nil {
		return nil
	}
	return fail(rule, CodeElementNotPresent, fmt.Sprintf("element %q not found", eid))
}

func (e *Engine) assertTextState(ctx context.Context, rule contracts.VerificationRule) *Failure {
	selector := payloadString(rule.Payload, "selector")
	expected := payloadString(rule.Payload, "expected")
	mode := payloadString(rule.Payload, "mode")
	if mode == "" {
		mode = "contains"
	}

	text, err := e.page.Locator(selector).TextContent(ctx)
	if err != nil {
		return fail(rule, CodeTextStateMismatch, fmt.Sprintf("selector=%s, read failed: %v", selector, err))
	}
	text = strings.TrimSpace(text)

	matched := text == expected
	if mode == "contains" {
		matched = strings.Contains(text, expected)
	}
	if matched {
		return nil
	}
	return fail(rule, CodeTextStateMismatch, fmt.Sprintf("selector=%s, expected=%s, actual=%s", selector, expected, text))
}

func (e *Engine) assertAttributeState(ctx context.Context, rule contracts.VerificationRule) *Failure {
	selector := payloadString(rule.Payload, "selector")
	attr := payloadString(rule.Payload, "attribute")
	expected := fmt.Sprintf("%v", rule.Payload["expected"])

	actual, err := e.page.Locator(selector).GetAttribute(ctx, attr)
	if err != nil {
		return fail(rule, CodeAttributeStateMismatch, fmt.Sprintf("selector=%s, attr=%s, read failed: %v", selector, attr, err))
	}
	if actual == expected {
		return nil
	}
	return fail(rule, CodeAttributeStateMismatch, fmt.Sprintf("selector=%s, attr=%s, expected=%s, actual=%s", selector, attr, expected, actual))
}

func (e *Engine) assertNetworkStatus(rule contracts.VerificationRule) *Failure {
	statusMin := payloadInt(rule.Payload, "status_min", 200)
	statusMax := payloadInt(rule.Payload, "status_max", 299)
	sinceSeq := payloadInt(rule.Payload, "since_seq", 0)
	pattern := payloadString(rule.Payload, "url_pattern")

	var regex *regexp.Regexp
	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return fail(rule, CodeNetworkStatusMismatch, fmt.Sprintf("bad url_pattern %q: %v", pattern, err))
		}
		regex = compiled
	}

	for _, event := range e.network.EventsSince(sinceSeq) {
		if event.Kind != "response" {
			continue
		}
		if regex != nil && !regex.MatchString(event.URL) {
			continue
		}
		if event.Status >= statusMin && event.Status <= statusMax {
			return nil
		}
	}
	return fail(rule, CodeNetworkStatusMismatch,
		fmt.Sprintf("no response with status between %d and %d", statusMin, statusMax))
}

func (e *Engine) assertJSONField(rule contracts.VerificationRule) *Failure {
	routeKey := payloadString(rule.Payload, "route_key")
	if !payloadBool(rule.Payload, "require_no_silent_failure", true) {
		return nil
	}
	sinceSeq := payloadInt(rule.Payload, "since_seq", 0)

	for _, event := range e.network.EventsSince(sinceSeq) {
		if event.Kind == "response" && event.RouteKey == routeKey && event.SilentFailure {
			return fail(rule, CodeJSONFieldFailureSignal,
				fmt.Sprintf("silent failure signal %s for route_key=%s", event.ErrorSignature, routeKey))
		}
	}
	return nil
}

func (e *Engine) assertFileExists(rule contracts.VerificationRule) *Failure {
	path := payloadString(rule.Payload, "path")
	minSize := payloadInt(rule.Payload, "min_size", 1)

	info, err := os.Stat(path)
	if err != nil {
		return fail(rule, CodeFileNotFound, path)
	}
	if info.Size() < int64(minSize) {
		return fail(rule, CodeFileTooSmall, fmt.Sprintf("size=%d, min_size=%d", info.Size(), minSize))
	}
	return nil
}

func (e *Engine) assertURLPattern(rule contracts.VerificationRule) *Failure {
	pattern := payloadString(rule.Payload, "pattern")
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return fail(rule, CodeURLPatternMismatch, fmt.Sprintf("bad pattern %q: %v", pattern, err))
	}
	if regex.MatchString(e.page.URL()) {
		return nil
	}
	return fail(rule, CodeURLPatternMismatch, fmt.Sprintf("pattern=%s, url=%s", pattern, e.page.URL()))
}

// assertInvariant supports the named no_visible_errors invariant and
// arbitrary CEL expressions over the state model bound as `state`.
func (e *Engine) assertInvariant(rule contracts.VerificationRule, snapshot *state.StructuredState) *Failure {
	if name := payloadString(rule.Payload, "name"); name == "no_visible_errors" {
		if snapshot != nil && len(snapshot.VisibleErrors) > 0 {
			return fail(rule, CodeInvariantViolation, "visible_errors_present")
		}
		return nil
	}

	expression := payloadString(rule.Payload, "expression")
	if expression == "" {
		return nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return fail(rule, CodeInvariantViolation, fmt.Sprintf("bad expression: %v", err))
	}

	var model map[string]interface{}
	if snapshot != nil {
		model = snapshot.ToModelMap()
	} else {
		model = map[string]interface{}{}
	}
	out, _, err := program.Eval(map[string]interface{}{"state": model})
	if err != nil {
		return fail(rule, CodeInvariantViolation, fmt.Sprintf("eval failed: %v", err))
	}
	if held, ok := out.Value().(bool); ok && held {
		return nil
	}
	return fail(rule, CodeInvariantViolation, fmt.Sprintf("expression=%s", expression))
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.programs[expression]; ok {
		return program, nil
	}
	if e.celEnv == nil {
		env, err := cel.NewEnv(cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)))
		if err != nil {
			return nil, err
		}
		e.celEnv = env
	}
	ast, issues := e.celEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, err
	}
	e.programs[expression] = program
	return e.programs[expression], nil
}
