package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mindsync-ai/predator/pkg/artifacts"
	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/navigate"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/state"
	"github.com/mindsync-ai/predator/pkg/telemetry"
	"github.com/mindsync-ai/predator/pkg/verify"
	"github.com/mindsync-ai/predator/pkg/waits"
)

// ActionEngine runs the single-action pipeline: pre-state, dispatch
// under armed waits, post-state, verification, and bounded retries.
type ActionEngine struct {
	page      driver.Page
	navigator *navigate.Navigator
	waits     *waits.Manager
	verifier  *verify.Engine
	extractor *state.Extractor
	delta     *state.DeltaTracker
	artifacts *artifacts.Manager
	runtime   *observer.RuntimeTelemetryBuffer
}

func NewActionEngine(
	page driver.Page,
	navigator *navigate.Navigator,
	waitManager *waits.Manager,
	verifier *verify.Engine,
	extractor *state.Extractor,
	deltaTracker *state.DeltaTracker,
	artifactManager *artifacts.Manager,
	runtime *observer.RuntimeTelemetryBuffer,
) *ActionEngine {
	return &ActionEngine{
		page:      page,
		navigator: navigator,
		waits:     waitManager,
		verifier:  verifier,
		extractor: extractor,
		delta:     deltaTracker,
		artifacts: artifactManager,
		runtime:   runtime,
	}
}

func executeTimeout(contract contracts.ActionContract) time.Duration {
	ms := contract.Timeout.ExecuteTimeoutMS
	if ms <= 0 {
		ms = contracts.DefaultTimeoutPolicy().ExecuteTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *ActionEngine) dispatch(ctx context.Context, contract contracts.ActionContract, snapshot *state.StructuredState, workflowID, actionID string) ([]artifacts.Record, error) {
	action := contract.ActionSpec
	execCtx, cancel := context.WithTimeout(ctx, executeTimeout(contract))
	defer cancel()

	switch action.ActionType {
	case contracts.ActionNavigate:
		if action.URL == "" {
			return nil, errors.New("engine: navigate requires url")
		}
		return nil, e.page.Goto(execCtx, action.URL)

	case contracts.ActionWaitOnly:
		return nil, nil

	case contracts.ActionCustomJSRestricted:
		if action.JSExpression == "" {
			return nil, errors.New("engine: custom_js_restricted requires js_expression")
		}
		_, err := e.page.Evaluate(execCtx, action.JSExpression, action.JSArgument)
		return nil, err
	}

	target, err := e.navigator.BindTarget(action, snapshot)
	if err != nil {
		return nil, err
	}
	locator := e.navigator.LocatorForTarget(target, snapshot)

	switch action.ActionType {
	case contracts.ActionClick:
		return nil, locator.Click(execCtx)

	case contracts.ActionTypeText:
		return nil, locator.Fill(execCtx, action.Text)

	case contracts.ActionSelect:
		return nil, locator.SelectOption(execCtx, action.SelectValue)

	case contracts.ActionUpload:
		record, ok := e.artifacts.GetRecord(action.UploadArtifactID)
		if !ok {
			return nil, fmt.Errorf("engine: unknown upload artifact: %s", action.UploadArtifactID)
		}
		if err := locator.SetInputFiles(execCtx, record.Path); err != nil {
			return nil, err
		}
		return []artifacts.Record{record}, nil

	case contracts.ActionDownloadTrigger:
		download, err := e.page.ExpectDownload(execCtx, func(triggerCtx context.Context) error {
			return locator.Click(triggerCtx)
		})
		if err != nil {
			return nil, err
		}
		record, err := e.artifacts.SaveDownload(execCtx, workflowID, actionID, download)
		if err != nil {
			return nil, err
		}
		return []artifacts.Record{record}, nil
	}

	return nil, fmt.Errorf("engine: unsupported action type: %s", action.ActionType)
}

func classifyDispatchError(err error) string {
	switch {
	case errors.Is(err, waits.ErrTimeout):
		return contracts.CodeWaitTimeout
	case errors.Is(err, navigate.ErrBindFailed):
		return contracts.CodeTargetBindFailed
	default:
		return contracts.CodeActionExecutionFailed
	}
}

func failureMaps(failures []verify.Failure) []interface{} {
	out := make([]interface{}, 0, len(failures))
	for _, failure := range failures {
		out = append(out, map[string]interface{}{
			"rule_type": failure.RuleType,
			"severity":  failure.Severity,
			"code":      failure.Code,
			"detail":    failure.Detail,
		})
	}
	return out
}

func artifactMaps(records []artifacts.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		out = append(out, map[string]interface{}{
			"artifact_id": record.ArtifactID,
			"workflow_id": record.WorkflowID,
			"action_id":   record.ActionID,
			"path":        record.Path,
			"mime":        record.Mime,
			"size":        record.Size,
			"sha256":      record.SHA256,
			"mirror_ref":  record.MirrorRef,
		})
	}
	return out
}

func runtimeEventMaps(events []observer.RuntimeEvent) []interface{} {
	out := make([]interface{}, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]interface{}{
			"seq":     event.Seq,
			"ts":      event.TS,
			"kind":    event.Kind,
			"message": event.Message,
		})
	}
	return out
}

// runAttempt performs one dispatch-and-verify pass. A nil result means
// the attempt failed with a retryable code and the loop should back off
// and try again.
func (e *ActionEngine) runAttempt(
	ctx context.Context,
	contract contracts.ActionContract,
	previous *state.StructuredState,
	workflowID, actionID string,
	attempt int,
	retry contracts.RetryPolicy,
	tel *telemetry.Telemetry,
) *contracts.ActionExecutionResult {
	actionSeq := e.extractor.NetworkSequence()
	runtimeSeq := 0
	if e.runtime != nil {
		runtimeSeq = e.runtime.Sequence()
	}

	terminal := func(code, detail string, postStateID string, extra map[string]interface{}) *contracts.ActionExecutionResult {
		result := contracts.FailureResult(actionID, code, detail)
		result.Attempts = attempt
		result.Escalation = contract.Escalation.OnExhaustedRetries
		result.PreStateID = previous.StateID
		result.PostStateID = postStateID
		result.Telemetry = tel.Snapshot()
		for key, value := range extra {
			result.Metadata[key] = value
		}
		return result
	}

	var records []artifacts.Record
	_, err := e.waits.ExecuteWithConditions(ctx, func(actionCtx context.Context) error {
		dispatched, dispatchErr := e.dispatch(actionCtx, contract, previous, workflowID, actionID)
		records = dispatched
		return dispatchErr
	}, contract.WaitConditions, waits.ModeAll)
	if err != nil {
		code := classifyDispatchError(err)
		tel.Event("attempt_error", map[string]interface{}{
			"attempt": attempt, "error": err.Error(), "failure_code": code,
		})
		if !retry.Retryable(code) || attempt >= retry.MaxAttempts {
			return terminal(code, "", previous.StateID, map[string]interface{}{"exception": err.Error()})
		}
		return nil
	}

	tel.Event("action_dispatched", map[string]interface{}{"attempt": attempt})
	tel.Event("wait_conditions_satisfied", map[string]interface{}{
		"attempt": attempt, "count": len(contract.WaitConditions),
	})

	downloads := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		downloads = append(downloads, map[string]interface{}{
			"artifact_id": record.ArtifactID,
			"path":        record.Path,
		})
	}
	post, err := e.extractor.Extract(ctx, previous.StateID, downloads)
	if err != nil {
		return terminal(contracts.CodeActionExecutionFailed, err.Error(), previous.StateID, nil)
	}
	tel.Event("post_state_extracted", map[string]interface{}{"state_id": post.StateID})

	combined := append(append([]contracts.VerificationRule{}, contract.ExpectedPostconds...), contract.VerificationRules...)
	report := e.verifier.Verify(ctx, combined, post)
	if !report.Passed {
		tel.Event("verification_failed", map[string]interface{}{"attempt": attempt})
		code := contracts.CodePostconditionFailed
		if !retry.Retryable(code) || attempt >= retry.MaxAttempts {
			return terminal(code, "", post.StateID, map[string]interface{}{
				"verification_failures": failureMaps(report.Failures),
			})
		}
		return nil
	}

	delta := e.delta.Diff(previous, post)
	summary := e.extractor.NetworkSummarySince(actionSeq)
	tel.Event("verification_passed", map[string]interface{}{"attempt": attempt})

	runtimeEvents := []interface{}{}
	if e.runtime != nil {
		runtimeEvents = runtimeEventMaps(e.runtime.EventsSince(runtimeSeq))
	}

	result := contracts.NewResult(actionID)
	result.Success = true
	result.Attempts = attempt
	result.VerificationPassed = true
	result.PreStateID = previous.StateID
	result.PostStateID = post.StateID
	result.StateDelta = delta.ToMap()
	result.NetworkSummary = summary.ToMap()
	result.Telemetry = tel.Snapshot()
	result.Artifacts = artifactMaps(records)
	result.Metadata = map[string]interface{}{
		"runtime_events": runtimeEvents,
		"guard_summary": map[string]interface{}{
			"wait_conditions":    len(contract.WaitConditions),
			"verification_rules": len(combined),
		},
	}
	return result
}

// Execute runs one contract to a terminal result. The result carries
// deterministic evidence: state ids, delta, network summary, telemetry.
func (e *ActionEngine) Execute(ctx context.Context, contract contracts.ActionContract, workflowID string) *contracts.ActionExecutionResult {
	actionID, err := contract.ActionID()
	if err != nil {
		return contracts.FailureResult("", contracts.CodeInvalidContract, err.Error())
	}

	tel := telemetry.New()
	tel.Event("action_start", map[string]interface{}{"action_id": actionID, "intent": contract.Intent})

	if contract.ActionSpec.ActionType != contracts.ActionWaitOnly && !contract.HasPostGuard() {
		result := contracts.FailureResult(actionID, contracts.CodeMissingPostActionGuard,
			"non-wait action requires wait_conditions or verification rules")
		result.Telemetry = tel.Snapshot()
		return result
	}

	previous, err := e.extractor.Extract(ctx, "", nil)
	if err != nil {
		result := contracts.FailureResult(actionID, contracts.CodeActionExecutionFailed, err.Error())
		result.Telemetry = tel.Snapshot()
		return result
	}
	tel.Event("pre_state_extracted", map[string]interface{}{"state_id": previous.StateID})

	preReport := e.verifier.Verify(ctx, contract.Preconditions, previous)
	if !preReport.Passed {
		tel.Event("preconditions_failed", map[string]interface{}{"count": len(preReport.Failures)})
		result := contracts.FailureResult(actionID, contracts.CodePreconditionFailed, "")
		result.PreStateID = previous.StateID
		result.PostStateID = previous.StateID
		result.Telemetry = tel.Snapshot()
		result.Metadata["precondition_failures"] = failureMaps(preReport.Failures)
		return result
	}

	retry := contract.Retry
	if retry.MaxAttempts <= 0 {
		retry = contracts.DefaultRetryPolicy()
	}
	backoff := time.Duration(retry.InitialBackoffMS) * time.Millisecond
	attempts := 0

	for attempts < retry.MaxAttempts {
		attempts++
		tel.Event("attempt_start", map[string]interface{}{"attempt": attempts})

		if result := e.runAttempt(ctx, contract, previous, workflowID, actionID, attempts, retry, tel); result != nil {
			return result
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			result := contracts.FailureResult(actionID, contracts.CodeActionExecutionFailed, ctx.Err().Error())
			result.Attempts = attempts
			result.Telemetry = tel.Snapshot()
			return result
		}
		backoff = retry.NextBackoff(backoff)
	}

	result := contracts.FailureResult(actionID, contracts.CodeRetryExhausted, "")
	result.Attempts = attempts
	result.Escalation = contract.Escalation.OnExhaustedRetries
	result.PreStateID = previous.StateID
	result.PostStateID = previous.StateID
	result.Telemetry = tel.Snapshot()
	return result
}
