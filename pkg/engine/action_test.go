package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/artifacts"
	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/navigate"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/state"
	"github.com/mindsync-ai/predator/pkg/verify"
	"github.com/mindsync-ai/predator/pkg/waits"
)

type actionFixture struct {
	page    *drivertest.Page
	engine  *ActionEngine
	runtime *observer.RuntimeTelemetryBuffer
}

func newActionFixture(t *testing.T) *actionFixture {
	t.Helper()
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })

	bctx, err := browser.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	sim := page.(*drivertest.Page)
	require.NoError(t, sim.Goto(context.Background(), "https://app.example.com/checkout"))

	network := observer.NewNetworkObserver()
	network.Attach(sim)
	runtime := observer.NewRuntimeTelemetryBuffer()
	runtime.Attach(sim)

	artifactManager, err := artifacts.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	extractor := state.NewExtractor(sim, network, state.DefaultBounds(), nil)
	engine := NewActionEngine(
		sim,
		navigate.NewNavigator(sim),
		waits.NewManager(sim, waits.ChaosPolicy{}),
		verify.NewEngine(sim, network),
		extractor,
		state.NewDeltaTracker(0),
		artifactManager,
		runtime,
	)
	return &actionFixture{page: sim, engine: engine, runtime: runtime}
}

func fastRetry(attempts int) contracts.RetryPolicy {
	return contracts.RetryPolicy{
		MaxAttempts:      attempts,
		InitialBackoffMS: 1,
		MaxBackoffMS:     2,
		Multiplier:       2.0,
		RetryableFailureCodes: []string{
			contracts.CodeActionExecutionFailed,
			contracts.CodeWaitTimeout,
			contracts.CodeTargetBindFailed,
			contracts.CodePostconditionFailed,
		},
	}
}

func textStateRule(selector, expected string) contracts.VerificationRule {
	return contracts.VerificationRule{
		RuleType: contracts.RuleTextState,
		Severity: "error",
		Payload:  map[string]interface{}{"selector": selector, "expected": expected},
	}
}

func TestExecuteRejectsUnguardedAction(t *testing.T) {
	f := newActionFixture(t)
	contract := contracts.ActionContract{
		WorkflowID: "wf-guard",
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionClick, Selector: "#submit"},
		Retry:      fastRetry(1),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-guard")
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodeMissingPostActionGuard, result.FailureCode)
}

func TestExecuteStopsOnPreconditionFailure(t *testing.T) {
	f := newActionFixture(t)
	contract := contracts.ActionContract{
		WorkflowID: "wf-pre",
		Preconditions: []contracts.VerificationRule{{
			RuleType: contracts.RuleURLPattern,
			Severity: "error",
			Payload:  map[string]interface{}{"pattern": `/admin/`},
		}},
		ActionSpec:        contracts.ActionSpec{ActionType: contracts.ActionClick, Selector: "#submit"},
		ExpectedPostconds: []contracts.VerificationRule{textStateRule("#status", "done")},
		Retry:             fastRetry(1),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-pre")
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodePreconditionFailed, result.FailureCode)
	assert.NotEmpty(t, result.PreStateID)
	assert.Contains(t, result.Metadata, "precondition_failures")
}

func TestClickSuccessCarriesEvidence(t *testing.T) {
	f := newActionFixture(t)
	f.page.SetDOM([]*drivertest.Element{
		{Selector: "#submit", Role: "button", Name: "Submit order", Visible: true, Enabled: true,
			OnClick: func(p *drivertest.Page) {
				p.EmitConsole("log", "order submitted")
				p.AddElement(&drivertest.Element{
					Selector: "#status", Role: "status", Name: "Status",
					Visible: true, Enabled: true, Text: "Order placed",
				})
			}},
	})

	contract := contracts.ActionContract{
		WorkflowID:        "wf-click",
		Intent:            "submit the order",
		ActionSpec:        contracts.ActionSpec{ActionType: contracts.ActionClick, Selector: "#submit"},
		ExpectedPostconds: []contracts.VerificationRule{textStateRule("#status", "Order placed")},
		Retry:             fastRetry(2),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-click")
	require.True(t, result.Success, "failure_code=%s metadata=%v", result.FailureCode, result.Metadata)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, result.VerificationPassed)
	assert.NotEmpty(t, result.PreStateID)
	assert.NotEmpty(t, result.PostStateID)
	assert.NotEqual(t, result.PreStateID, result.PostStateID)
	assert.Contains(t, result.StateDelta, "element_ops")
	assert.Contains(t, result.NetworkSummary, "total_requests")

	guard, ok := result.Metadata["guard_summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, guard["verification_rules"])

	events, ok := result.Metadata["runtime_events"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, events)

	assert.Contains(t, result.Telemetry, "elapsed_ms")
	assert.Contains(t, result.Telemetry, "timeline")
}

func TestBindFailureExhaustsRetries(t *testing.T) {
	f := newActionFixture(t)
	contract := contracts.ActionContract{
		WorkflowID:        "wf-bind",
		ActionSpec:        contracts.ActionSpec{ActionType: contracts.ActionClick, TargetEID: "eid-missing"},
		ExpectedPostconds: []contracts.VerificationRule{textStateRule("#status", "done")},
		Retry:             fastRetry(2),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-bind")
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodeTargetBindFailed, result.FailureCode)
	assert.Equal(t, 2, result.Attempts)
	assert.Contains(t, result.Metadata, "exception")
}

func TestWaitTimeoutIsClassified(t *testing.T) {
	f := newActionFixture(t)
	f.page.SetDOM([]*drivertest.Element{
		{Selector: "#submit", Role: "button", Name: "Submit", Visible: true, Enabled: true},
	})

	contract := contracts.ActionContract{
		WorkflowID: "wf-wait",
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionClick, Selector: "#submit"},
		WaitConditions: []contracts.WaitCondition{{
			Kind:      contracts.WaitSelector,
			Payload:   map[string]interface{}{"selector": "#never-appears"},
			TimeoutMS: 50,
		}},
		Retry: fastRetry(1),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-wait")
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodeWaitTimeout, result.FailureCode)
	assert.Equal(t, 1, result.Attempts)
}

func TestPostconditionFailureReportsRuleFailures(t *testing.T) {
	f := newActionFixture(t)
	f.page.SetDOM([]*drivertest.Element{
		{Selector: "#submit", Role: "button", Name: "Submit", Visible: true, Enabled: true,
			OnClick: func(p *drivertest.Page) {
				p.AddElement(&drivertest.Element{
					Selector: "#status", Role: "status", Name: "Status",
					Visible: true, Enabled: true, Text: "Payment declined",
				})
			}},
	})

	contract := contracts.ActionContract{
		WorkflowID:        "wf-post",
		ActionSpec:        contracts.ActionSpec{ActionType: contracts.ActionClick, Selector: "#submit"},
		ExpectedPostconds: []contracts.VerificationRule{textStateRule("#status", "Order placed")},
		Retry:             fastRetry(1),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-post")
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodePostconditionFailed, result.FailureCode)
	assert.Contains(t, result.Metadata, "verification_failures")
}

func TestNavigateActionUpdatesPageURL(t *testing.T) {
	f := newActionFixture(t)
	contract := contracts.ActionContract{
		WorkflowID: "wf-nav",
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionNavigate, URL: "https://app.example.com/orders"},
		VerificationRules: []contracts.VerificationRule{{
			RuleType: contracts.RuleURLPattern,
			Severity: "error",
			Payload:  map[string]interface{}{"pattern": `/orders`},
		}},
		Retry: fastRetry(1),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-nav")
	require.True(t, result.Success, "failure_code=%s", result.FailureCode)
	assert.Equal(t, "https://app.example.com/orders", f.page.URL())
}

func TestWaitOnlyActionNeedsNoGuard(t *testing.T) {
	f := newActionFixture(t)
	contract := contracts.ActionContract{
		WorkflowID: "wf-idle",
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionWaitOnly},
		Retry:      fastRetry(1),
	}

	result := f.engine.Execute(context.Background(), contract, "wf-idle")
	assert.True(t, result.Success)
}
