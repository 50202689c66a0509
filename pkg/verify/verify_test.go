package verify_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/state"
	"github.com/mindsync-ai/predator/pkg/verify"
)

type fixture struct {
	page     *drivertest.Page
	network  *observer.NetworkObserver
	engine   *verify.Engine
	snapshot *state.StructuredState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })

	bctx, err := browser.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)

	sim := page.(*drivertest.Page)
	require.NoError(t, sim.Goto(context.Background(), "https://app.example.com/orders/confirm"))
	sim.SetDOM([]*drivertest.Element{
		{Selector: "#status", Role: "status", Name: "Order status", Visible: true, Enabled: true,
			Text: "Order placed successfully", Attrs: map[string]string{"data-state": "done"}},
	})

	network := observer.NewNetworkObserver()
	network.Attach(sim)

	extractor := state.NewExtractor(sim, network, state.DefaultBounds(), nil)
	snapshot, err := extractor.Extract(context.Background(), "", nil)
	require.NoError(t, err)

	return &fixture{
		page:     sim,
		network:  network,
		engine:   verify.NewEngine(sim, network),
		snapshot: snapshot,
	}
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	extractor := state.NewExtractor(f.page, f.network, state.DefaultBounds(), nil)
	snapshot, err := extractor.Extract(context.Background(), f.snapshot.StateID, nil)
	require.NoError(t, err)
	f.snapshot = snapshot
}

func hardRule(ruleType contracts.RuleType, payload map[string]interface{}) contracts.VerificationRule {
	return contracts.VerificationRule{RuleType: ruleType, Severity: contracts.SeverityHard, Payload: payload}
}

func TestElementPresentRule(t *testing.T) {
	f := newFixture(t)
	eid := f.snapshot.InteractiveElements[0].EID

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleElementPresent, map[string]interface{}{"eid": eid}),
	}, f.snapshot)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Failures)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleElementPresent, map[string]interface{}{"eid": "e_missing"}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, verify.CodeElementNotPresent, report.Failures[0].Code)
}

func TestTextStateRuleModes(t *testing.T) {
	f := newFixture(t)

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleTextState, map[string]interface{}{
			"selector": "#status", "expected": "placed", "mode": "contains",
		}),
	}, f.snapshot)
	assert.True(t, report.Passed)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleTextState, map[string]interface{}{
			"selector": "#status", "expected": "placed", "mode": "exact",
		}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	assert.Equal(t, verify.CodeTextStateMismatch, report.Failures[0].Code)
}

func TestAttributeStateRule(t *testing.T) {
	f := newFixture(t)

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleAttributeState, map[string]interface{}{
			"selector": "#status", "attribute": "data-state", "expected": "done",
		}),
	}, f.snapshot)
	assert.True(t, report.Passed)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleAttributeState, map[string]interface{}{
			"selector": "#status", "attribute": "data-state", "expected": "pending",
		}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	assert.Equal(t, verify.CodeAttributeStateMismatch, report.Failures[0].Code)
}

func TestNetworkStatusRule(t *testing.T) {
	f := newFixture(t)
	sinceSeq := f.network.Sequence()

	f.page.EmitResponse("https://app.example.com/api/orders", 201, "application/json",
		drivertest.JSONBody(map[string]interface{}{"success": true}))

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleNetworkStatus, map[string]interface{}{
			"url_pattern": `/api/orders`,
			"status_min":  float64(200),
			"status_max":  float64(299),
			"since_seq":   float64(sinceSeq),
		}),
	}, f.snapshot)
	assert.True(t, report.Passed)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleNetworkStatus, map[string]interface{}{
			"url_pattern": `/api/payments`,
			"since_seq":   float64(sinceSeq),
		}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	assert.Equal(t, verify.CodeNetworkStatusMismatch, report.Failures[0].Code)
}

func TestJSONFieldRuleDetectsSilentFailure(t *testing.T) {
	f := newFixture(t)
	sinceSeq := f.network.Sequence()

	f.page.EmitResponse("https://app.example.com/api/orders", 200, "application/json",
		drivertest.JSONBody(map[string]interface{}{"success": false}))

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleJSONField, map[string]interface{}{
			"route_key": "app.example.com/api/orders",
			"since_seq": float64(sinceSeq),
		}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, verify.CodeJSONFieldFailureSignal, report.Failures[0].Code)
	assert.Contains(t, report.Failures[0].Detail, "json_success_false")
}

func TestFileExistsRule(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "export.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,total\n1,9.99\n"), 0o644))

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleFileExists, map[string]interface{}{"path": path}),
	}, f.snapshot)
	assert.True(t, report.Passed)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleFileExists, map[string]interface{}{"path": path, "min_size": float64(1 << 20)}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	assert.Equal(t, verify.CodeFileTooSmall, report.Failures[0].Code)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleFileExists, map[string]interface{}{"path": filepath.Join(dir, "missing.csv")}),
	}, f.snapshot)
	assert.Equal(t, verify.CodeFileNotFound, report.Failures[0].Code)
}

func TestURLPatternRule(t *testing.T) {
	f := newFixture(t)

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleURLPattern, map[string]interface{}{"pattern": `/orders/confirm$`}),
	}, f.snapshot)
	assert.True(t, report.Passed)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleURLPattern, map[string]interface{}{"pattern": `/checkout`}),
	}, f.snapshot)
	assert.Equal(t, verify.CodeURLPatternMismatch, report.Failures[0].Code)
}

func TestNamedInvariantNoVisibleErrors(t *testing.T) {
	f := newFixture(t)

	rule := hardRule(contracts.RuleInvariant, map[string]interface{}{"name": "no_visible_errors"})
	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{rule}, f.snapshot)
	assert.True(t, report.Passed)

	f.page.SetVisibleErrors([]drivertest.VisibleError{{Text: "Payment declined", Kind: "banner"}})
	f.refresh(t)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{rule}, f.snapshot)
	assert.False(t, report.Passed)
	assert.Equal(t, verify.CodeInvariantViolation, report.Failures[0].Code)
	assert.Equal(t, "visible_errors_present", report.Failures[0].Detail)
}

func TestExpressionInvariant(t *testing.T) {
	f := newFixture(t)

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleInvariant, map[string]interface{}{
			"expression": `state.page_phase == "complete" && size(state.visible_errors) == 0`,
		}),
	}, f.snapshot)
	assert.True(t, report.Passed)

	report = f.engine.Verify(context.Background(), []contracts.VerificationRule{
		hardRule(contracts.RuleInvariant, map[string]interface{}{
			"expression": `size(state.interactive_elements) > 10`,
		}),
	}, f.snapshot)
	assert.False(t, report.Passed)
	assert.Equal(t, verify.CodeInvariantViolation, report.Failures[0].Code)
}

func TestSoftFailuresDoNotFailReport(t *testing.T) {
	f := newFixture(t)

	report := f.engine.Verify(context.Background(), []contracts.VerificationRule{
		{
			RuleType: contracts.RuleElementPresent,
			Severity: contracts.SeveritySoft,
			Payload:  map[string]interface{}{"eid": "e_missing"},
		},
	}, f.snapshot)

	assert.True(t, report.Passed)
	require.Len(t, report.Failures, 1)
	assert.Empty(t, report.HardFailures())
}
