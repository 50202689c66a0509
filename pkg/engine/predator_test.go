package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/quota"
	"github.com/mindsync-ai/predator/pkg/security"
	"github.com/mindsync-ai/predator/pkg/telemetry"
)

func testEngineOptions(dataDir string) Options {
	config := DefaultSessionConfig()
	config.MaxTotalSessions = 8
	config.PrewarmedContexts = 0
	return Options{
		DataDir:         dataDir,
		AuditSigningKey: "test-signing-key",
		SessionConfig:   config,
		Sink:            telemetry.NullSink{},
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *drivertest.Browser) {
	t.Helper()
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })
	engine, err := New(browser, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine, browser
}

func allowExamplePolicy() security.Policy {
	return security.Policy{AllowDomains: []string{"example.com"}}
}

func checkoutRoute() drivertest.Route {
	return drivertest.Route{Setup: func(p *drivertest.Page) {
		p.SetDOM([]*drivertest.Element{
			{Selector: "#submit", Role: "button", Name: "Submit", Visible: true, Enabled: true,
				OnClick: func(p *drivertest.Page) {
					p.AddElement(&drivertest.Element{
						Selector: "#status", Role: "status", Name: "Status",
						Visible: true, Enabled: true, Text: "Order placed",
					})
				}},
		})
	}}
}

func navigateContract(workflowID string, stepIndex int, url string) contracts.ActionContract {
	return contracts.ActionContract{
		WorkflowID: workflowID,
		StepIndex:  stepIndex,
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionNavigate, URL: url},
		VerificationRules: []contracts.VerificationRule{{
			RuleType: contracts.RuleURLPattern,
			Severity: "error",
			Payload:  map[string]interface{}{"pattern": `example\.com`},
		}},
		Retry: fastRetry(1),
	}
}

func clickStatusContract(workflowID string, stepIndex int) contracts.ActionContract {
	return contracts.ActionContract{
		WorkflowID:        workflowID,
		StepIndex:         stepIndex,
		ActionSpec:        contracts.ActionSpec{ActionType: contracts.ActionClick, Selector: "#submit"},
		ExpectedPostconds: []contracts.VerificationRule{textStateRule("#status", "Order placed")},
		Retry:             fastRetry(2),
	}
}

func primeCheckout(t *testing.T, engine *Engine, tenantID, workflowID string) {
	t.Helper()
	session, err := engine.sessions.GetOrCreateSession(context.Background(), tenantID, workflowID, allowExamplePolicy())
	require.NoError(t, err)
	session.Context.(*drivertest.Context).HandleRoute("https://shop.example.com/checkout", checkoutRoute())
}

func TestExecuteContractEndToEnd(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))
	primeCheckout(t, engine, "tenant-a", "wf-e2e")

	nav := navigateContract("wf-e2e", 0, "https://shop.example.com/checkout")
	result, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-e2e", allowExamplePolicy(), nav)
	require.NoError(t, err)
	require.True(t, result.Success, "failure_code=%s", result.FailureCode)

	click := clickStatusContract("wf-e2e", 1)
	result, err = engine.ExecuteContract(context.Background(), "tenant-a", "wf-e2e", allowExamplePolicy(), click)
	require.NoError(t, err)
	require.True(t, result.Success, "failure_code=%s metadata=%v", result.FailureCode, result.Metadata)

	budgetInfo, ok := result.Metadata["budget"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1200, budgetInfo["limit"])

	valid, detail, err := engine.VerifyAuditChain("tenant-a", "wf-e2e")
	require.NoError(t, err)
	assert.True(t, valid, detail)

	trace, err := engine.ReplayTrace("tenant-a", "wf-e2e")
	require.NoError(t, err)
	assert.Len(t, trace, 2)
}

func TestExecuteContractIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))
	primeCheckout(t, engine, "tenant-a", "wf-idem")

	contract := navigateContract("wf-idem", 0, "https://shop.example.com/checkout")
	first, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-idem", allowExamplePolicy(), contract)
	require.NoError(t, err)
	second, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-idem", allowExamplePolicy(), contract)
	require.NoError(t, err)
	assert.Same(t, first, second)

	trace, err := engine.ReplayTrace("tenant-a", "wf-idem")
	require.NoError(t, err)
	assert.Len(t, trace, 1)
}

func TestAuditRecordSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	contract := navigateContract("wf-restart", 0, "https://shop.example.com/checkout")

	first, browser := newTestEngine(t, testEngineOptions(dataDir))
	primeCheckout(t, first, "tenant-a", "wf-restart")
	original, err := first.ExecuteContract(context.Background(), "tenant-a", "wf-restart", allowExamplePolicy(), contract)
	require.NoError(t, err)
	require.True(t, original.Success)
	first.CloseWorkflowSession(context.Background(), "wf-restart")
	require.NoError(t, first.Close(context.Background()))
	_ = browser.Close(context.Background())

	restarted, _ := newTestEngine(t, testEngineOptions(dataDir))
	restored, err := restarted.ExecuteContract(context.Background(), "tenant-a", "wf-restart", allowExamplePolicy(), contract)
	require.NoError(t, err)
	assert.True(t, restored.Success)
	assert.True(t, restored.VerificationPassed)
	assert.Equal(t, original.PostStateID, restored.PostStateID)
	assert.False(t, restarted.sessions.HasSession("wf-restart"))
}

func TestInvalidContractIsRejectedAndAudited(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))

	contract := contracts.ActionContract{
		WorkflowID: "wf-invalid",
		ActionSpec: contracts.ActionSpec{ActionType: contracts.ActionNavigate},
	}
	result, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-invalid", allowExamplePolicy(), contract)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodeInvalidActionSpec, result.FailureCode)

	trace, err := engine.ReplayTrace("tenant-a", "wf-invalid")
	require.NoError(t, err)
	assert.Len(t, trace, 1)
}

func TestTenantSessionQuota(t *testing.T) {
	opts := testEngineOptions(t.TempDir())
	opts.DefaultQuota = quota.DefaultTenantQuota()
	opts.DefaultQuota.MaxConcurrentSessions = 1
	engine, _ := newTestEngine(t, opts)
	primeCheckout(t, engine, "tenant-a", "wf-quota-1")

	first, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-quota-1", allowExamplePolicy(),
		navigateContract("wf-quota-1", 0, "https://shop.example.com/checkout"))
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-quota-2", allowExamplePolicy(),
		navigateContract("wf-quota-2", 0, "https://shop.example.com/checkout"))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, contracts.CodeQuotaSessionLimit, second.FailureCode)
}

func TestTenantActionRateLimit(t *testing.T) {
	opts := testEngineOptions(t.TempDir())
	opts.DefaultQuota = quota.DefaultTenantQuota()
	opts.DefaultQuota.MaxActionsPerMinute = 1
	engine, _ := newTestEngine(t, opts)
	primeCheckout(t, engine, "tenant-a", "wf-rate")

	first, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-rate", allowExamplePolicy(),
		navigateContract("wf-rate", 0, "https://shop.example.com/checkout"))
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-rate", allowExamplePolicy(),
		navigateContract("wf-rate", 1, "https://shop.example.com/checkout"))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, contracts.CodeQuotaActionRate, second.FailureCode)
}

func TestNavigationBlockedByTenantPolicy(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))

	policy := security.Policy{DenyDomains: []string{"evil.example.net"}}
	result, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-sec", policy,
		navigateContract("wf-sec", 0, "https://evil.example.net/login"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodeSecurityDomainBlock, result.FailureCode)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))

	failing := func(step int) contracts.ActionContract {
		c := navigateContract("wf-circuit", step, "https://flaky.example.com/checkout")
		c.VerificationRules = []contracts.VerificationRule{{
			RuleType: contracts.RuleURLPattern,
			Severity: "error",
			Payload:  map[string]interface{}{"pattern": `/never-reached/`},
		}}
		return c
	}

	for step := 0; step < 5; step++ {
		result, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-circuit", allowExamplePolicy(), failing(step))
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, contracts.CodePostconditionFailed, result.FailureCode, "step %d", step)
	}

	blocked, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-circuit", allowExamplePolicy(), failing(5))
	require.NoError(t, err)
	assert.False(t, blocked.Success)
	assert.Equal(t, contracts.CodeCircuitOpen, blocked.FailureCode)

	health, err := engine.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, 1, health["open_circuits"])
}

func TestBudgetExceededReplacesEnvelope(t *testing.T) {
	opts := testEngineOptions(t.TempDir())
	opts.DefaultQuota = quota.DefaultTenantQuota()
	opts.DefaultQuota.MaxStepTokens = 20
	engine, _ := newTestEngine(t, opts)
	primeCheckout(t, engine, "tenant-a", "wf-budget")

	result, err := engine.ExecuteContract(context.Background(), "tenant-a", "wf-budget", allowExamplePolicy(),
		navigateContract("wf-budget", 0, "https://shop.example.com/checkout"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, contracts.CodeBudgetExceeded, result.FailureCode)
	assert.Contains(t, result.Metadata, "budget_notes")
	assert.Contains(t, result.Telemetry, "budget_tokens")
}

func TestRegisterUploadArtifactChargesQuota(t *testing.T) {
	opts := testEngineOptions(t.TempDir())
	opts.DefaultQuota = quota.DefaultTenantQuota()
	opts.DefaultQuota.MaxArtifactBytes = 4
	engine, _ := newTestEngine(t, opts)

	source := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(source, []byte("id,total\n1,99\n"), 0o644))

	_, err := engine.RegisterUploadArtifact(context.Background(), "tenant-a", "wf-upload", "act-1", source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), contracts.CodeQuotaArtifactBytes)
}

func TestTabLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))

	session, err := engine.sessions.GetOrCreateSession(context.Background(), "tenant-a", "wf-tabs", allowExamplePolicy())
	require.NoError(t, err)
	simContext := session.Context.(*drivertest.Context)
	for i := 0; i < 2; i++ {
		simContext.HandleRoute(fmt.Sprintf("https://shop.example.com/page/%d", i), drivertest.Route{})
	}

	firstTab := session.Tabs.ActiveTabID()
	secondTab, err := engine.OpenTab(context.Background(), "tenant-a", "wf-tabs", allowExamplePolicy(), "https://shop.example.com/page/1")
	require.NoError(t, err)
	assert.NotEqual(t, firstTab, secondTab)
	assert.Equal(t, "https://shop.example.com/page/1", session.Page.URL())

	tabs := engine.ListTabs(context.Background(), "wf-tabs")
	require.Len(t, tabs, 2)

	require.NoError(t, engine.SwitchTab(context.Background(), "wf-tabs", firstTab))
	assert.Equal(t, firstTab, session.Tabs.ActiveTabID())

	engine.CloseWorkflowSession(context.Background(), "wf-tabs")
	assert.Empty(t, engine.ListTabs(context.Background(), "wf-tabs"))
}

func TestOpenTabHonorsNavigationPolicy(t *testing.T) {
	engine, _ := newTestEngine(t, testEngineOptions(t.TempDir()))

	policy := security.Policy{DenyDomains: []string{"evil.example.net"}}
	_, err := engine.OpenTab(context.Background(), "tenant-a", "wf-tab-sec", policy, "https://evil.example.net/phish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), contracts.CodeSecurityDomainBlock)
}
