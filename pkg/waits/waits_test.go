package waits_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/waits"
)

func newSimPage(t *testing.T) *drivertest.Page {
	t.Helper()
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })

	bctx, err := browser.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)

	sim := page.(*drivertest.Page)
	require.NoError(t, sim.Goto(context.Background(), "https://app.example.com/orders"))
	return sim
}

func TestSelectorWaitObservesActionEffect(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind:      contracts.WaitSelector,
		Payload:   map[string]interface{}{"selector": "#confirmation"},
		TimeoutMS: 2000,
	}}

	outcomes, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		page.AddElement(&drivertest.Element{Selector: "#confirmation", Role: "status", Name: "Order placed", Visible: true, Enabled: true})
		return nil
	}, conditions, waits.ModeAll)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Satisfied)
	assert.Equal(t, "selector", outcomes[0].Detail)
}

func TestResponseWaitIsArmedBeforeDispatch(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind: contracts.WaitResponse,
		Payload: map[string]interface{}{
			"url_pattern": `/api/orders`,
			"status_min":  float64(200),
			"status_max":  float64(299),
		},
		TimeoutMS: 2000,
	}}

	// The response fires synchronously inside the action. Only a
	// subscription armed before dispatch can observe it.
	outcomes, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		page.EmitResponse("https://app.example.com/api/orders", 201, "application/json",
			drivertest.JSONBody(map[string]interface{}{"success": true}))
		return nil
	}, conditions, waits.ModeAll)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Satisfied)
	assert.True(t, strings.HasPrefix(outcomes[0].Detail, "response:201:"))
}

func TestResponseWaitIgnoresOutOfRangeStatus(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind: contracts.WaitResponse,
		Payload: map[string]interface{}{
			"url_pattern": `/api/orders`,
			"status_min":  float64(200),
			"status_max":  float64(299),
		},
		TimeoutMS: 100,
	}}

	_, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		page.EmitResponse("https://app.example.com/api/orders", 500, "application/json", nil)
		return nil
	}, conditions, waits.ModeAll)

	assert.ErrorIs(t, err, waits.ErrTimeout)
}

func TestSelectorWaitTimesOut(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind:      contracts.WaitSelector,
		Payload:   map[string]interface{}{"selector": "#never"},
		TimeoutMS: 50,
	}}

	outcomes, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		return nil
	}, conditions, waits.ModeAll)

	assert.ErrorIs(t, err, waits.ErrTimeout)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Satisfied)
}

func TestStrictSelectorRejectsMultipleMatches(t *testing.T) {
	page := newSimPage(t)
	page.SetDOM([]*drivertest.Element{
		{Selector: "#dup", Role: "button", Name: "One", Visible: true, Enabled: true},
		{Selector: "#dup", Role: "button", Name: "Two", Visible: true, Enabled: true},
	})
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind:      contracts.WaitSelector,
		Payload:   map[string]interface{}{"selector": "#dup", "strict": true},
		TimeoutMS: 500,
	}}

	_, err := manager.WaitForConditions(context.Background(), conditions, waits.ModeAll)
	assert.ErrorIs(t, err, waits.ErrStrictSelector)
}

func TestAnyModeReturnsFirstSettled(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{
		{
			Kind:      contracts.WaitSelector,
			Payload:   map[string]interface{}{"selector": "#never"},
			TimeoutMS: 5000,
		},
		{
			Kind:      contracts.WaitURL,
			Payload:   map[string]interface{}{"url_pattern": `orders`},
			TimeoutMS: 5000,
		},
	}

	outcomes, err := manager.WaitForConditions(context.Background(), conditions, waits.ModeAny)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "url", outcomes[0].Detail)
}

func TestURLWaitFollowsNavigation(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind:      contracts.WaitURL,
		Payload:   map[string]interface{}{"url_pattern": `/dashboard`},
		TimeoutMS: 2000,
	}}

	outcomes, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		return page.Goto(ctx, "https://app.example.com/dashboard")
	}, conditions, waits.ModeAll)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Satisfied)
}

func TestFunctionWaitUsesPageEvaluation(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	conditions := []contracts.WaitCondition{{
		Kind:      contracts.WaitFunction,
		Payload:   map[string]interface{}{"expression": `() => document.readyState === "complete" && document.readyState`},
		TimeoutMS: 1000,
	}}

	outcomes, err := manager.WaitForConditions(context.Background(), conditions, waits.ModeAll)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "function", outcomes[0].Detail)
}

func TestUnsupportedKindFailsBeforeDispatch(t *testing.T) {
	page := newSimPage(t)
	manager := waits.NewManager(page, waits.ChaosPolicy{})

	dispatched := false
	_, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		dispatched = true
		return nil
	}, []contracts.WaitCondition{{Kind: "telepathy"}}, waits.ModeAll)

	assert.ErrorIs(t, err, waits.ErrUnsupportedKind)
	assert.False(t, dispatched)
}

func TestChaosMutationRunsWithSeededRNG(t *testing.T) {
	page := newSimPage(t)

	mutations := 0
	page.SetEvalHandler(func(expression string, arg interface{}) (interface{}, bool) {
		if strings.Contains(expression, "querySelectorAll") {
			mutations++
			return true, true
		}
		return nil, false
	})

	manager := waits.NewManager(page, waits.ChaosPolicy{
		Enabled:                true,
		Seed:                   7,
		DOMMutationProbability: 1.0,
	})

	_, err := manager.ExecuteWithConditions(context.Background(), func(ctx context.Context) error {
		return nil
	}, nil, waits.ModeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, mutations)
}
