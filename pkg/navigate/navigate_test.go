package navigate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/navigate"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/state"
)

func newSnapshot(t *testing.T, setup func(p *drivertest.Page)) (*drivertest.Page, *state.StructuredState) {
	t.Helper()
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })

	bctx, err := browser.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)

	sim := page.(*drivertest.Page)
	require.NoError(t, sim.Goto(context.Background(), "https://app.example.com/orders"))
	if setup != nil {
		setup(sim)
	}

	network := observer.NewNetworkObserver()
	network.Attach(sim)
	extractor := state.NewExtractor(sim, network, state.DefaultBounds(), nil)
	snapshot, err := extractor.Extract(context.Background(), "", nil)
	require.NoError(t, err)
	return sim, snapshot
}

func TestExplicitSelectorWinsWithFullConfidence(t *testing.T) {
	page, snapshot := newSnapshot(t, nil)
	navigator := navigate.NewNavigator(page)

	target, err := navigator.BindTarget(contracts.ActionSpec{
		Selector:           "#submit",
		SelectorCandidates: []string{".fallback"},
	}, snapshot)

	require.NoError(t, err)
	assert.Equal(t, "#submit", target.Selector)
	assert.Equal(t, 1.0, target.Confidence)
}

func TestEIDBindsThroughStoredHints(t *testing.T) {
	page, snapshot := newSnapshot(t, func(p *drivertest.Page) {
		p.SetDOM([]*drivertest.Element{
			{Selector: "#submit", Role: "button", Name: "Submit order", Visible: true, Enabled: true,
				SelectorHints: []string{`[data-testid="submit"]`, "#submit"}},
		})
	})
	navigator := navigate.NewNavigator(page)
	eid := snapshot.InteractiveElements[0].EID

	target, err := navigator.BindTarget(contracts.ActionSpec{TargetEID: eid}, snapshot)

	require.NoError(t, err)
	assert.Equal(t, `[data-testid="submit"]`, target.Selector)
	assert.Equal(t, 0.9, target.Confidence)
	assert.Equal(t, eid, target.EID)
}

func TestEIDFallsBackToRoleAndName(t *testing.T) {
	page, snapshot := newSnapshot(t, func(p *drivertest.Page) {
		p.SetDOM([]*drivertest.Element{
			{Selector: "#submit", Role: "button", Name: "Submit order", Visible: true, Enabled: true},
		})
	})
	navigator := navigate.NewNavigator(page)
	eid := snapshot.InteractiveElements[0].EID

	target, err := navigator.BindTarget(contracts.ActionSpec{TargetEID: eid}, snapshot)

	require.NoError(t, err)
	assert.Equal(t, `role=button[name="Submit order"]`, target.Selector)
	assert.Equal(t, 0.9, target.Confidence)
}

func TestCandidateSelectorsAreLastResort(t *testing.T) {
	page, snapshot := newSnapshot(t, nil)
	navigator := navigate.NewNavigator(page)

	target, err := navigator.BindTarget(contracts.ActionSpec{
		TargetEID:          "e_unknown",
		SelectorCandidates: []string{"#first", "#second"},
	}, snapshot)

	require.NoError(t, err)
	assert.Equal(t, "#first", target.Selector)
	assert.Equal(t, 0.7, target.Confidence)
}

func TestBindFailureWhenNothingResolves(t *testing.T) {
	page, snapshot := newSnapshot(t, nil)
	navigator := navigate.NewNavigator(page)

	_, err := navigator.BindTarget(contracts.ActionSpec{TargetEID: "e_unknown"}, snapshot)
	assert.ErrorIs(t, err, navigate.ErrBindFailed)
}

func TestFrameByFIDResolvesThroughOrigin(t *testing.T) {
	page, snapshot := newSnapshot(t, func(p *drivertest.Page) {
		sub := p.AddChildFrame("frame-1", "https://widgets.example.com/payment")
		sub.SetDOM([]*drivertest.Element{
			{Selector: "#card", Role: "textbox", Name: "Card number", Visible: true, Enabled: true},
		})
	})
	navigator := navigate.NewNavigator(page)

	var childFID string
	for _, frame := range snapshot.FrameSummary {
		if frame.ParentFID != "" {
			childFID = frame.FID
		}
	}
	require.NotEmpty(t, childFID)

	frame := navigator.FrameByFID(snapshot, childFID)
	assert.Equal(t, "https://widgets.example.com/payment", frame.URL())

	assert.Equal(t, "main", navigator.FrameByFID(snapshot, "").FrameID())
	assert.Equal(t, "main", navigator.FrameByFID(snapshot, "f_unknown").FrameID())
}

func TestLocatorForTargetOperatesInFrame(t *testing.T) {
	page, snapshot := newSnapshot(t, func(p *drivertest.Page) {
		p.SetDOM([]*drivertest.Element{
			{Selector: "#submit", Role: "button", Name: "Submit order", Visible: true, Enabled: true},
		})
	})
	navigator := navigate.NewNavigator(page)

	target, err := navigator.BindTarget(contracts.ActionSpec{Selector: "#submit"}, snapshot)
	require.NoError(t, err)

	locator := navigator.LocatorForTarget(target, snapshot)
	n, err := locator.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
