// Package navigate binds abstract action targets to concrete locators.
// Binding prefers an explicit selector, then the target element's stored
// hints, then role/name and text fallbacks, then the caller's candidate
// selectors.
package navigate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/state"
)

// ErrBindFailed means no binding strategy produced a selector.
var ErrBindFailed = errors.New("navigate: unable to bind target selector")

// BoundTarget is a resolved target with its binding confidence.
type BoundTarget struct {
	EID        string
	FID        string
	Selector   string
	Confidence float64
}

// Navigator resolves targets against one page and its latest snapshot.
type Navigator struct {
	page driver.Page
}

func NewNavigator(page driver.Page) *Navigator {
	return &Navigator{page: page}
}

// BindTarget resolves the action's target to a selector. Explicit
// selectors bind with full confidence; eid-derived hints at 0.9;
// candidate selectors at 0.7.
func (n *Navigator) BindTarget(spec contracts.ActionSpec, snapshot *state.StructuredState) (BoundTarget, error) {
	if spec.Selector != "" {
		return BoundTarget{EID: spec.TargetEID, FID: spec.TargetFID, Selector: spec.Selector, Confidence: 1.0}, nil
	}

	if spec.TargetEID != "" && snapshot != nil {
		if selector, fid, ok := selectorFromEID(snapshot, spec.TargetEID); ok {
			return BoundTarget{EID: spec.TargetEID, FID: fid, Selector: selector, Confidence: 0.9}, nil
		}
	}

	if len(spec.SelectorCandidates) > 0 {
		return BoundTarget{EID: spec.TargetEID, FID: spec.TargetFID, Selector: spec.SelectorCandidates[0], Confidence: 0.7}, nil
	}

	return BoundTarget{}, fmt.Errorf("%w: eid=%q", ErrBindFailed, spec.TargetEID)
}

func selectorFromEID(snapshot *state.StructuredState, eid string) (selector, fid string, ok bool) {
	element := snapshot.FindElement(eid)
	if element == nil {
		return "", "", false
	}
	if len(element.SelectorHints) > 0 {
		return element.SelectorHints[0], element.FID, true
	}
	if element.Role != "" && element.NameShort != "" {
		return fmt.Sprintf(`role=%s[name="%s"]`, element.Role, element.NameShort), element.FID, true
	}
	if element.NameShort != "" {
		return fmt.Sprintf(`text="%s"`, element.NameShort), element.FID, true
	}
	return "", "", false
}

// FrameByFID maps a frame id back to a live frame via the frame's origin.
// Unknown or empty fids fall back to the main frame.
func (n *Navigator) FrameByFID(snapshot *state.StructuredState, fid string) driver.Frame {
	if fid == "" || snapshot == nil {
		return n.page.MainFrame()
	}
	origin := ""
	for _, frame := range snapshot.FrameSummary {
		if frame.FID == fid {
			origin = frame.Origin
			break
		}
	}
	if origin == "" {
		return n.page.MainFrame()
	}
	for _, frame := range n.page.Frames() {
		if strings.HasPrefix(frame.URL(), origin) {
			return frame
		}
	}
	return n.page.MainFrame()
}

// LocatorForTarget returns a locator for the bound target within its
// frame.
func (n *Navigator) LocatorForTarget(target BoundTarget, snapshot *state.StructuredState) driver.Locator {
	frame := n.FrameByFID(snapshot, target.FID)
	return frame.Locator(target.Selector)
}
