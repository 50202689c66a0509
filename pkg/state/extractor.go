package state

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/observer"
	"github.com/mindsync-ai/predator/pkg/security"
)

// Bounds caps each extracted section.
type Bounds struct {
	MaxFrames   int
	MaxElements int
	MaxForms    int
	MaxErrors   int
}

// DefaultBounds are the production extraction caps.
func DefaultBounds() Bounds {
	return Bounds{MaxFrames: 8, MaxElements: 48, MaxForms: 6, MaxErrors: 12}
}

const elementsScript = `
() => {
  const selector = [
    'button', 'a[href]', 'input', 'select', 'textarea',
    '[role="button"]', '[role="link"]', '[role="textbox"]',
    '[role="checkbox"]', '[role="radio"]', '[role="combobox"]',
    '[tabindex]:not([tabindex="-1"])'
  ].join(',');

  const all = Array.from(document.querySelectorAll(selector));
  const out = [];
  const vw = Math.max(1, window.innerWidth || 1);
  const vh = Math.max(1, window.innerHeight || 1);

  for (const el of all) {
    if (out.length >= 120) break;
    const rect = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    const visible = (
      rect.width > 2 && rect.height > 2 &&
      style.visibility !== 'hidden' &&
      style.display !== 'none' &&
      rect.bottom >= 0 && rect.right >= 0 && rect.top <= vh && rect.left <= vw
    );
    if (!visible) continue;

    const role = (el.getAttribute('role') || '').trim() || (el.tagName || '').toLowerCase();
    const text = (el.innerText || el.getAttribute('aria-label') || el.getAttribute('name') || '').replace(/\s+/g, ' ').trim();
    const tag = (el.tagName || '').toLowerCase();
    const type = (el.getAttribute('type') || '').toLowerCase();
    const enabled = !(el.disabled || el.getAttribute('aria-disabled') === 'true');
    const required = !!el.required;
    const checked = (el.type === 'checkbox' || el.type === 'radio') ? !!el.checked : null;
    const valueHint = (el.value || '').toString().slice(0, 40) || null;

    const selectorHints = [];
    if (el.id) selectorHints.push('#' + CSS.escape(el.id));
    const testId = el.getAttribute('data-testid');
    if (testId) selectorHints.push('[data-testid="' + testId.replace(/"/g, '\\"') + '"]');
    const name = el.getAttribute('name');
    if (name) selectorHints.push(tag + '[name="' + name.replace(/"/g, '\\"') + '"]');
    const aria = el.getAttribute('aria-label');
    if (aria) selectorHints.push(tag + '[aria-label="' + aria.replace(/"/g, '\\"') + '"]');
    if ((tag === 'a' || tag === 'button') && text) {
      selectorHints.push(tag + ':has-text("' + text.slice(0, 60).replace(/"/g, '\\"') + '")');
    }

    out.push({
      role,
      nameShort: text.slice(0, 80),
      elementType: type || tag,
      enabled,
      visible,
      required,
      checked,
      valueHint,
      bboxNorm: [
        Number((Math.max(0, rect.x) / vw).toFixed(4)),
        Number((Math.max(0, rect.y) / vh).toFixed(4)),
        Number((Math.max(0, rect.width) / vw).toFixed(4)),
        Number((Math.max(0, rect.height) / vh).toFixed(4)),
      ],
      selectorHints
    });
  }

  return out;
}
`

const formsScript = `
() => {
  const forms = Array.from(document.forms || []);
  const out = [];
  for (let i = 0; i < forms.length; i++) {
    if (out.length >= 24) break;
    const form = forms[i];
    const fields = Array.from(form.querySelectorAll('input,select,textarea'));
    const requiredMissing = fields.filter(f => f.required && !f.value).length;
    const invalid = fields.filter(f => f.getAttribute('aria-invalid') === 'true');
    const submit = form.querySelector('button[type="submit"],input[type="submit"]');
    out.push({
      localId: form.id || ('form-' + i),
      fieldKeys: fields.map((f, idx) => ((f.tagName || '').toLowerCase()) + ':' + (f.name || f.id || idx)).slice(0, 30),
      requiredMissing,
      submitKey: submit ? ((submit.tagName || '').toLowerCase()) + ':' + (submit.id || submit.name || 'submit') : null,
      validationKeys: invalid.map((f, idx) => ((f.tagName || '').toLowerCase()) + ':' + (f.name || f.id || idx)).slice(0, 30)
    });
  }
  return out;
}
`

const errorsScript = `
() => {
  const selectors = [
    '[role="alert"]',
    '[aria-live="assertive"]',
    '.error',
    '.invalid-feedback',
    '.field-error',
    '.alert-danger'
  ].join(',');
  const out = [];
  for (const el of Array.from(document.querySelectorAll(selectors))) {
    if (out.length >= 40) break;
    const rect = el.getBoundingClientRect();
    if (rect.width < 2 || rect.height < 2) continue;
    const txt = (el.innerText || '').replace(/\s+/g, ' ').trim();
    if (!txt) continue;
    out.push({
      text: txt.slice(0, 120),
      kind: el.className && String(el.className).includes('alert') ? 'banner' : 'form',
    });
  }
  return out;
}
`

const readyStateScript = `() => document.readyState`

// Extractor produces StructuredState snapshots for one page.
type Extractor struct {
	page    driver.Page
	network *observer.NetworkObserver
	bounds  Bounds
	filter  *security.PromptInjectionFilter
}

func NewExtractor(page driver.Page, network *observer.NetworkObserver, bounds Bounds, filter *security.PromptInjectionFilter) *Extractor {
	if bounds.MaxFrames == 0 {
		bounds = DefaultBounds()
	}
	if filter == nil {
		filter = security.NewPromptInjectionFilter()
	}
	return &Extractor{page: page, network: network, bounds: bounds, filter: filter}
}

// NetworkSequence exposes the observer's current watermark.
func (x *Extractor) NetworkSequence() int {
	return x.network.Sequence()
}

// NetworkSummarySince exposes the observer's summary for a watermark.
func (x *Extractor) NetworkSummarySince(seq int) observer.NetworkSummary {
	return x.network.SummarySince(seq)
}

func shortHash(seed string) string {
	return canonicalize.ShortHash(seed)
}

func origin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// Extract walks the frame tree breadth-first under the configured bounds
// and assembles a deterministic snapshot.
func (x *Extractor) Extract(ctx context.Context, prevStateID string, downloads []map[string]interface{}) (*StructuredState, error) {
	pagePhase := "unknown"
	if value, err := x.page.Evaluate(ctx, readyStateScript, nil); err == nil {
		if phase, ok := value.(string); ok && phase != "" {
			pagePhase = phase
		}
	}

	var (
		frames         []FrameState
		elements       []InteractiveElementState
		forms          []FormState
		errorStates    []VisibleErrorState
		redactionCount int
	)

	parentByID := map[string]string{}
	frameIndex := 0
	for _, frame := range x.page.Frames() {
		if len(frames) >= x.bounds.MaxFrames {
			break
		}
		parentFID := parentByID[frame.ParentID()]
		seedParent := parentFID
		if seedParent == "" {
			seedParent = "root"
		}
		fid := "f_" + shortHash(fmt.Sprintf("%s|%s|%d", seedParent, frame.URL(), frameIndex))
		parentByID[frame.FrameID()] = fid
		frameIndex++

		frameElements, frameRedactions := x.extractElements(ctx, frame, fid)
		frameForms := x.extractForms(ctx, frame, fid)
		frameErrors, errorRedactions := x.extractErrors(ctx, frame, fid)
		redactionCount += frameRedactions + errorRedactions

		frames = append(frames, FrameState{
			FID:              fid,
			ParentFID:        parentFID,
			Origin:           origin(frame.URL()),
			Visible:          true,
			InteractiveCount: len(frameElements),
		})
		elements = append(elements, frameElements...)
		forms = append(forms, frameForms...)
		errorStates = append(errorStates, frameErrors...)
	}

	sort.Slice(frames, func(i, j int) bool {
		a, b := frames[i], frames[j]
		if a.ParentFID != b.ParentFID {
			return a.ParentFID < b.ParentFID
		}
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		return a.FID < b.FID
	})
	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		if a.FID != b.FID {
			return a.FID < b.FID
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.NameShort != b.NameShort {
			return a.NameShort < b.NameShort
		}
		return a.EID < b.EID
	})
	sort.Slice(forms, func(i, j int) bool {
		a, b := forms[i], forms[j]
		if a.FID != b.FID {
			return a.FID < b.FID
		}
		return a.FormID < b.FormID
	})
	sort.Slice(errorStates, func(i, j int) bool {
		a, b := errorStates[i], errorStates[j]
		if a.FID != b.FID {
			return a.FID < b.FID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ErrorID < b.ErrorID
	})

	if len(elements) > x.bounds.MaxElements {
		elements = elements[:x.bounds.MaxElements]
	}
	if len(forms) > x.bounds.MaxForms {
		forms = forms[:x.bounds.MaxForms]
	}
	if len(errorStates) > x.bounds.MaxErrors {
		errorStates = errorStates[:x.bounds.MaxErrors]
	}

	if downloads == nil {
		downloads = []map[string]interface{}{}
	}

	snapshot := &StructuredState{
		PrevStateID:         prevStateID,
		URL:                 x.page.URL(),
		PagePhase:           pagePhase,
		FrameSummary:        frames,
		InteractiveElements: elements,
		Forms:               forms,
		VisibleErrors:       errorStates,
		NetworkSummary:      x.network.SummarySince(0),
		Downloads:           downloads,
	}

	model := snapshot.ToModelMap()
	sectionHashes := map[string]string{
		"frames":    StableHash(model["frame_summary"]),
		"elements":  StableHash(model["interactive_elements"]),
		"forms":     StableHash(model["forms"]),
		"errors":    StableHash(model["visible_errors"]),
		"network":   StableHash(model["network_summary"]),
		"downloads": StableHash(model["downloads"]),
		"url":       StableHash(model["url"]),
	}
	snapshot.StateHashes = sectionHashes
	snapshot.StateID = "s_" + StableHash(sectionHashes)
	snapshot.BudgetStats = map[string]int{
		"estimated_tokens": EstimateTokens(model),
		"element_count":    len(elements),
		"frame_count":      len(frames),
		"error_count":      len(errorStates),
		"redaction_count":  redactionCount,
	}
	return snapshot, nil
}

func (x *Extractor) extractElements(ctx context.Context, frame driver.Frame, fid string) ([]InteractiveElementState, int) {
	raw, err := frame.Evaluate(ctx, elementsScript, nil)
	if err != nil {
		return nil, 0
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, 0
	}

	var (
		elements   []InteractiveElementState
		redactions int
	)
	for index, rawItem := range items {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		role := str(item["role"])
		nameShort := str(item["nameShort"])
		elementType := str(item["elementType"])

		nameOutcome := x.filter.Sanitize(nameShort, 80)
		valueOutcome := x.filter.Sanitize(str(item["valueHint"]), 40)
		if nameOutcome.Redacted {
			redactions++
		}
		if valueOutcome.Redacted {
			redactions++
		}

		seed := fmt.Sprintf("%s|%s|%s|%s|%d", fid, role, nameShort, elementType, index)
		hints := strSlice(item["selectorHints"])
		hintSeed := seed
		if len(hints) > 0 {
			hintSeed = strings.Join(hints, "|")
		}

		var checked *bool
		if value, ok := item["checked"].(bool); ok {
			checked = &value
		}

		stability := 0.4
		if len(hints) > 0 {
			stability = 0.8
		}

		elements = append(elements, InteractiveElementState{
			EID:            "e_" + shortHash(seed),
			FID:            fid,
			Role:           clip(defaultStr(role, "unknown"), 32),
			NameShort:      nameOutcome.Text,
			ElementType:    clip(defaultStr(elementType, "unknown"), 24),
			Enabled:        boolAt(item, "enabled"),
			Visible:        boolAt(item, "visible"),
			Required:       boolAt(item, "required"),
			Checked:        checked,
			ValueHint:      valueOutcome.Text,
			BBoxNorm:       bbox(item["bboxNorm"]),
			SelectorHintID: "sh_" + shortHash(hintSeed),
			StabilityScore: stability,
			SelectorHints:  hints,
		})
	}
	return elements, redactions
}

func (x *Extractor) extractForms(ctx context.Context, frame driver.Frame, fid string) []FormState {
	raw, err := frame.Evaluate(ctx, formsScript, nil)
	if err != nil {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	var forms []FormState
	for _, rawItem := range items {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		localID := str(item["localId"])
		fieldEIDs := []string{}
		for _, key := range strSlice(item["fieldKeys"]) {
			fieldEIDs = append(fieldEIDs, "e_"+shortHash(fid+"|"+key))
		}
		validationEIDs := []string{}
		for _, key := range strSlice(item["validationKeys"]) {
			validationEIDs = append(validationEIDs, "e_"+shortHash(fid+"|"+key))
		}
		submitEID := ""
		if submitKey := str(item["submitKey"]); submitKey != "" {
			submitEID = "e_" + shortHash(fid+"|"+submitKey)
		}
		forms = append(forms, FormState{
			FormID:               "form_" + shortHash(fid+"|"+localID),
			FID:                  fid,
			FieldEIDs:            fieldEIDs,
			RequiredMissingCount: intAt(item, "requiredMissing"),
			SubmitEID:            submitEID,
			ValidationErrorEIDs:  validationEIDs,
		})
	}
	return forms
}

func (x *Extractor) extractErrors(ctx context.Context, frame driver.Frame, fid string) ([]VisibleErrorState, int) {
	raw, err := frame.Evaluate(ctx, errorsScript, nil)
	if err != nil {
		return nil, 0
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, 0
	}

	var (
		errorStates []VisibleErrorState
		redactions  int
	)
	for index, rawItem := range items {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		text := str(item["text"])
		kind := defaultStr(str(item["kind"]), "form")
		outcome := x.filter.Sanitize(text, 120)
		if outcome.Redacted {
			redactions++
		}
		seed := fmt.Sprintf("%s|%s|%s|%d", fid, kind, text, index)
		errorStates = append(errorStates, VisibleErrorState{
			ErrorID:   "err_" + shortHash(seed),
			FID:       fid,
			Kind:      clip(kind, 16),
			TextShort: outcome.Text,
		})
	}
	return errorStates, redactions
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func boolAt(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intAt(m map[string]interface{}, key string) int {
	switch t := m[key].(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}

func strSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func bbox(v interface{}) [4]float64 {
	var out [4]float64
	items, ok := v.([]interface{})
	if !ok {
		return out
	}
	for i := 0; i < len(items) && i < 4; i++ {
		if f, ok := items[i].(float64); ok {
			out[i] = f
		}
	}
	return out
}
