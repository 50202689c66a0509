// Package state defines the structured page snapshot: typed frame,
// element, form, and error records with content-derived stable IDs, the
// extractor that produces them, and the section-level delta tracker.
package state

import (
	"github.com/mindsync-ai/predator/pkg/canonicalize"
	"github.com/mindsync-ai/predator/pkg/observer"
)

// FrameState summarises one frame.
type FrameState struct {
	FID              string `json:"fid"`
	ParentFID        string `json:"parent_fid"`
	Origin           string `json:"origin"`
	TitleShort       string `json:"title_short"`
	Visible          bool   `json:"visible"`
	InteractiveCount int    `json:"interactive_count"`
}

// InteractiveElementState is one visible interactive element. Selector
// hints stay internal; only their hint id is projected outward.
type InteractiveElementState struct {
	EID            string     `json:"eid"`
	FID            string     `json:"fid"`
	Role           string     `json:"role"`
	NameShort      string     `json:"name_short"`
	ElementType    string     `json:"element_type"`
	Enabled        bool       `json:"enabled"`
	Visible        bool       `json:"visible"`
	Required       bool       `json:"required"`
	Checked        *bool      `json:"checked"`
	ValueHint      string     `json:"value_hint"`
	BBoxNorm       [4]float64 `json:"bbox_norm"`
	SelectorHintID string     `json:"selector_hint_id"`
	StabilityScore float64    `json:"stability_score"`

	// SelectorHints are used by the navigator for target binding and are
	// never part of the outward model projection.
	SelectorHints []string `json:"-"`
}

// FormState summarises one form.
type FormState struct {
	FormID               string   `json:"form_id"`
	FID                  string   `json:"fid"`
	FieldEIDs            []string `json:"field_eids"`
	RequiredMissingCount int      `json:"required_missing_count"`
	SubmitEID            string   `json:"submit_eid"`
	ValidationErrorEIDs  []string `json:"validation_error_eids"`
}

// VisibleErrorState is one user-visible error node.
type VisibleErrorState struct {
	ErrorID   string `json:"error_id"`
	FID       string `json:"fid"`
	Kind      string `json:"kind"`
	TextShort string `json:"text_short"`
	EID       string `json:"eid"`
}

// StructuredState is one full snapshot. StateID derives from the section
// hashes only, so identical DOMs under identical bounds collide by
// construction.
type StructuredState struct {
	StateID             string
	PrevStateID         string
	URL                 string
	PagePhase           string
	FrameSummary        []FrameState
	InteractiveElements []InteractiveElementState
	Forms               []FormState
	VisibleErrors       []VisibleErrorState
	NetworkSummary      observer.NetworkSummary
	Downloads           []map[string]interface{}
	StateHashes         map[string]string
	BudgetStats         map[string]int
}

// elementModel projects an element without its selector hints.
func elementModel(e InteractiveElementState) map[string]interface{} {
	var checked interface{}
	if e.Checked != nil {
		checked = *e.Checked
	}
	var valueHint interface{}
	if e.ValueHint != "" {
		valueHint = e.ValueHint
	}
	return map[string]interface{}{
		"eid":              e.EID,
		"fid":              e.FID,
		"role":             e.Role,
		"name_short":       e.NameShort,
		"type":             e.ElementType,
		"enabled":          e.Enabled,
		"visible":          e.Visible,
		"required":         e.Required,
		"checked":          checked,
		"value_hint":       valueHint,
		"bbox_norm":        []float64{e.BBoxNorm[0], e.BBoxNorm[1], e.BBoxNorm[2], e.BBoxNorm[3]},
		"selector_hint_id": e.SelectorHintID,
		"stability_score":  e.StabilityScore,
	}
}

func frameModel(f FrameState) map[string]interface{} {
	return map[string]interface{}{
		"fid":               f.FID,
		"parent_fid":        f.ParentFID,
		"origin":            f.Origin,
		"title_short":       f.TitleShort,
		"visible":           f.Visible,
		"interactive_count": f.InteractiveCount,
	}
}

func formModel(f FormState) map[string]interface{} {
	fieldEIDs := make([]interface{}, 0, len(f.FieldEIDs))
	for _, eid := range f.FieldEIDs {
		fieldEIDs = append(fieldEIDs, eid)
	}
	validation := make([]interface{}, 0, len(f.ValidationErrorEIDs))
	for _, eid := range f.ValidationErrorEIDs {
		validation = append(validation, eid)
	}
	return map[string]interface{}{
		"form_id":                f.FormID,
		"fid":                    f.FID,
		"field_eids":             fieldEIDs,
		"required_missing_count": f.RequiredMissingCount,
		"submit_eid":             f.SubmitEID,
		"validation_error_eids":  validation,
	}
}

func errorModel(e VisibleErrorState) map[string]interface{} {
	return map[string]interface{}{
		"error_id":   e.ErrorID,
		"fid":        e.FID,
		"kind":       e.Kind,
		"text_short": e.TextShort,
		"eid":        e.EID,
	}
}

// ToModelMap projects the snapshot for callers and for hashing.
func (s *StructuredState) ToModelMap() map[string]interface{} {
	frames := make([]interface{}, 0, len(s.FrameSummary))
	for _, f := range s.FrameSummary {
		frames = append(frames, frameModel(f))
	}
	elements := make([]interface{}, 0, len(s.InteractiveElements))
	for _, e := range s.InteractiveElements {
		elements = append(elements, elementModel(e))
	}
	forms := make([]interface{}, 0, len(s.Forms))
	for _, f := range s.Forms {
		forms = append(forms, formModel(f))
	}
	errs := make([]interface{}, 0, len(s.VisibleErrors))
	for _, e := range s.VisibleErrors {
		errs = append(errs, errorModel(e))
	}
	downloads := make([]interface{}, 0, len(s.Downloads))
	for _, d := range s.Downloads {
		downloads = append(downloads, d)
	}
	hashes := map[string]interface{}{}
	for k, v := range s.StateHashes {
		hashes[k] = v
	}
	stats := map[string]interface{}{}
	for k, v := range s.BudgetStats {
		stats[k] = v
	}
	return map[string]interface{}{
		"state_id":             s.StateID,
		"prev_state_id":        s.PrevStateID,
		"url":                  s.URL,
		"page_phase":           s.PagePhase,
		"frame_summary":        frames,
		"interactive_elements": elements,
		"forms":                forms,
		"visible_errors":       errs,
		"network_summary":      s.NetworkSummary.ToMap(),
		"downloads":            downloads,
		"state_hashes":         hashes,
		"budget_stats":         stats,
	}
}

// FindElement returns the element with the given eid, or nil.
func (s *StructuredState) FindElement(eid string) *InteractiveElementState {
	for i := range s.InteractiveElements {
		if s.InteractiveElements[i].EID == eid {
			return &s.InteractiveElements[i]
		}
	}
	return nil
}

// StableHash is the short digest used for section hashes and state ids.
func StableHash(payload interface{}) string {
	hash, err := canonicalize.StableHash(payload)
	if err != nil {
		return ""
	}
	return hash
}

// EstimateTokens is the byte-based token approximation for budget
// decisions.
func EstimateTokens(payload interface{}) int {
	n, err := canonicalize.EstimateTokens(payload)
	if err != nil {
		return 1
	}
	return n
}
