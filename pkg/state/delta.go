package state

import "sort"

// sectionOrder fixes the reporting order of changed sections.
var sectionOrder = []string{"frames", "elements", "forms", "errors", "network", "downloads", "url"}

// HashChange records a section hash transition.
type HashChange struct {
	Prev string `json:"prev"`
	New  string `json:"new"`
}

// StateDelta describes the difference between two consecutive snapshots
// as bounded per-section operation lists.
type StateDelta struct {
	PrevStateID        string                   `json:"prev_state_id"`
	NewStateID         string                   `json:"new_state_id"`
	ChangedSections    []string                 `json:"changed_sections"`
	SectionHashChanges map[string]HashChange    `json:"section_hash_changes"`
	ElementOps         []map[string]interface{} `json:"element_ops"`
	FormOps            []map[string]interface{} `json:"form_ops"`
	ErrorOps           []map[string]interface{} `json:"error_ops"`
	NetworkDelta       map[string]interface{}   `json:"network_delta"`
	TokenEstimate      int                      `json:"token_estimate"`
}

// ToMap projects the delta for serialization and audit.
func (d *StateDelta) ToMap() map[string]interface{} {
	sections := make([]interface{}, 0, len(d.ChangedSections))
	for _, s := range d.ChangedSections {
		sections = append(sections, s)
	}
	hashChanges := map[string]interface{}{}
	for k, v := range d.SectionHashChanges {
		hashChanges[k] = []interface{}{v.Prev, v.New}
	}
	ops := func(list []map[string]interface{}) []interface{} {
		out := make([]interface{}, 0, len(list))
		for _, op := range list {
			out = append(out, op)
		}
		return out
	}
	network := d.NetworkDelta
	if network == nil {
		network = map[string]interface{}{}
	}
	return map[string]interface{}{
		"prev_state_id":        d.PrevStateID,
		"new_state_id":         d.NewStateID,
		"changed_sections":     sections,
		"section_hash_changes": hashChanges,
		"element_ops":          ops(d.ElementOps),
		"form_ops":             ops(d.FormOps),
		"error_ops":            ops(d.ErrorOps),
		"network_delta":        network,
		"token_estimate":       d.TokenEstimate,
	}
}

// DeltaTracker computes section-level diffs between snapshots.
type DeltaTracker struct {
	maxOps int
}

func NewDeltaTracker(maxOpsPerSection int) *DeltaTracker {
	if maxOpsPerSection <= 0 {
		maxOpsPerSection = 24
	}
	return &DeltaTracker{maxOps: maxOpsPerSection}
}

func mapByID(items []interface{}, key string) map[string]map[string]interface{} {
	mapped := map[string]map[string]interface{}{}
	for _, rawItem := range items {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := item[key].(string)
		mapped[id] = item
	}
	return mapped
}

func (t *DeltaTracker) diffCollection(prev, next []interface{}, key string) []map[string]interface{} {
	prevMap := mapByID(prev, key)
	newMap := mapByID(next, key)

	var added, removed, common []string
	for id := range newMap {
		if _, ok := prevMap[id]; ok {
			common = append(common, id)
		} else {
			added = append(added, id)
		}
	}
	for id := range prevMap {
		if _, ok := newMap[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)

	var ops []map[string]interface{}
	for _, id := range added {
		ops = append(ops, map[string]interface{}{"op": "add", "id": id, "value": newMap[id]})
		if len(ops) >= t.maxOps {
			return ops
		}
	}
	for _, id := range removed {
		ops = append(ops, map[string]interface{}{"op": "remove", "id": id})
		if len(ops) >= t.maxOps {
			return ops
		}
	}
	for _, id := range common {
		changes := changedFields(prevMap[id], newMap[id])
		if len(changes) == 0 {
			continue
		}
		ops = append(ops, map[string]interface{}{"op": "update", "id": id, "changes": changes})
		if len(ops) >= t.maxOps {
			return ops
		}
	}
	return ops
}

func changedFields(prev, next map[string]interface{}) map[string]interface{} {
	changes := map[string]interface{}{}
	for field, newValue := range next {
		if StableHash(prev[field]) != StableHash(newValue) {
			changes[field] = newValue
		}
	}
	return changes
}

func truncateItems(items []interface{}, max int) []interface{} {
	if len(items) > max {
		return items[:max]
	}
	return items
}

// Diff computes the delta from previous to current. A nil previous yields
// a full-state replace baseline.
func (t *DeltaTracker) Diff(previous, current *StructuredState) *StateDelta {
	newModel := current.ToModelMap()

	if previous == nil {
		elements := newModel["interactive_elements"].([]interface{})
		forms := newModel["forms"].([]interface{})
		errs := newModel["visible_errors"].([]interface{})
		delta := &StateDelta{
			PrevStateID:     "",
			NewStateID:      current.StateID,
			ChangedSections: []string{"full_state"},
			SectionHashChanges: map[string]HashChange{
				"full_state": {Prev: "", New: current.StateHashes["url"]},
			},
			ElementOps: []map[string]interface{}{{
				"op":    "replace",
				"count": len(current.InteractiveElements),
				"items": truncateItems(elements, t.maxOps),
			}},
			FormOps: []map[string]interface{}{{
				"op":    "replace",
				"count": len(current.Forms),
				"items": truncateItems(forms, t.maxOps),
			}},
			ErrorOps: []map[string]interface{}{{
				"op":    "replace",
				"count": len(current.VisibleErrors),
				"items": truncateItems(errs, t.maxOps),
			}},
			NetworkDelta: newModel["network_summary"].(map[string]interface{}),
		}
		delta.TokenEstimate = EstimateTokens(newModel)
		return delta
	}

	prevModel := previous.ToModelMap()

	var changedSections []string
	hashChanges := map[string]HashChange{}
	for _, section := range sectionOrder {
		newHash, ok := current.StateHashes[section]
		if !ok {
			continue
		}
		prevHash := previous.StateHashes[section]
		if prevHash != newHash {
			changedSections = append(changedSections, section)
			hashChanges[section] = HashChange{Prev: prevHash, New: newHash}
		}
	}
	changed := func(section string) bool {
		_, ok := hashChanges[section]
		return ok
	}

	delta := &StateDelta{
		PrevStateID:        previous.StateID,
		NewStateID:         current.StateID,
		ChangedSections:    changedSections,
		SectionHashChanges: hashChanges,
	}
	if changed("elements") {
		delta.ElementOps = t.diffCollection(
			prevModel["interactive_elements"].([]interface{}),
			newModel["interactive_elements"].([]interface{}),
			"eid")
	}
	if changed("forms") {
		delta.FormOps = t.diffCollection(
			prevModel["forms"].([]interface{}),
			newModel["forms"].([]interface{}),
			"form_id")
	}
	if changed("errors") {
		delta.ErrorOps = t.diffCollection(
			prevModel["visible_errors"].([]interface{}),
			newModel["visible_errors"].([]interface{}),
			"error_id")
	}
	if changed("network") {
		delta.NetworkDelta = newModel["network_summary"].(map[string]interface{})
	}
	delta.TokenEstimate = EstimateTokens(delta.ToMap())
	return delta
}
