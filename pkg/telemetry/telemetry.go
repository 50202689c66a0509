// Package telemetry records per-action timing and counters and ships
// finished envelopes to a sink.
package telemetry

import (
	"sync"
	"time"
)

// TimelineEvent marks one pipeline phase boundary.
type TimelineEvent struct {
	Phase    string                 `json:"phase"`
	TS       string                 `json:"ts"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Telemetry accumulates the timeline and counters for one action.
type Telemetry struct {
	mu       sync.Mutex
	start    time.Time
	timeline []TimelineEvent
	counters map[string]int
}

func New() *Telemetry {
	return &Telemetry{
		start: time.Now(),
		counters: map[string]int{
			"console_count":       0,
			"pageerror_count":     0,
			"network_error_count": 0,
		},
	}
}

// Event appends a phase marker with an UTC timestamp.
func (t *Telemetry) Event(phase string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeline = append(t.timeline, TimelineEvent{
		Phase:    phase,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Metadata: metadata,
	})
}

// Incr adds value to a counter, creating it at zero.
func (t *Telemetry) Incr(counter string, value int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[counter] += value
}

// Snapshot projects the telemetry for the result envelope.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	counters := map[string]interface{}{}
	for key, value := range t.counters {
		counters[key] = value
	}
	timeline := make([]interface{}, 0, len(t.timeline))
	for _, event := range t.timeline {
		timeline = append(timeline, map[string]interface{}{
			"phase":    event.Phase,
			"ts":       event.TS,
			"metadata": event.Metadata,
		})
	}
	return map[string]interface{}{
		"elapsed_ms": int(time.Since(t.start).Milliseconds()),
		"counters":   counters,
		"timeline":   timeline,
	}
}
