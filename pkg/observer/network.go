// Package observer captures the per-session network stream and the
// runtime console/pageerror stream. Events carry a strictly monotone
// sequence per session so callers can take stable summaries relative to
// a dispatch-time watermark.
package observer

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
	"github.com/mindsync-ai/predator/pkg/driver"
)

// NetworkEvent is one observed request, response, or request failure.
type NetworkEvent struct {
	Seq            int    `json:"seq"`
	TS             string `json:"ts"`
	Kind           string `json:"kind"`
	Method         string `json:"method"`
	URL            string `json:"url"`
	RouteKey       string `json:"route_key"`
	Status         int    `json:"status"`
	StatusClass    string `json:"status_class"`
	LatencyMS      int    `json:"latency_ms"`
	ContentType    string `json:"content_type"`
	JSONShapeHash  string `json:"json_shape_hash"`
	SilentFailure  bool   `json:"silent_failure"`
	ErrorSignature string `json:"error_signature"`
}

// NetworkFailure is one summarised failure: a 4xx/5xx, a silent failure,
// or an aborted request.
type NetworkFailure struct {
	RouteKey       string `json:"route_key"`
	Status         int    `json:"status"`
	StatusClass    string `json:"status_class"`
	ErrorSignature string `json:"error_signature"`
	LatencyMS      int    `json:"latency_ms"`
}

// NetworkSummary aggregates events since a sequence watermark. Failures
// are capped at maxSummaryFailures.
type NetworkSummary struct {
	TotalRequests  int              `json:"total_requests"`
	TotalResponses int              `json:"total_responses"`
	TotalFailures  int              `json:"total_failures"`
	Failures       []NetworkFailure `json:"failures"`
}

// ToMap flattens the summary for result payloads.
func (s NetworkSummary) ToMap() map[string]interface{} {
	failures := make([]interface{}, 0, len(s.Failures))
	for _, f := range s.Failures {
		failures = append(failures, map[string]interface{}{
			"route_key":       f.RouteKey,
			"status":          f.Status,
			"status_class":    f.StatusClass,
			"error_signature": f.ErrorSignature,
			"latency_ms":      f.LatencyMS,
		})
	}
	return map[string]interface{}{
		"total_requests":  s.TotalRequests,
		"total_responses": s.TotalResponses,
		"total_failures":  s.TotalFailures,
		"failures":        failures,
	}
}

const (
	maxBufferedEvents  = 256
	maxSummaryFailures = 20
)

// NetworkObserver buffers the network stream of one page.
type NetworkObserver struct {
	mu      sync.Mutex
	events  []NetworkEvent
	seq     int
	removes []func()
	starts  map[string]time.Time
}

func NewNetworkObserver() *NetworkObserver {
	return &NetworkObserver{starts: map[string]time.Time{}}
}

// Attach subscribes to the page's network hooks. Attaching twice without
// a detach is a no-op.
func (o *NetworkObserver) Attach(page driver.Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.removes) > 0 {
		return
	}
	o.removes = append(o.removes,
		page.OnRequest(o.onRequest),
		page.OnResponse(o.onResponse),
		page.OnRequestFailed(o.onRequestFailed),
	)
}

// Detach unsubscribes from the page.
func (o *NetworkObserver) Detach() {
	o.mu.Lock()
	removes := o.removes
	o.removes = nil
	o.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}

// Sequence returns the current high-water sequence.
func (o *NetworkObserver) Sequence() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

func (o *NetworkObserver) appendLocked(e NetworkEvent) {
	o.seq++
	e.Seq = o.seq
	e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	o.events = append(o.events, e)
	if len(o.events) > maxBufferedEvents {
		o.events = o.events[len(o.events)-maxBufferedEvents:]
	}
}

func (o *NetworkObserver) onRequest(event driver.RequestEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts[event.Method+" "+event.URL] = time.Now()
	o.appendLocked(NetworkEvent{
		Kind:     "request",
		Method:   event.Method,
		URL:      event.URL,
		RouteKey: RouteKey(event.URL),
	})
}

func (o *NetworkObserver) onResponse(event driver.ResponseEvent) {
	shapeHash := ""
	silent := false
	signature := ""
	if strings.Contains(event.ContentType, "application/json") {
		var payload interface{}
		if err := json.Unmarshal(event.Body, &payload); err != nil {
			silent = true
			signature = "json_parse_error"
		} else {
			shapeHash = jsonShapeHash(payload)
			silent, signature = silentFailure(payload)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	latencyMS := 0
	if start, ok := o.starts["GET "+event.URL]; ok {
		latencyMS = int(time.Since(start).Milliseconds())
		delete(o.starts, "GET "+event.URL)
	}
	o.appendLocked(NetworkEvent{
		Kind:           "response",
		Method:         "GET",
		URL:            event.URL,
		RouteKey:       RouteKey(event.URL),
		Status:         event.Status,
		StatusClass:    StatusClass(event.Status),
		LatencyMS:      latencyMS,
		ContentType:    event.ContentType,
		JSONShapeHash:  shapeHash,
		SilentFailure:  silent,
		ErrorSignature: signature,
	})
}

func (o *NetworkObserver) onRequestFailed(event driver.RequestFailedEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.starts, event.Method+" "+event.URL)
	signature := event.Failure
	if signature == "" {
		signature = "request_failed"
	}
	o.appendLocked(NetworkEvent{
		Kind:           "request_failed",
		Method:         event.Method,
		URL:            event.URL,
		RouteKey:       RouteKey(event.URL),
		StatusClass:    "none",
		ErrorSignature: signature,
	})
}

// EventsSince returns the buffered events with Seq > seq.
func (o *NetworkObserver) EventsSince(seq int) []NetworkEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []NetworkEvent
	for _, e := range o.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// SummarySince aggregates events with Seq > seq.
func (o *NetworkObserver) SummarySince(seq int) NetworkSummary {
	events := o.EventsSince(seq)
	summary := NetworkSummary{Failures: []NetworkFailure{}}

	var failures []NetworkFailure
	for _, e := range events {
		switch e.Kind {
		case "request":
			summary.TotalRequests++
		case "response":
			summary.TotalResponses++
			if e.Status >= 400 || e.SilentFailure {
				signature := e.ErrorSignature
				if signature == "" {
					signature = "response_failure"
				}
				failures = append(failures, NetworkFailure{
					RouteKey:       e.RouteKey,
					Status:         e.Status,
					StatusClass:    e.StatusClass,
					ErrorSignature: signature,
					LatencyMS:      e.LatencyMS,
				})
			}
		}
	}
	for _, e := range events {
		if e.Kind == "request_failed" {
			failures = append(failures, NetworkFailure{
				RouteKey:       e.RouteKey,
				StatusClass:    "none",
				ErrorSignature: e.ErrorSignature,
			})
		}
	}

	summary.TotalFailures = len(failures)
	if len(failures) > maxSummaryFailures {
		failures = failures[:maxSummaryFailures]
	}
	summary.Failures = failures
	return summary
}

// RouteKey groups a URL by host plus the first two path segments.
func RouteKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	var chunks []string
	for _, p := range strings.Split(parsed.Path, "/") {
		if p != "" {
			chunks = append(chunks, p)
		}
	}
	if len(chunks) > 2 {
		chunks = chunks[:2]
	}
	return parsed.Host + "/" + strings.Join(chunks, "/")
}

// StatusClass renders a status as "<digit>xx", or "none" for zero.
func StatusClass(status int) string {
	if status <= 0 {
		return "none"
	}
	return string(rune('0'+status/100)) + "xx"
}

// jsonShapeHash summarises a JSON payload's structure: depth capped at
// two, the first twelve keys per object in sorted order, values replaced
// by their type names.
func jsonShapeHash(payload interface{}) string {
	var walk func(obj interface{}, depth int) interface{}
	walk = func(obj interface{}, depth int) interface{} {
		if depth > 2 {
			return "..."
		}
		switch t := obj.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 12 {
				keys = keys[:12]
			}
			shaped := map[string]interface{}{}
			for _, k := range keys {
				shaped[k] = walk(t[k], depth+1)
			}
			return shaped
		case []interface{}:
			if len(t) == 0 {
				return []interface{}{}
			}
			return []interface{}{walk(t[0], depth+1)}
		case string:
			return "str"
		case float64:
			return "number"
		case bool:
			return "bool"
		case nil:
			return "null"
		default:
			return "value"
		}
	}
	hash, err := canonicalize.StableHash(walk(payload, 0))
	if err != nil {
		return ""
	}
	return hash[:16]
}

// silentFailure detects 2xx JSON payloads that signal an error by
// convention.
func silentFailure(payload interface{}) (bool, string) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return false, ""
	}
	if success, ok := obj["success"].(bool); ok && !success {
		return true, "json_success_false"
	}
	switch obj["error"].(type) {
	case string, map[string]interface{}, []interface{}:
		return true, "json_error_present"
	}
	if errs, ok := obj["errors"].([]interface{}); ok && len(errs) > 0 {
		return true, "json_errors_nonempty"
	}
	return false, ""
}
