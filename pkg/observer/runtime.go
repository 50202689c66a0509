package observer

import (
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/driver"
)

// RuntimeEvent is one console message or uncaught page error.
type RuntimeEvent struct {
	Seq     int    `json:"seq"`
	TS      string `json:"ts"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	maxRuntimeEvents  = 256
	maxRuntimeMessage = 240
)

// RuntimeTelemetryBuffer captures the console and pageerror streams of
// one page with a monotone sequence.
type RuntimeTelemetryBuffer struct {
	mu      sync.Mutex
	events  []RuntimeEvent
	seq     int
	removes []func()
}

func NewRuntimeTelemetryBuffer() *RuntimeTelemetryBuffer {
	return &RuntimeTelemetryBuffer{}
}

// Attach subscribes to the page's console and error hooks.
func (b *RuntimeTelemetryBuffer) Attach(page driver.Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.removes) > 0 {
		return
	}
	b.removes = append(b.removes,
		page.OnConsole(func(event driver.ConsoleEvent) {
			b.push("console", event.Kind+": "+event.Text)
		}),
		page.OnPageError(func(err error) {
			b.push("pageerror", err.Error())
		}),
	)
}

// Detach unsubscribes from the page.
func (b *RuntimeTelemetryBuffer) Detach() {
	b.mu.Lock()
	removes := b.removes
	b.removes = nil
	b.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}

// Sequence returns the current high-water sequence.
func (b *RuntimeTelemetryBuffer) Sequence() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *RuntimeTelemetryBuffer) push(kind, message string) {
	if len(message) > maxRuntimeMessage {
		message = message[:maxRuntimeMessage]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.events = append(b.events, RuntimeEvent{
		Seq:     b.seq,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Kind:    kind,
		Message: message,
	})
	if len(b.events) > maxRuntimeEvents {
		b.events = b.events[len(b.events)-maxRuntimeEvents:]
	}
}

// EventsSince returns buffered events with Seq > seq.
func (b *RuntimeTelemetryBuffer) EventsSince(seq int) []RuntimeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RuntimeEvent
	for _, e := range b.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
