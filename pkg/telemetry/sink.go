package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
)

// Sink receives finished action telemetry envelopes.
type Sink interface {
	Emit(ctx context.Context, event map[string]interface{}) error
}

// NullSink drops every event.
type NullSink struct{}

func (NullSink) Emit(ctx context.Context, event map[string]interface{}) error {
	return nil
}

// JSONLSink appends canonical JSON lines to events.jsonl under its
// root directory.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

func NewJSONLSink(rootDir string) (*JSONLSink, error) {
	if rootDir == "" {
		rootDir = filepath.Join(os.TempDir(), "predator-telemetry")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: ensure sink dir: %w", err)
	}
	return &JSONLSink{path: filepath.Join(rootDir, "events.jsonl")}, nil
}

func (s *JSONLSink) Emit(ctx context.Context, event map[string]interface{}) error {
	line, err := canonicalize.Canonical(event)
	if err != nil {
		return fmt.Errorf("telemetry: canonicalize event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("telemetry: open sink: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("telemetry: write event: %w", err)
	}
	return nil
}
