package telemetry_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/telemetry"
)

func TestSnapshotCarriesTimelineAndCounters(t *testing.T) {
	tel := telemetry.New()
	tel.Event("pre_state", nil)
	tel.Event("dispatch", map[string]interface{}{"action_type": "click"})
	tel.Incr("network_error_count", 2)

	snapshot := tel.Snapshot()
	assert.GreaterOrEqual(t, snapshot["elapsed_ms"].(int), 0)

	counters := snapshot["counters"].(map[string]interface{})
	assert.Equal(t, 2, counters["network_error_count"])
	assert.Equal(t, 0, counters["console_count"])

	timeline := snapshot["timeline"].([]interface{})
	require.Len(t, timeline, 2)
	first := timeline[0].(map[string]interface{})
	assert.Equal(t, "pre_state", first["phase"])
	second := timeline[1].(map[string]interface{})
	assert.Equal(t, "click", second["metadata"].(map[string]interface{})["action_type"])
}

func TestCountersCreateOnFirstIncrement(t *testing.T) {
	tel := telemetry.New()
	tel.Incr("retry_count", 1)
	tel.Incr("retry_count", 1)

	counters := tel.Snapshot()["counters"].(map[string]interface{})
	assert.Equal(t, 2, counters["retry_count"])
}

func TestJSONLSinkWritesCanonicalLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := telemetry.NewJSONLSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Emit(context.Background(), map[string]interface{}{
		"zeta": 1, "alpha": "first",
	}))
	require.NoError(t, sink.Emit(context.Background(), map[string]interface{}{
		"action_id": "act_abc", "success": true,
	}))

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"alpha":"first","zeta":1}`, lines[0])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, true, decoded["success"])
}

func TestNullSinkDropsEvents(t *testing.T) {
	var sink telemetry.Sink = telemetry.NullSink{}
	require.NoError(t, sink.Emit(context.Background(), map[string]interface{}{"event": "noop"}))
}
