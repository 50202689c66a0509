package audit_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/audit"
)

func appendN(t *testing.T, trail *audit.Trail, n int) []audit.Record {
	t.Helper()
	records := make([]audit.Record, 0, n)
	for i := 0; i < n; i++ {
		record, err := trail.Append("tenant-a", "wf-1", "act_"+strings.Repeat("a", 20)+string(rune('0'+i)),
			`{"intent":"click submit"}`, audit.ResultPayload{
				Success:     i%2 == 0,
				FailureCode: map[bool]string{true: "", false: "WAIT_TIMEOUT"}[i%2 == 0],
				PreStateID:  "s_pre",
				PostStateID: "s_post",
				StateDelta:  map[string]interface{}{"changed_sections": []interface{}{"elements"}},
				Telemetry:   map[string]interface{}{"total_ms": 42},
			})
		require.NoError(t, err)
		records = append(records, record)
	}
	return records
}

func TestAppendChainsRecords(t *testing.T) {
	trail, err := audit.NewTrail(t.TempDir(), "")
	require.NoError(t, err)

	records := appendN(t, trail, 3)

	assert.True(t, strings.HasPrefix(records[0].RecordID, "ar_"))
	assert.Empty(t, records[0].PreviousRecordHash)
	assert.Equal(t, records[0].RecordHash, records[1].PreviousRecordHash)
	assert.Equal(t, records[1].RecordHash, records[2].PreviousRecordHash)

	ok, detail, err := trail.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ok", detail)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.NewTrail(dir, "")
	require.NoError(t, err)
	appendN(t, trail, 3)

	logPath := filepath.Join(dir, "tenant-a", "wf-1.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"success":true`, `"success":false`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0o644))

	ok, detail, err := trail.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "record_hash_mismatch_at_index_0", detail)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.NewTrail(dir, "")
	require.NoError(t, err)
	appendN(t, trail, 3)

	logPath := filepath.Join(dir, "tenant-a", "wf-1.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	// Drop the middle record so the third no longer links to its
	// predecessor.
	require.NoError(t, os.WriteFile(logPath, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o644))

	ok, detail, err := trail.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "chain_link_mismatch_at_index_1", detail)
}

func TestSignedRecordsVerify(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.NewTrail(dir, "audit-signing-key")
	require.NoError(t, err)
	records := appendN(t, trail, 2)
	assert.NotEmpty(t, records[0].Signature)

	ok, detail, err := trail.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ok", detail)

	// A trail opened with a different key rejects the signatures.
	other, err := audit.NewTrail(dir, "rotated-key")
	require.NoError(t, err)
	ok, detail, err = other.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "record_signature_mismatch_at_index_0", detail)
}

func TestChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.NewTrail(dir, "")
	require.NoError(t, err)
	first := appendN(t, trail, 1)

	reopened, err := audit.NewTrail(dir, "")
	require.NoError(t, err)
	record, err := reopened.Append("tenant-a", "wf-1", "act_after_restart", `{}`, audit.ResultPayload{Success: true})
	require.NoError(t, err)

	assert.Equal(t, first[0].RecordHash, record.PreviousRecordHash)
	ok, _, err := reopened.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetRecordByActionAndReplayTrace(t *testing.T) {
	trail, err := audit.NewTrail(t.TempDir(), "")
	require.NoError(t, err)
	records := appendN(t, trail, 3)

	found, ok, err := trail.GetRecordByAction("tenant-a", "wf-1", records[1].ActionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, records[1].RecordHash, found.RecordHash)
	assert.Equal(t, "WAIT_TIMEOUT", found.FailureCode)

	_, ok, err = trail.GetRecordByAction("tenant-a", "wf-1", "act_unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	trace, err := trail.ReplayTrace("tenant-a", "wf-1")
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.Equal(t, records[0].RecordID, trace[0]["record_id"])
	assert.Equal(t, records[2].RecordHash, trace[2]["record_hash"])
}
