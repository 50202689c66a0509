// Package audit persists the append-only action audit trail: one JSONL
// file per tenant and workflow, each record hash-chained to its
// predecessor and HMAC-signed when a signing key is configured.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
)

// Record is one audited action execution. FailureCode and the state ids
// stay untyped so null round-trips through the log unchanged.
type Record struct {
	RecordID           string                   `json:"record_id"`
	TS                 string                   `json:"ts"`
	TenantID           string                   `json:"tenant_id"`
	WorkflowID         string                   `json:"workflow_id"`
	ActionID           string                   `json:"action_id"`
	ContractJSON       string                   `json:"contract_json"`
	ActionHash         string                   `json:"action_hash"`
	Success            bool                     `json:"success"`
	FailureCode        interface{}              `json:"failure_code"`
	PreStateID         interface{}              `json:"pre_state_id"`
	PostStateID        interface{}              `json:"post_state_id"`
	StateDelta         map[string]interface{}   `json:"state_delta"`
	NetworkSummary     map[string]interface{}   `json:"network_summary"`
	Artifacts          []map[string]interface{} `json:"artifacts"`
	Telemetry          map[string]interface{}   `json:"telemetry"`
	Metadata           map[string]interface{}   `json:"metadata"`
	PreviousRecordHash string                   `json:"previous_record_hash"`
	Signature          string                   `json:"signature"`
	RecordHash         string                   `json:"record_hash"`
}

func (r Record) basePayload() map[string]interface{} {
	artifacts := make([]interface{}, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		artifacts = append(artifacts, a)
	}
	return map[string]interface{}{
		"record_id":            r.RecordID,
		"ts":                   r.TS,
		"tenant_id":            r.TenantID,
		"workflow_id":          r.WorkflowID,
		"action_id":            r.ActionID,
		"contract_json":        r.ContractJSON,
		"action_hash":          r.ActionHash,
		"success":              r.Success,
		"failure_code":         r.FailureCode,
		"pre_state_id":         r.PreStateID,
		"post_state_id":        r.PostStateID,
		"state_delta":          orEmptyMap(r.StateDelta),
		"network_summary":      orEmptyMap(r.NetworkSummary),
		"artifacts":            artifacts,
		"telemetry":            orEmptyMap(r.Telemetry),
		"metadata":             orEmptyMap(r.Metadata),
		"previous_record_hash": r.PreviousRecordHash,
	}
}

// ToMap projects the full record including signature and record hash.
func (r Record) ToMap() map[string]interface{} {
	payload := r.basePayload()
	payload["signature"] = r.Signature
	payload["record_hash"] = r.RecordHash
	return payload
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// Trail is the append-only audit log for all workflows on one node.
type Trail struct {
	root       string
	signingKey []byte

	mu       sync.Mutex
	lastHash map[string]string
}

func NewTrail(rootDir, signingKey string) (*Trail, error) {
	if rootDir == "" {
		rootDir = filepath.Join(os.TempDir(), "predator-audit")
	}
	if signingKey == "" {
		signingKey = os.Getenv("PREDATOR_AUDIT_SIGNING_KEY")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure root dir: %w", err)
	}
	return &Trail{
		root:       rootDir,
		signingKey: []byte(signingKey),
		lastHash:   map[string]string{},
	}, nil
}

func (t *Trail) workflowLog(tenantID, workflowID string) (string, error) {
	safeTenant := strings.ReplaceAll(tenantID, "/", "_")
	safeWorkflow := strings.ReplaceAll(workflowID, "/", "_")
	dir := filepath.Join(t.root, safeTenant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("audit: ensure tenant dir: %w", err)
	}
	return filepath.Join(dir, safeWorkflow+".jsonl"), nil
}

func (t *Trail) recordHash(payload map[string]interface{}) (string, error) {
	canonical, err := canonicalize.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize record: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

func (t *Trail) sign(payload map[string]interface{}) (string, error) {
	if len(t.signingKey) == 0 {
		return "", nil
	}
	canonical, err := canonicalize.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize for signing: %w", err)
	}
	mac := hmac.New(sha256.New, t.signingKey)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (t *Trail) verifySignature(payload map[string]interface{}, signature string) bool {
	if len(t.signingKey) == 0 {
		return signature == ""
	}
	expected, err := t.sign(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ResultPayload is the execution outcome fields copied into the record.
type ResultPayload struct {
	Success        bool
	FailureCode    string
	PreStateID     string
	PostStateID    string
	StateDelta     map[string]interface{}
	NetworkSummary map[string]interface{}
	Artifacts      []map[string]interface{}
	Telemetry      map[string]interface{}
	Metadata       map[string]interface{}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Append writes one record to the workflow's log and links it to the
// previous record's hash.
func (t *Trail) Append(tenantID, workflowID, actionID, canonicalContractJSON string, result ResultPayload) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	logPath, err := t.workflowLog(tenantID, workflowID)
	if err != nil {
		return Record{}, err
	}

	chainKey := tenantID + ":" + workflowID
	previousHash := t.lastHash[chainKey]
	if previousHash == "" {
		// A restart drops the in-memory tail; recover it from the log.
		if existing, err := t.readRecords(logPath); err == nil && len(existing) > 0 {
			previousHash = existing[len(existing)-1].RecordHash
		}
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	seed := fmt.Sprintf("%s|%s|%s|%s|%s", tenantID, workflowID, actionID, ts, previousHash)
	seedDigest := sha256.Sum256([]byte(seed))

	contractDigest := sha256.Sum256([]byte(canonicalContractJSON))
	record := Record{
		RecordID:           "ar_" + hex.EncodeToString(seedDigest[:])[:24],
		TS:                 ts,
		TenantID:           tenantID,
		WorkflowID:         workflowID,
		ActionID:           actionID,
		ContractJSON:       canonicalContractJSON,
		ActionHash:         hex.EncodeToString(contractDigest[:]),
		Success:            result.Success,
		FailureCode:        nullable(result.FailureCode),
		PreStateID:         nullable(result.PreStateID),
		PostStateID:        nullable(result.PostStateID),
		StateDelta:         orEmptyMap(result.StateDelta),
		NetworkSummary:     orEmptyMap(result.NetworkSummary),
		Artifacts:          result.Artifacts,
		Telemetry:          orEmptyMap(result.Telemetry),
		Metadata:           orEmptyMap(result.Metadata),
		PreviousRecordHash: previousHash,
	}

	base := record.basePayload()
	if record.Signature, err = t.sign(base); err != nil {
		return Record{}, err
	}
	if record.RecordHash, err = t.recordHash(base); err != nil {
		return Record{}, err
	}

	line, err := canonicalize.Canonical(record.ToMap())
	if err != nil {
		return Record{}, fmt.Errorf("audit: canonicalize line: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Record{}, fmt.Errorf("audit: sync log: %w", err)
	}

	t.lastHash[chainKey] = record.RecordHash
	return record, nil
}

func (t *Trail) readRecords(logPath string) ([]Record, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var record Record
		decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
		decoder.UseNumber()
		if err := decoder.Decode(&record); err != nil {
			return nil, fmt.Errorf("audit: corrupt record: %w", err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return records, nil
}

// ListRecords returns all records of a workflow in append order.
func (t *Trail) ListRecords(tenantID, workflowID string) ([]Record, error) {
	logPath, err := t.workflowLog(tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return t.readRecords(logPath)
}

// GetRecordByAction returns the first record for the given action id.
func (t *Trail) GetRecordByAction(tenantID, workflowID, actionID string) (Record, bool, error) {
	records, err := t.ListRecords(tenantID, workflowID)
	if err != nil {
		return Record{}, false, err
	}
	for _, record := range records {
		if record.ActionID == actionID {
			return record, true, nil
		}
	}
	return Record{}, false, nil
}

// VerifyChain recomputes every link, record hash, and signature. The
// detail names the first failing record index.
func (t *Trail) VerifyChain(tenantID, workflowID string) (bool, string, error) {
	records, err := t.ListRecords(tenantID, workflowID)
	if err != nil {
		return false, "", err
	}

	previousHash := ""
	for index, record := range records {
		if record.PreviousRecordHash != previousHash {
			return false, fmt.Sprintf("chain_link_mismatch_at_index_%d", index), nil
		}
		base := record.basePayload()
		computed, err := t.recordHash(base)
		if err != nil {
			return false, "", err
		}
		if computed != record.RecordHash {
			return false, fmt.Sprintf("record_hash_mismatch_at_index_%d", index), nil
		}
		if !t.verifySignature(base, record.Signature) {
			return false, fmt.Sprintf("record_signature_mismatch_at_index_%d", index), nil
		}
		previousHash = record.RecordHash
	}
	return true, "ok", nil
}

// ReplayTrace returns the workflow's records projected as maps, in
// append order.
func (t *Trail) ReplayTrace(tenantID, workflowID string) ([]map[string]interface{}, error) {
	records, err := t.ListRecords(tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	trace := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		trace = append(trace, record.ToMap())
	}
	return trace, nil
}
