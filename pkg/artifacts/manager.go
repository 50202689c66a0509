package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
	"github.com/mindsync-ai/predator/pkg/driver"
)

// Record describes one registered artifact. The artifact id derives from
// the file's content hash, so re-registering identical bytes yields the
// same id.
type Record struct {
	ArtifactID string `json:"artifact_id"`
	WorkflowID string `json:"workflow_id"`
	ActionID   string `json:"action_id"`
	Path       string `json:"path"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	MirrorRef  string `json:"mirror_ref"`
}

// Manager owns artifact files and their records for all workflows on one
// node. A nil mirror keeps artifacts local only.
type Manager struct {
	root   string
	mirror BlobStore

	mu      sync.Mutex
	records map[string]Record
}

func NewManager(rootDir string, mirror BlobStore) (*Manager, error) {
	if rootDir == "" {
		rootDir = filepath.Join(os.TempDir(), "predator-artifacts")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure root dir: %w", err)
	}
	return &Manager{root: rootDir, mirror: mirror, records: map[string]Record{}}, nil
}

func (m *Manager) workflowDir(workflowID string) (string, error) {
	safe := strings.ReplaceAll(workflowID, "/", "_")
	dir := filepath.Join(m.root, safe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: ensure workflow dir: %w", err)
	}
	return dir, nil
}

func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("artifacts: open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("artifacts: hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (m *Manager) mirrorFile(ctx context.Context, path string) (string, error) {
	if m.mirror == nil {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("artifacts: read for mirror: %w", err)
	}
	return m.mirror.Store(ctx, data)
}

// RegisterExistingUpload records a file that will be fed into an upload
// action. The file stays in place.
func (m *Manager) RegisterExistingUpload(ctx context.Context, workflowID, actionID, sourcePath string) (Record, error) {
	info, err := os.Stat(sourcePath)
	if err != nil || info.IsDir() {
		return Record{}, fmt.Errorf("artifacts: upload source not found: %s", sourcePath)
	}

	digest, size, err := fileSHA256(sourcePath)
	if err != nil {
		return Record{}, err
	}
	mirrorRef, err := m.mirrorFile(ctx, sourcePath)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		ArtifactID: "up_" + digest[:20],
		WorkflowID: workflowID,
		ActionID:   actionID,
		Path:       sourcePath,
		Mime:       "application/octet-stream",
		Size:       size,
		SHA256:     digest,
		MirrorRef:  mirrorRef,
	}
	m.mu.Lock()
	m.records[record.ArtifactID] = record
	m.mu.Unlock()
	return record, nil
}

// SaveDownload persists a completed download into the workflow directory
// and records it.
func (m *Manager) SaveDownload(ctx context.Context, workflowID, actionID string, download driver.Download) (Record, error) {
	dir, err := m.workflowDir(workflowID)
	if err != nil {
		return Record{}, err
	}
	name := download.SuggestedFilename()
	if name == "" {
		name = "download.bin"
	}
	target := filepath.Join(dir, name)
	if err := download.SaveAs(ctx, target); err != nil {
		return Record{}, fmt.Errorf("artifacts: save download: %w", err)
	}

	digest, size, err := fileSHA256(target)
	if err != nil {
		return Record{}, err
	}
	mirrorRef, err := m.mirrorFile(ctx, target)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		ArtifactID: "dl_" + digest[:20],
		WorkflowID: workflowID,
		ActionID:   actionID,
		Path:       target,
		Mime:       "application/octet-stream",
		Size:       size,
		SHA256:     digest,
		MirrorRef:  mirrorRef,
	}
	m.mu.Lock()
	m.records[record.ArtifactID] = record
	m.mu.Unlock()
	return record, nil
}

// GetRecord returns a record by artifact id.
func (m *Manager) GetRecord(artifactID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[artifactID]
	return record, ok
}

// ListWorkflowRecords returns the workflow's records sorted by artifact
// id.
func (m *Manager) ListWorkflowRecords(workflowID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, record := range m.records {
		if record.WorkflowID == workflowID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out
}

// WorkflowManifest returns the canonical manifest of a workflow's
// artifacts and its content hash. The hash is stable across nodes that
// hold the same records.
func (m *Manager) WorkflowManifest(workflowID string) (string, string, error) {
	records := m.ListWorkflowRecords(workflowID)
	entries := make([]interface{}, 0, len(records))
	for _, record := range records {
		entries = append(entries, map[string]interface{}{
			"artifact_id": record.ArtifactID,
			"action_id":   record.ActionID,
			"mime":        record.Mime,
			"size":        record.Size,
			"sha256":      record.SHA256,
		})
	}
	manifest := map[string]interface{}{
		"workflow_id": workflowID,
		"artifacts":   entries,
	}
	canonical, err := canonicalize.CanonicalString(manifest)
	if err != nil {
		return "", "", err
	}
	return canonical, canonicalize.HashBytes([]byte(canonical)), nil
}

// PurgeWorkflow deletes the workflow's directory and drops its records.
// Mirrored blobs are retained.
func (m *Manager) PurgeWorkflow(workflowID string) error {
	dir, err := m.workflowDir(workflowID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("artifacts: purge workflow dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, record := range m.records {
		if record.WorkflowID == workflowID {
			delete(m.records, id)
		}
	}
	return nil
}
