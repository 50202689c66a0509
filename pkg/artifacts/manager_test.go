package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync-ai/predator/pkg/artifacts"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
)

func newManager(t *testing.T, mirror artifacts.BlobStore) *artifacts.Manager {
	t.Helper()
	manager, err := artifacts.NewManager(t.TempDir(), mirror)
	require.NoError(t, err)
	return manager
}

func TestRegisterExistingUploadDerivesContentID(t *testing.T) {
	manager := newManager(t, nil)
	src := filepath.Join(t.TempDir(), "invoice.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf-bytes"), 0o644))

	record, err := manager.RegisterExistingUpload(context.Background(), "wf-1", "act_abc", src)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(record.ArtifactID, "up_"))
	assert.Len(t, record.ArtifactID, 3+20)
	assert.Equal(t, int64(9), record.Size)

	// Identical bytes register under the same id.
	again, err := manager.RegisterExistingUpload(context.Background(), "wf-1", "act_def", src)
	require.NoError(t, err)
	assert.Equal(t, record.ArtifactID, again.ArtifactID)

	_, err = manager.RegisterExistingUpload(context.Background(), "wf-1", "act_abc", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSaveDownloadThroughDriverExpectation(t *testing.T) {
	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })
	bctx, err := browser.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)

	sim := page.(*drivertest.Page)
	require.NoError(t, sim.Goto(context.Background(), "https://app.example.com/reports"))
	sim.SetDOM([]*drivertest.Element{{
		Selector: "#export", Role: "button", Name: "Export CSV", Visible: true, Enabled: true,
		DownloadName: "report.csv", DownloadBody: []byte("id,total\n1,9.99\n"),
	}})

	download, err := sim.ExpectDownload(context.Background(), func(ctx context.Context) error {
		return sim.Locator("#export").Click(ctx)
	})
	require.NoError(t, err)

	manager := newManager(t, nil)
	record, err := manager.SaveDownload(context.Background(), "wf-1", "act_abc", download)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(record.ArtifactID, "dl_"))
	data, err := os.ReadFile(record.Path)
	require.NoError(t, err)
	assert.Equal(t, "id,total\n1,9.99\n", string(data))

	stored, ok := manager.GetRecord(record.ArtifactID)
	require.True(t, ok)
	assert.Equal(t, record.SHA256, stored.SHA256)
}

func TestMirrorReceivesBlob(t *testing.T) {
	mirror, err := artifacts.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	manager := newManager(t, mirror)

	src := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	record, err := manager.RegisterExistingUpload(context.Background(), "wf-1", "act_abc", src)
	require.NoError(t, err)
	require.NotEmpty(t, record.MirrorRef)

	exists, err := mirror.Exists(context.Background(), record.MirrorRef)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := mirror.Get(context.Background(), record.MirrorRef)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestWorkflowManifestIsStable(t *testing.T) {
	manager := newManager(t, nil)
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("alpha"), 0o644))
	_, err := manager.RegisterExistingUpload(context.Background(), "wf-1", "act_abc", src)
	require.NoError(t, err)

	manifest1, hash1, err := manager.WorkflowManifest("wf-1")
	require.NoError(t, err)
	manifest2, hash2, err := manager.WorkflowManifest("wf-1")
	require.NoError(t, err)

	assert.Equal(t, manifest1, manifest2)
	assert.Equal(t, hash1, hash2)
	assert.Contains(t, manifest1, `"workflow_id":"wf-1"`)
}

func TestPurgeWorkflowDropsRecordsAndFiles(t *testing.T) {
	manager := newManager(t, nil)

	browser := drivertest.NewBrowser()
	t.Cleanup(func() { _ = browser.Close(context.Background()) })
	bctx, err := browser.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	sim := page.(*drivertest.Page)
	sim.SetDOM([]*drivertest.Element{{
		Selector: "#export", Role: "button", Name: "Export", Visible: true, Enabled: true,
		DownloadName: "data.bin", DownloadBody: []byte("bytes"),
	}})

	download, err := sim.ExpectDownload(context.Background(), func(ctx context.Context) error {
		return sim.Locator("#export").Click(ctx)
	})
	require.NoError(t, err)
	record, err := manager.SaveDownload(context.Background(), "wf-purge", "act_abc", download)
	require.NoError(t, err)

	require.NoError(t, manager.PurgeWorkflow("wf-purge"))

	_, ok := manager.GetRecord(record.ArtifactID)
	assert.False(t, ok)
	_, err = os.Stat(record.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, manager.ListWorkflowRecords("wf-purge"))
}
