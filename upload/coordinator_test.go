package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []models.PipelineTask
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task models.PipelineTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) Tasks() []models.PipelineTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.PipelineTask(nil), d.tasks...)
}

func newTestCoordinator() (*Coordinator, *store.MemoryStore, *storage.MemoryStore, *recordingDispatcher) {
	ledger := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	dispatch := &recordingDispatcher{}
	c := NewCoordinator(ledger, objects, dispatch, zap.NewNop().Sugar())
	return c, ledger, objects, dispatch
}

func TestStartValidates(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	_, err := c.Start(ctx, StartRequest{Size: 10})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = c.Start(ctx, StartRequest{Name: "a.mp4", Size: 0})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = c.Start(ctx, StartRequest{Name: "../evil", Size: 10})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestStartCreatesSession(t *testing.T) {
	c, ledger, _, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{
		Name: "report.pdf", ContentType: "application/pdf", Size: 30,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	require.Equal(t, models.StatusChunkUploading, res.Status)
	require.Empty(t, res.UploadID)

	stored, err := ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), stored.Offset)
}

func TestStartDirectSession(t *testing.T) {
	c, _, _, _ := newTestCoordinator()

	res, err := c.Start(context.Background(), StartRequest{
		Name: "big.mp4", ContentType: "video/mp4", Size: 1 << 30, DirectUpload: true,
	})
	require.NoError(t, err)
	require.True(t, res.IsMultipart)
	require.NotEmpty(t, res.UploadID)
}

func TestIngestChunksToCompletion(t *testing.T) {
	c, ledger, objects, dispatch := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{
		Name: "clip.mp4", ContentType: "video/mp4", Size: 30, NeedProcessing: true,
	})
	require.NoError(t, err)

	r1, err := c.Ingest(ctx, res.ID, make([]byte, 10), "")
	require.NoError(t, err)
	require.Equal(t, int64(10), r1.Offset)
	require.False(t, r1.Reached)

	mid, err := ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusChunkUploading, mid.Status)

	r2, err := c.Ingest(ctx, res.ID, make([]byte, 20), "")
	require.NoError(t, err)
	require.Equal(t, int64(30), r2.Offset)
	require.True(t, r2.Reached)

	done, err := ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUploadFinished, done.Status)
	require.True(t, done.IsCompleted)

	// The completion winner dispatched processing exactly once.
	tasks := dispatch.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, models.TaskProcessFile, tasks[0].TaskType)
	require.Equal(t, res.ID, tasks[0].ResourceID)

	// Both chunks were staged as objects.
	chunks, err := ledger.ListChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		_, ok := objects.Object(chunk.DataKey)
		require.True(t, ok)
	}
}

func TestIngestRejectsFinishedUpload(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{Name: "a.bin", Size: 10})
	require.NoError(t, err)

	_, err = c.Ingest(ctx, res.ID, make([]byte, 10), "")
	require.NoError(t, err)

	_, err = c.Ingest(ctx, res.ID, make([]byte, 10), "")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestIngestDuplicateToken(t *testing.T) {
	c, ledger, objects, dispatch := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{Name: "a.bin", Size: 30})
	require.NoError(t, err)

	first, err := c.Ingest(ctx, res.ID, make([]byte, 10), "tok-1")
	require.NoError(t, err)

	retry, err := c.Ingest(ctx, res.ID, make([]byte, 10), "tok-1")
	require.NoError(t, err)
	require.True(t, retry.Duplicate)
	require.Equal(t, first.Offset, retry.Offset)

	got, err := ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Offset)

	// Only the first commit's staged object survives.
	chunks, err := ledger.ListChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, objects.Keys(), 1)
	require.Empty(t, dispatch.Tasks())
}

func TestIngestUnknownResource(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	_, err := c.Ingest(context.Background(), "nope", []byte("data"), "")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestProbe(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{Name: "a.bin", Size: 30})
	require.NoError(t, err)

	_, err = c.Ingest(ctx, res.ID, make([]byte, 10), "")
	require.NoError(t, err)

	size, offset, err := c.Probe(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30), size)
	require.Equal(t, int64(10), offset)

	_, _, err = c.Probe(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCompleteDirectUpload(t *testing.T) {
	c, ledger, objects, dispatch := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{
		Name: "big.mp4", ContentType: "video/mp4", Size: 100, DirectUpload: true, NeedProcessing: true,
	})
	require.NoError(t, err)

	// No artifact in storage yet: complete refuses.
	err = c.Complete(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrValidation)

	require.NoError(t, objects.PutFile(ctx, res.StorageKey(), writeTempFile(t, 100), "video/mp4"))

	require.NoError(t, c.Complete(ctx, res.ID))
	require.NoError(t, c.Complete(ctx, res.ID)) // idempotent

	got, err := ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUploadFinished, got.Status)
	require.Len(t, dispatch.Tasks(), 1)
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestCompleteRejectsPartialChunkedUpload(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{Name: "a.bin", Size: 30})
	require.NoError(t, err)

	_, err = c.Ingest(ctx, res.ID, make([]byte, 10), "")
	require.NoError(t, err)

	err = c.Complete(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestDeleteRemovesStagedChunks(t *testing.T) {
	c, ledger, objects, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Start(ctx, StartRequest{Name: "a.bin", Size: 30})
	require.NoError(t, err)

	_, err = c.Ingest(ctx, res.ID, make([]byte, 10), "")
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, res.ID, false))
	require.Empty(t, objects.Keys())

	_, err = ledger.Get(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, c.Delete(ctx, res.ID, false))
}
