package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/store"
)

// fakeTranscoder writes placeholder output files instead of invoking
// ffmpeg, recording what was asked of it.
type fakeTranscoder struct {
	mu         sync.Mutex
	frames     int
	normalized int
	mp3s       int
	hlsTiers   []models.Tier

	failHLS map[models.Tier]bool
}

func (f *fakeTranscoder) ExtractFrame(_ context.Context, _, outputPath string) error {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
	return os.WriteFile(outputPath, []byte("jpeg"), 0o644)
}

func (f *fakeTranscoder) NormalizeMP4(_ context.Context, _, outputPath string) error {
	f.mu.Lock()
	f.normalized++
	f.mu.Unlock()
	return os.WriteFile(outputPath, []byte("mp4"), 0o644)
}

func (f *fakeTranscoder) SegmentHLS(_ context.Context, _ string, spec TierSpec, playlistPath string) error {
	f.mu.Lock()
	fail := f.failHLS[spec.Tier]
	if !fail {
		f.hlsTiers = append(f.hlsTiers, spec.Tier)
	}
	f.mu.Unlock()
	if fail {
		return os.ErrInvalid
	}

	dir := filepath.Dir(playlistPath)
	prefix := strings.TrimSuffix(spec.Playlist, ".m3u8")
	if err := os.WriteFile(filepath.Join(dir, prefix+"0.ts"), []byte("ts"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, prefix+"1.ts"), []byte("ts"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(playlistPath, []byte("#EXTM3U\n"), 0o644)
}

func (f *fakeTranscoder) SegmentDASH(_ context.Context, _, manifestPath string) error {
	return os.WriteFile(manifestPath, []byte("<MPD/>"), 0o644)
}

func (f *fakeTranscoder) ToMP3(_ context.Context, _, outputPath string) error {
	f.mu.Lock()
	f.mp3s++
	f.mu.Unlock()
	return os.WriteFile(outputPath, []byte("mp3"), 0o644)
}

func (f *fakeTranscoder) normalizedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.normalized
}

func (f *fakeTranscoder) tiers() []models.Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Tier(nil), f.hlsTiers...)
}

// countingCatalog records catalog pushes per resource.
type countingCatalog struct {
	mu     sync.Mutex
	pushes map[string]int
	last   map[string]models.Resource
}

func newCountingCatalog() *countingCatalog {
	return &countingCatalog{pushes: make(map[string]int), last: make(map[string]models.Resource)}
}

func (c *countingCatalog) Push(_ context.Context, res *models.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes[res.ID]++
	c.last[res.ID] = *res
	return nil
}

func (c *countingCatalog) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[id]
}

// capturingDispatcher records dispatched tasks without running them.
type capturingDispatcher struct {
	mu    sync.Mutex
	tasks []models.PipelineTask
}

func (d *capturingDispatcher) Dispatch(_ context.Context, task models.PipelineTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *capturingDispatcher) captured() []models.PipelineTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.PipelineTask(nil), d.tasks...)
}

func newVideoResource(t *testing.T, ledger *store.MemoryStore, status models.ResourceStatus) *models.Resource {
	t.Helper()
	res := &models.Resource{
		ID:             uuid.NewString(),
		Name:           "clip.mp4",
		ContentType:    "video/mp4",
		Size:           30,
		Offset:         30,
		Status:         status,
		IsCompleted:    status != models.StatusChunkUploading,
		Company:        "acme",
		CreatedBy:      "user-1",
		NeedProcessing: true,
	}
	require.NoError(t, ledger.Create(context.Background(), res))
	return res
}
