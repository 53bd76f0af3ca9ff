package pipeline

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
)

type mediaFixture struct {
	media   *Media
	ledger  *store.MemoryStore
	objects *storage.MemoryStore
	catalog *countingCatalog
	tc      *fakeTranscoder
}

func newMediaFixture(t *testing.T) *mediaFixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	ledger := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	cat := newCountingCatalog()
	tc := &fakeTranscoder{}
	tracker := NewTracker(ledger, cat, log)

	media := NewMedia(ledger, objects, tc, tracker, cat, nil, t.TempDir(), "test-worker", time.Minute, log)
	return &mediaFixture{media: media, ledger: ledger, objects: objects, catalog: cat, tc: tc}
}

func (f *mediaFixture) putArtifact(t *testing.T, res *models.Resource) {
	t.Helper()
	data := []byte("source video bytes")
	require.NoError(t, f.objects.Put(context.Background(), res.StorageKey(), bytes.NewReader(data), int64(len(data)), res.ContentType))
}

func TestBuildRenditionsAllTiers(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := newVideoResource(t, f.ledger, models.StatusUploadFinished)
	f.putArtifact(t, res)

	require.NoError(t, f.media.BuildRenditions(ctx, res.ID))
	require.Equal(t, []models.Tier{models.Tier360p, models.Tier480p, models.Tier720p, models.Tier1080p}, f.tc.tiers())

	got, err := f.ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, got.AllRenditionsDone())
	require.Equal(t, models.StatusComplete, got.Status)
	require.NotEmpty(t, got.HLSURL)

	// Segments and playlists landed in the rendition folder.
	_, ok := f.objects.Object(res.HLSFolder() + "/output_360p0.ts")
	require.True(t, ok)
	_, ok = f.objects.Object(res.HLSFolder() + "/output_1080p.m3u8")
	require.True(t, ok)
	_, ok = f.objects.Object(res.HLSFolder() + "/output.m3u8")
	require.True(t, ok)

	// One push when streaming became viable at 720p, one at completion.
	require.Equal(t, 2, f.catalog.count(res.ID))
}

func TestBuildRenditionsSkipsDoneTiers(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := newVideoResource(t, f.ledger, models.StatusVideoProcessing)
	f.putArtifact(t, res)
	for _, tier := range []models.Tier{models.Tier360p, models.Tier480p} {
		_, err := f.ledger.MarkRenditionDone(ctx, res.ID, tier)
		require.NoError(t, err)
	}

	require.NoError(t, f.media.BuildRenditions(ctx, res.ID))

	// Only the missing tiers were encoded.
	require.Equal(t, []models.Tier{models.Tier720p, models.Tier1080p}, f.tc.tiers())

	got, err := f.ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, got.AllRenditionsDone())
	require.Equal(t, models.StatusComplete, got.Status)
}

func TestBuildRenditionsResumesAfterFailure(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := newVideoResource(t, f.ledger, models.StatusUploadFinished)
	f.putArtifact(t, res)

	f.tc.failHLS = map[models.Tier]bool{models.Tier720p: true}
	err := f.media.BuildRenditions(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrEncode)

	got, err := f.ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, got.Is360pDone)
	require.True(t, got.Is480pDone)
	require.False(t, got.Is720pDone)
	require.False(t, got.Is1080pDone)

	// The retry picks up where the failed run stopped.
	f.tc.failHLS = nil
	f.tc.hlsTiers = nil
	require.NoError(t, f.media.BuildRenditions(ctx, res.ID))
	require.Equal(t, []models.Tier{models.Tier720p, models.Tier1080p}, f.tc.tiers())
}

func TestBuildRenditionsConflictWhenLeaseHeld(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := newVideoResource(t, f.ledger, models.StatusVideoProcessing)
	f.putArtifact(t, res)

	won, err := f.ledger.AcquireLease(ctx, res.ID, "transcode", "other-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	err = f.media.BuildRenditions(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrConflict)
	require.Empty(t, f.tc.tiers())
}

func TestBuildRenditionsRunsUnderFinalizeLease(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := newVideoResource(t, f.ledger, models.StatusUploadFinished)
	f.putArtifact(t, res)

	// The completion flow holds the finalize lease while it hands work to
	// the transcoder; that must not starve the transcode lease.
	won, err := f.ledger.AcquireLease(ctx, res.ID, "finalize", "completion-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.media.BuildRenditions(ctx, res.ID))
	require.Len(t, f.tc.tiers(), 4)
}

func TestBuildRenditionsIgnoresNonVideo(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := &models.Resource{
		ID: uuid.NewString(), Name: "doc.pdf", ContentType: "application/pdf",
		Size: 10, Status: models.StatusUploadFinished,
	}
	require.NoError(t, f.ledger.Create(ctx, res))

	require.NoError(t, f.media.BuildRenditions(ctx, res.ID))
	require.Empty(t, f.tc.tiers())
}

func TestNormalizeToMP4(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := &models.Resource{
		ID: uuid.NewString(), Name: "raw.mov", ContentType: "video/quicktime",
		Size: 10, Status: models.StatusUploadFinished, IsCompleted: true,
		Company: "acme", CreatedBy: "user-1", NeedProcessing: true,
	}
	require.NoError(t, f.ledger.Create(ctx, res))
	f.putArtifact(t, res)

	require.NoError(t, f.media.NormalizeToMP4(ctx, res.ID))
	require.Equal(t, 1, f.tc.normalized)

	got, err := f.ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, "raw.mp4", got.Name)

	_, ok := f.objects.Object(got.StorageKey())
	require.True(t, ok)
	require.Equal(t, 1, f.catalog.count(res.ID))
}

func TestNormalizeToMP4MissingSource(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := &models.Resource{
		ID: uuid.NewString(), Name: "raw.mov", ContentType: "video/quicktime",
		Size: 10, Status: models.StatusUploadFinished, IsCompleted: true,
		Company: "acme", CreatedBy: "user-1", NeedProcessing: true,
	}
	require.NoError(t, f.ledger.Create(ctx, res))

	err := f.media.NormalizeToMP4(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrStorage)
}

func TestNormalizeSkipsExistingMP4(t *testing.T) {
	f := newMediaFixture(t)
	ctx := context.Background()

	res := newVideoResource(t, f.ledger, models.StatusUploadFinished)
	f.putArtifact(t, res)

	// A redelivered convert task for an already-normalized artifact must
	// not re-encode it.
	require.NoError(t, f.media.NormalizeToMP4(ctx, res.ID))
	require.Zero(t, f.tc.normalized)

	got, err := f.ledger.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, "clip.mp4", got.Name)
}

func TestMasterManifest(t *testing.T) {
	manifest := MasterManifest()
	require.True(t, strings.HasPrefix(manifest, "#EXTM3U\n"))
	for _, spec := range TierSpecs {
		require.Contains(t, manifest, spec.Playlist)
	}
	require.Contains(t, manifest, "BANDWIDTH=413696")
	require.Contains(t, manifest, "BANDWIDTH=4521984")
	require.Contains(t, manifest, "RESOLUTION=1280x720")
}
