package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
)

// Progress receives point-in-time pipeline progress snapshots.
type Progress interface {
	PublishProgress(ctx context.Context, progress models.ProcessingProgress) error
}

// Media orchestrates the external transcoding tool: MP4 normalization and
// adaptive HLS/DASH packaging. All heavy work runs under the per-resource
// transcode lease.
type Media struct {
	store      store.ResourceStore
	objects    storage.Store
	transcoder Transcoder
	tracker    *Tracker
	catalog    Catalog
	progress   Progress
	scratch    string
	owner      string
	leaseTTL   time.Duration
	log        *zap.SugaredLogger
}

func NewMedia(
	st store.ResourceStore,
	objects storage.Store,
	tc Transcoder,
	tracker *Tracker,
	catalog Catalog,
	progress Progress,
	scratchDir, owner string,
	leaseTTL time.Duration,
	log *zap.SugaredLogger,
) *Media {
	return &Media{
		store:      st,
		objects:    objects,
		transcoder: tc,
		tracker:    tracker,
		catalog:    catalog,
		progress:   progress,
		scratch:    scratchDir,
		owner:      owner,
		leaseTTL:   leaseTTL,
		log:        log,
	}
}

// NormalizeToMP4 re-encodes the source artifact into a baseline H.264/AAC
// MP4 and replaces the stored artifact. A failed encode leaves the resource
// untouched so a later trigger can retry.
func (m *Media) NormalizeToMP4(ctx context.Context, resourceID string) error {
	res, err := m.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if !res.IsVideo() {
		return nil
	}
	if strings.HasSuffix(strings.ToLower(res.Name), ".mp4") {
		// Already normalized, or uploaded as MP4 in the first place.
		m.log.Infow("artifact already mp4, skipping normalize", "resource_id", res.ID, "name", res.Name)
		return nil
	}

	owner, won, err := m.acquire(ctx, res.ID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: transcode lease for %s held elsewhere", errs.ErrConflict, res.ID)
	}
	defer m.store.ReleaseLease(context.Background(), res.ID, owner)

	sourceKey := res.StorageKey()
	exists, err := m.objects.Exists(ctx, sourceKey)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: source object %s missing", errs.ErrStorage, sourceKey)
	}

	input, err := m.objects.PresignedGetURL(ctx, sourceKey, time.Hour)
	if err != nil {
		return err
	}

	base := res.Name
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	outputName := base + ".mp4"
	outputPath := filepath.Join(m.scratch, fmt.Sprintf("%s-%s", res.ID, outputName))
	defer os.Remove(outputPath)

	if err := m.transcoder.NormalizeMP4(ctx, input, outputPath); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrEncode, err)
	}
	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: normalized output empty for %s", errs.ErrEncode, res.ID)
	}

	renamed := *res
	renamed.Name = outputName
	if err := m.objects.PutFile(ctx, renamed.StorageKey(), outputPath, "video/mp4"); err != nil {
		return err
	}
	if err := m.store.SetName(ctx, res.ID, outputName); err != nil {
		return err
	}

	updated, err := m.store.Get(ctx, res.ID)
	if err != nil {
		return err
	}
	if err := m.catalog.Push(ctx, updated); err != nil {
		m.log.Errorw("catalog push failed after normalize", "resource_id", res.ID, "error", err)
	}

	m.log.Infow("normalized to mp4", "resource_id", res.ID, "name", outputName)
	return nil
}

// BuildRenditions produces the adaptive HLS tiers in fixed order, skipping
// tiers already flagged done so a partial earlier run resumes instead of
// re-encoding. The master manifest and streaming URL are (re)published at
// the end of every attempt.
func (m *Media) BuildRenditions(ctx context.Context, resourceID string) error {
	res, err := m.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if !res.IsVideo() {
		return nil
	}

	owner, won, err := m.acquire(ctx, res.ID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: transcode lease for %s held elsewhere", errs.ErrConflict, res.ID)
	}
	defer m.store.ReleaseLease(context.Background(), res.ID, owner)

	if res.Status == models.StatusUploadFinished {
		if err := m.store.SetStatus(ctx, res.ID, models.StatusVideoProcessing); err != nil {
			m.log.Warnw("failed to set processing status", "resource_id", res.ID, "error", err)
		}
	}

	input, err := m.objects.PresignedGetURL(ctx, res.StorageKey(), time.Hour)
	if err != nil {
		return err
	}

	outDir := filepath.Join(m.scratch, res.Company, res.CreatedBy, res.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	for i, spec := range TierSpecs {
		if res.RenditionDone(spec.Tier) {
			continue
		}

		m.publishProgress(ctx, res.ID, models.StatusVideoProcessing, spec.Tier,
			5+(i*90)/len(TierSpecs), fmt.Sprintf("encoding %s", spec.Tier))

		playlistPath := filepath.Join(outDir, spec.Playlist)
		if err := m.transcoder.SegmentHLS(ctx, input, spec, playlistPath); err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrEncode, spec.Tier, err)
		}

		if err := m.uploadTierOutput(ctx, res, outDir, spec); err != nil {
			return err
		}

		if err := m.tracker.MarkDone(ctx, res.ID, spec.Tier); err != nil {
			m.log.Errorw("failed to flag rendition", "resource_id", res.ID, "tier", spec.Tier, "error", err)
		}
	}

	manifest := MasterManifest()
	manifestKey := res.HLSFolder() + "/output.m3u8"
	err = m.objects.Put(ctx, manifestKey, strings.NewReader(manifest), int64(len(manifest)),
		"application/vnd.apple.mpegurl")
	if err != nil {
		return err
	}

	hlsURL := m.objects.PublicURL(manifestKey)
	if err := m.store.SetStreamURLs(ctx, res.ID, hlsURL, ""); err != nil {
		return err
	}

	m.publishProgress(ctx, res.ID, models.StatusVideoProcessing, "", 100, "renditions complete")
	m.log.Infow("adaptive renditions built", "resource_id", res.ID, "manifest", manifestKey)
	return nil
}

// uploadTierOutput ships every local file belonging to one tier (segments
// plus playlist) to the rendition folder and removes the local copies so
// the watcher does not re-report them.
func (m *Media) uploadTierOutput(ctx context.Context, res *models.Resource, outDir string, spec TierSpec) error {
	prefix := strings.TrimSuffix(spec.Playlist, ".m3u8")

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("failed to read scratch dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		localPath := filepath.Join(outDir, entry.Name())
		if _, err := os.Stat(localPath); os.IsNotExist(err) {
			// The storage watcher beat us to this file.
			continue
		}
		key := res.HLSFolder() + "/" + entry.Name()

		contentType := "video/mp2t"
		if strings.HasSuffix(entry.Name(), ".m3u8") {
			contentType = "application/vnd.apple.mpegurl"
		}
		if err := m.objects.PutFile(ctx, key, localPath, contentType); err != nil {
			return err
		}
		os.Remove(localPath)
	}
	return nil
}

// GenerateDash packages a DASH manifest and segments next to the HLS
// renditions.
func (m *Media) GenerateDash(ctx context.Context, resourceID string) error {
	res, err := m.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if !res.IsVideo() {
		return nil
	}

	owner, won, err := m.acquire(ctx, res.ID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: transcode lease for %s held elsewhere", errs.ErrConflict, res.ID)
	}
	defer m.store.ReleaseLease(context.Background(), res.ID, owner)

	input, err := m.objects.PresignedGetURL(ctx, res.StorageKey(), time.Hour)
	if err != nil {
		return err
	}

	outDir := filepath.Join(m.scratch, "dash", res.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	manifestPath := filepath.Join(outDir, "manifest.mpd")
	if err := m.transcoder.SegmentDASH(ctx, input, manifestPath); err != nil {
		return fmt.Errorf("%w: dash: %v", errs.ErrEncode, err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("failed to read scratch dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := res.HLSFolder() + "/dash/" + entry.Name()
		contentType := "video/mp4"
		if strings.HasSuffix(entry.Name(), ".mpd") {
			contentType = "application/dash+xml"
		}
		if err := m.objects.PutFile(ctx, key, filepath.Join(outDir, entry.Name()), contentType); err != nil {
			return err
		}
	}

	dashURL := m.objects.PublicURL(res.HLSFolder() + "/dash/manifest.mpd")
	return m.store.SetStreamURLs(ctx, res.ID, "", dashURL)
}

// acquire takes the transcode lease under a per-attempt owner so duplicate
// tasks inside one process exclude each other as well.
func (m *Media) acquire(ctx context.Context, id string) (string, bool, error) {
	owner := m.owner + "#" + uuid.NewString()
	won, err := m.store.AcquireLease(ctx, id, "transcode", owner, m.leaseTTL)
	return owner, won, err
}

func (m *Media) publishProgress(ctx context.Context, resourceID string, status models.ResourceStatus, tier models.Tier, pct int, msg string) {
	if m.progress == nil {
		return
	}
	err := m.progress.PublishProgress(ctx, models.ProcessingProgress{
		ResourceID:  resourceID,
		Status:      status,
		CurrentTier: tier,
		Progress:    pct,
		Message:     msg,
		Timestamp:   time.Now(),
	})
	if err != nil {
		m.log.Debugw("progress publish failed", "resource_id", resourceID, "error", err)
	}
}

// MasterManifest lists every tier's playlist for adaptive playback.
func MasterManifest() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, spec := range TierSpecs {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=\"%d\"\n",
			spec.Bandwidth, spec.Width, spec.Height, spec.Height))
		b.WriteString(spec.Playlist + "\n")
	}
	return b.String()
}
