package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/pipeline"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
)

// tierByPrefix maps a rendition output file to the tier it belongs to. Only
// the tier's own playlist or segments flag that tier; a neighbouring tier's
// files never do.
var tierByPrefix = map[string]models.Tier{
	"output_360p":  models.Tier360p,
	"output_480p":  models.Tier480p,
	"output_720p":  models.Tier720p,
	"output_1080p": models.Tier1080p,
}

// Watcher observes the transcoding scratch tree and ships a tier's output
// files to object storage once the encoder seals the tier's playlist,
// flagging the tier done afterwards. It is the second rendition-flag writer
// next to the media worker; both funnel through the tracker's monotonic
// flag update, so their races are harmless.
type Watcher struct {
	root    string
	store   store.ResourceStore
	objects storage.Store
	tracker *pipeline.Tracker
	fs      *fsnotify.Watcher
	log     *zap.SugaredLogger
}

func New(root string, st store.ResourceStore, objects storage.Store, tracker *pipeline.Tracker, log *zap.SugaredLogger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		store:   st,
		objects: objects,
		tracker: tracker,
		fs:      fs,
		log:     log,
	}
	if err := w.addTree(root); err != nil {
		fs.Close()
		return nil, err
	}
	return w, nil
}

// Run consumes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Errorw("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Warnw("failed to watch new dir", "path", event.Name, "error", err)
			}
			return
		}
	}

	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	prefix, tier, ok := tierForFile(filepath.Base(event.Name))
	if !ok {
		return
	}
	resourceID, ok := w.resourceFor(event.Name)
	if !ok {
		return
	}
	w.shipTier(ctx, resourceID, tier, prefix, filepath.Dir(event.Name))
}

// shipTier uploads a finished tier's segments and playlist, then flips the
// tier flag. The encoder appends to the playlist for the whole encode and
// seals it with an ENDLIST tag; until that tag lands, every file of the
// tier may still be written to and is left alone. Unknown resources
// (already deleted, or a foreign file in scratch) are skipped.
func (w *Watcher) shipTier(ctx context.Context, resourceID string, tier models.Tier, prefix, dir string) {
	playlistPath := filepath.Join(dir, prefix+".m3u8")
	playlist, err := os.ReadFile(playlistPath)
	if err != nil {
		// Playlist not written yet, or already shipped.
		return
	}
	if !strings.Contains(string(playlist), "#EXT-X-ENDLIST") {
		return
	}

	res, err := w.store.Get(ctx, resourceID)
	if err != nil {
		w.log.Debugw("ignoring output for unknown resource", "resource_id", resourceID, "dir", dir)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Errorw("failed to read rendition dir", "dir", dir, "error", err)
		return
	}

	// Segments first, so the shipped playlist never references a missing
	// object. The playlist upload marks the tier.
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".m3u8") {
			continue
		}
		if !w.shipFile(ctx, res, filepath.Join(dir, name)) {
			return
		}
	}
	if !w.shipFile(ctx, res, playlistPath) {
		return
	}

	if err := w.tracker.MarkDone(ctx, res.ID, tier); err != nil {
		w.log.Errorw("failed to flag rendition", "resource_id", res.ID, "tier", tier, "error", err)
		return
	}
	w.log.Debugw("shipped rendition", "resource_id", res.ID, "tier", tier)
}

// shipFile uploads one local file and removes the local copy. Files that
// vanished were shipped by the media worker already.
func (w *Watcher) shipFile(ctx context.Context, res *models.Resource, localPath string) bool {
	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		return true
	}

	name := filepath.Base(localPath)
	contentType := "video/mp2t"
	if strings.HasSuffix(name, ".m3u8") {
		contentType = "application/vnd.apple.mpegurl"
	}
	key := res.HLSFolder() + "/" + name
	if err := w.objects.PutFile(ctx, key, localPath, contentType); err != nil {
		w.log.Errorw("failed to ship rendition file", "key", key, "error", err)
		return false
	}
	os.Remove(localPath)
	return true
}

// resourceFor extracts the resource id from a scratch path laid out as
// <root>/<company>/<user>/<resource-id>/<file>.
func (w *Watcher) resourceFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return "", false
	}
	return parts[2], true
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

func tierForFile(name string) (string, models.Tier, bool) {
	for prefix, tier := range tierByPrefix {
		if strings.HasPrefix(name, prefix) {
			return prefix, tier, true
		}
	}
	return "", "", false
}
