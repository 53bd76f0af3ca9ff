package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/store"
)

// Catalog is the downstream metadata sink. Pushes are idempotent by
// resource id.
type Catalog interface {
	Push(ctx context.Context, res *models.Resource) error
}

// Tracker is the single authoritative writer for rendition completion
// flags. Both the inline encode path and the storage watcher report through
// it; the underlying update is conditional and monotonic, so the two
// writers can race freely.
type Tracker struct {
	store   store.ResourceStore
	catalog Catalog
	log     *zap.SugaredLogger
}

func NewTracker(st store.ResourceStore, catalog Catalog, log *zap.SugaredLogger) *Tracker {
	return &Tracker{store: st, catalog: catalog, log: log}
}

// MarkDone flips one tier flag. The first writer to report a tier wins;
// later reports are dropped. Reaching the streaming-ready tier republishes
// catalog metadata, and completing the final outstanding tier promotes the
// resource to COMPLETE.
func (t *Tracker) MarkDone(ctx context.Context, resourceID string, tier models.Tier) error {
	changed, err := t.store.MarkRenditionDone(ctx, resourceID, tier)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	t.log.Infow("rendition done", "resource_id", resourceID, "tier", tier)

	res, err := t.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}

	if res.IsCompleted && res.AllRenditionsDone() && res.Status != models.StatusComplete {
		if err := t.store.SetStatus(ctx, resourceID, models.StatusComplete); err != nil {
			return err
		}
		res.Status = models.StatusComplete
		t.log.Infow("all renditions complete", "resource_id", resourceID)
	}

	if tier == models.Tier720p || res.Status == models.StatusComplete {
		if err := t.catalog.Push(ctx, res); err != nil {
			// Replayed on the next flag update or pipeline retry.
			t.log.Errorw("catalog push failed after rendition", "resource_id", resourceID, "error", err)
		}
	}
	return nil
}
