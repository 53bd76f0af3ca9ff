package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
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

// Orchestrator owns the post-upload completion flow: assemble the staged
// chunks into the canonical artifact, generate the preview, and hand video
// resources to the transcoding workers. It is the single entry point behind
// the process_file task.
type Orchestrator struct {
	store    store.ResourceStore
	objects  storage.Store
	catalog  Catalog
	previews *Previewer
	tc       Transcoder
	dispatch Dispatcher
	owner    string
	leaseTTL time.Duration
	scratch  string
	log      *zap.SugaredLogger
}

func NewOrchestrator(
	st store.ResourceStore,
	objects storage.Store,
	catalog Catalog,
	previews *Previewer,
	tc Transcoder,
	owner string,
	leaseTTL time.Duration,
	scratchDir string,
	log *zap.SugaredLogger,
) *Orchestrator {
	return &Orchestrator{
		store:    st,
		objects:  objects,
		catalog:  catalog,
		previews: previews,
		tc:       tc,
		owner:    owner,
		leaseTTL: leaseTTL,
		scratch:  scratchDir,
		log:      log,
	}
}

// SetDispatcher wires the task dispatcher after construction; the dispatcher
// itself needs the task runner, which needs the orchestrator.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatch = d }

// Trigger runs the completion flow for one finished upload. Concurrent
// triggers for the same resource serialize on the finalize lease: the loser
// gets errs.ErrConflict and callers treat it as a dropped duplicate, since
// the winner (or a later retry after lease expiry) covers the work.
func (o *Orchestrator) Trigger(ctx context.Context, resourceID string) error {
	// Unique per attempt so concurrent triggers inside one process exclude
	// each other too.
	owner := o.owner + "#" + uuid.NewString()
	won, err := o.store.AcquireLease(ctx, resourceID, "finalize", owner, o.leaseTTL)
	if err != nil {
		return err
	}
	if !won {
		if _, err := o.store.Get(ctx, resourceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: finalize lease for %s held elsewhere", errs.ErrConflict, resourceID)
	}
	defer o.store.ReleaseLease(context.Background(), resourceID, owner)

	res, err := o.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if res.Status == models.StatusChunkUploading {
		return fmt.Errorf("%w: resource %s still uploading", errs.ErrValidation, res.ID)
	}

	localPath, err := o.assemble(ctx, res)
	if err != nil {
		return err
	}
	if localPath != "" {
		defer os.Remove(localPath)
	}

	if err := o.previews.Generate(ctx, res, localPath); err != nil {
		o.log.Errorw("preview generation failed", "resource_id", res.ID, "error", err)
	}

	if res.NeedsTranscoding() {
		task := models.PipelineTask{TaskType: models.TaskConvertToMP4, ResourceID: res.ID}
		if err := o.dispatch.Dispatch(ctx, task); err != nil {
			o.log.Errorw("failed to dispatch transcode", "resource_id", res.ID, "error", err)
		}
	} else if res.Status != models.StatusComplete {
		if err := o.store.SetStatus(ctx, res.ID, models.StatusComplete); err != nil {
			return err
		}
	}

	updated, err := o.store.Get(ctx, res.ID)
	if err != nil {
		return err
	}
	if err := o.catalog.Push(ctx, updated); err != nil {
		o.log.Errorw("catalog push failed", "resource_id", res.ID, "error", err)
	}

	o.log.Infow("completion flow finished", "resource_id", res.ID, "name", res.Name)
	return nil
}

// assemble concatenates the staged chunk objects in index order into one
// local file, ships it to the canonical key, then clears the staged objects
// and chunk rows. Audio sources are converted to MP3 before shipping. An
// empty chunk list means an earlier run already assembled; the local path
// comes back empty and downstream steps fetch from storage instead.
func (o *Orchestrator) assemble(ctx context.Context, res *models.Resource) (string, error) {
	chunks, err := o.store.ListChunks(ctx, res.ID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		o.log.Infow("no staged chunks, artifact already assembled", "resource_id", res.ID)
		return "", nil
	}

	localPath := filepath.Join(o.scratch, fmt.Sprintf("%s-%s", res.ID, res.Name))
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create assembly file: %w", err)
	}

	for _, chunk := range chunks {
		obj, err := o.objects.Get(ctx, chunk.DataKey)
		if err != nil {
			out.Close()
			os.Remove(localPath)
			return "", fmt.Errorf("chunk %d of %s: %w", chunk.ChunkIndex, res.ID, err)
		}
		_, err = io.Copy(out, obj)
		obj.Close()
		if err != nil {
			out.Close()
			os.Remove(localPath)
			return "", fmt.Errorf("failed to append chunk %d: %w", chunk.ChunkIndex, err)
		}
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	shipped := *res
	if res.IsAudio() && !strings.HasSuffix(res.Name, ".mp3") {
		mp3Path := localPath + ".mp3"
		if err := o.tc.ToMP3(ctx, localPath, mp3Path); err != nil {
			o.log.Warnw("mp3 conversion failed, keeping source format", "resource_id", res.ID, "error", err)
		} else {
			os.Remove(localPath)
			localPath = mp3Path
			base := strings.TrimSuffix(res.Name, filepath.Ext(res.Name))
			shipped.Name = base + ".mp3"
			if err := o.store.SetName(ctx, res.ID, shipped.Name); err != nil {
				return "", err
			}
			res.Name = shipped.Name
		}
	}

	if err := o.objects.PutFile(ctx, shipped.StorageKey(), localPath, res.ContentType); err != nil {
		os.Remove(localPath)
		return "", err
	}

	for _, chunk := range chunks {
		if err := o.objects.Delete(ctx, chunk.DataKey); err != nil {
			o.log.Warnw("failed to delete staged chunk", "key", chunk.DataKey, "error", err)
		}
	}
	if err := o.store.TombstoneChunks(ctx, res.ID); err != nil {
		return "", err
	}

	o.log.Infow("artifact assembled", "resource_id", res.ID, "chunks", len(chunks), "key", shipped.StorageKey())
	return localPath, nil
}

// Recover scans the ledger after a restart and resumes or tears down
// whatever the previous process left behind. Finished uploads and
// mid-transcode videos get a fresh process_file pass; the pipeline's
// idempotence makes re-triggering safe. Half-uploaded resources are torn
// down since the client's session is gone.
func (o *Orchestrator) Recover(ctx context.Context) error {
	resources, err := o.store.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range resources {
		res := &resources[i]
		switch res.Status {
		case models.StatusUploadFinished, models.StatusVideoProcessing:
			task := models.PipelineTask{TaskType: models.TaskProcessFile, ResourceID: res.ID}
			if err := o.dispatch.Dispatch(ctx, task); err != nil {
				o.log.Errorw("recovery dispatch failed", "resource_id", res.ID, "error", err)
			} else {
				o.log.Infow("recovery re-triggered processing", "resource_id", res.ID, "status", res.Status)
			}
		case models.StatusChunkUploading:
			if err := o.teardown(ctx, res); err != nil {
				o.log.Errorw("recovery teardown failed", "resource_id", res.ID, "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context, res *models.Resource) error {
	chunks, err := o.store.ListChunks(ctx, res.ID)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := o.objects.Delete(ctx, chunk.DataKey); err != nil && !errors.Is(err, errs.ErrNotFound) {
			o.log.Warnw("failed to delete staged chunk", "key", chunk.DataKey, "error", err)
		}
	}
	if err := o.store.Tombstone(ctx, res.ID); err != nil {
		return err
	}
	o.log.Infow("recovery tore down abandoned upload", "resource_id", res.ID)
	return nil
}
