package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/pipeline"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
)

// StartRequest carries everything a client declares when opening an upload.
type StartRequest struct {
	Name        string
	ContentType string
	Directory   string
	Size        int64

	CreatedBy   string
	Company     string
	CompanyUser string
	Department  string

	// NeedProcessing opts a video into the transcoding pipeline.
	NeedProcessing bool

	// DirectUpload requests a resumable storage session instead of chunked
	// ingestion through this service.
	DirectUpload bool
}

// Coordinator owns the upload lifecycle: session creation, chunk ingestion
// with offset accounting, completion detection, and teardown.
type Coordinator struct {
	store    store.ResourceStore
	objects  storage.Store
	dispatch pipeline.Dispatcher
	log      *zap.SugaredLogger
}

func NewCoordinator(st store.ResourceStore, objects storage.Store, dispatch pipeline.Dispatcher, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: st, objects: objects, dispatch: dispatch, log: log}
}

// Start registers a new upload session. In direct mode the returned
// resource carries a resumable storage URL in UploadID and the service
// only tracks metadata; otherwise chunks flow through Ingest.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*models.Resource, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", errs.ErrValidation)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", errs.ErrValidation)
	}
	if strings.Contains(req.Name, "/") {
		return nil, fmt.Errorf("%w: name must not contain path separators", errs.ErrValidation)
	}

	res := &models.Resource{
		ID:             uuid.NewString(),
		Name:           req.Name,
		ContentType:    req.ContentType,
		Directory:      req.Directory,
		Size:           req.Size,
		Status:         models.StatusChunkUploading,
		CreatedBy:      req.CreatedBy,
		Company:        req.Company,
		CompanyUser:    req.CompanyUser,
		Department:     req.Department,
		NeedProcessing: req.NeedProcessing,
		IsMultipart:    req.DirectUpload,
	}

	if req.DirectUpload {
		sessionURL, err := c.objects.ResumableSessionURL(ctx, res.StorageKey(), req.ContentType, req.Size)
		if err != nil {
			return nil, err
		}
		res.UploadID = sessionURL
	}

	if err := c.store.Create(ctx, res); err != nil {
		return nil, err
	}

	c.log.Infow("upload session started",
		"resource_id", res.ID, "name", res.Name, "size", res.Size, "direct", req.DirectUpload)
	return res, nil
}

// Ingest commits one chunk: stage the bytes as an object, record the chunk
// row, advance the offset. A retried chunk carrying a known token is
// answered with the original result and its re-staged bytes discarded.
// The caller that wins the completion transition dispatches processing.
func (c *Coordinator) Ingest(ctx context.Context, resourceID string, data []byte, token string) (*store.AppendResult, error) {
	res, err := c.store.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if res.Status != models.StatusChunkUploading {
		return nil, fmt.Errorf("%w: upload of %s already finished", errs.ErrValidation, res.ID)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", errs.ErrValidation)
	}

	chunk := &models.Chunk{
		ID:         uuid.NewString(),
		ResourceID: res.ID,
		Token:      token,
		Size:       int64(len(data)),
	}
	chunk.DataKey = storage.ChunkKey(res.ID, chunk.ID)

	if err := c.objects.Put(ctx, chunk.DataKey, bytes.NewReader(data), chunk.Size, "application/octet-stream"); err != nil {
		return nil, err
	}

	result, err := c.store.AppendChunk(ctx, res.ID, chunk)
	if err != nil {
		c.cleanupStaged(chunk.DataKey)
		return nil, err
	}
	if result.Duplicate {
		// The earlier commit's object is the one assembly will read.
		c.cleanupStaged(chunk.DataKey)
		c.log.Infow("duplicate chunk ignored", "resource_id", res.ID, "token", token)
		return result, nil
	}

	if result.Reached {
		won, err := c.store.FinishUpload(ctx, res.ID)
		if err != nil {
			return nil, err
		}
		if won {
			c.log.Infow("upload finished", "resource_id", res.ID, "chunks", result.Index)
			task := models.PipelineTask{TaskType: models.TaskProcessFile, ResourceID: res.ID}
			if err := c.dispatch.Dispatch(ctx, task); err != nil {
				// The restart scan re-triggers finished uploads, so a failed
				// dispatch is not fatal to the committed upload.
				c.log.Errorw("failed to dispatch processing", "resource_id", res.ID, "error", err)
			}
		}
	}
	return result, nil
}

// Complete is the client's explicit finish signal, required for direct
// uploads where no chunks flow through the service. Calling it again once
// the upload is finished is a no-op; the conditional transition keeps the
// processing dispatch to a single winner.
func (c *Coordinator) Complete(ctx context.Context, resourceID string) error {
	res, err := c.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if res.Status != models.StatusChunkUploading {
		return nil
	}
	if !res.IsMultipart && res.Offset < res.Size {
		return fmt.Errorf("%w: upload incomplete (%d of %d bytes)", errs.ErrValidation, res.Offset, res.Size)
	}
	if res.IsMultipart {
		exists, err := c.objects.Exists(ctx, res.StorageKey())
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: artifact not found in storage", errs.ErrValidation)
		}
	}

	won, err := c.store.FinishUpload(ctx, res.ID)
	if err != nil {
		return err
	}
	if won {
		c.log.Infow("upload completed by client signal", "resource_id", res.ID)
		task := models.PipelineTask{TaskType: models.TaskProcessFile, ResourceID: res.ID}
		if err := c.dispatch.Dispatch(ctx, task); err != nil {
			c.log.Errorw("failed to dispatch processing", "resource_id", res.ID, "error", err)
		}
	}
	return nil
}

// Probe reports the session's declared size and committed offset.
func (c *Coordinator) Probe(ctx context.Context, resourceID string) (size, offset int64, err error) {
	res, err := c.store.Get(ctx, resourceID)
	if err != nil {
		return 0, 0, err
	}
	return res.Size, res.Offset, nil
}

// Delete tears an upload down: staged chunk objects go, the ledger rows are
// tombstoned, and with abort set the assembled artifact is removed too.
// Deleting an unknown or already-deleted resource is not an error.
func (c *Coordinator) Delete(ctx context.Context, resourceID string, abort bool) error {
	res, err := c.store.Get(ctx, resourceID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	chunks, err := c.store.ListChunks(ctx, res.ID)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := c.objects.Delete(ctx, chunk.DataKey); err != nil && !errors.Is(err, errs.ErrNotFound) {
			c.log.Warnw("failed to delete staged chunk", "key", chunk.DataKey, "error", err)
		}
	}

	if abort || res.Status != models.StatusChunkUploading {
		if err := c.objects.Delete(ctx, res.StorageKey()); err != nil && !errors.Is(err, errs.ErrNotFound) {
			c.log.Warnw("failed to delete artifact", "key", res.StorageKey(), "error", err)
		}
	}

	if err := c.store.Tombstone(ctx, res.ID); err != nil {
		return err
	}
	c.log.Infow("upload deleted", "resource_id", res.ID, "abort", abort)
	return nil
}

func (c *Coordinator) cleanupStaged(key string) {
	if err := c.objects.Delete(context.Background(), key); err != nil && !errors.Is(err, errs.ErrNotFound) {
		c.log.Warnw("failed to delete staged chunk", "key", key, "error", err)
	}
}
