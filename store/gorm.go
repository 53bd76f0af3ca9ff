package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
)

// GormStore is the Postgres-backed ledger.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, res *models.Resource) error {
	if err := s.db.WithContext(ctx).Create(res).Error; err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Resource, error) {
	var res models.Resource
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", id, false).
		First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resource %s: %w", id, err)
	}
	return &res, nil
}

func (s *GormStore) AppendChunk(ctx context.Context, resourceID string, chunk *models.Chunk) (*AppendResult, error) {
	var result *AppendResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.Resource
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND is_deleted = ?", resourceID, false).
			First(&res).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}

		if chunk.Token != "" {
			var existing models.Chunk
			err := tx.Where("resource_id = ? AND token = ? AND is_deleted = ?", resourceID, chunk.Token, false).
				First(&existing).Error
			if err == nil {
				result = &AppendResult{
					ChunkID:   existing.ID,
					Index:     existing.ChunkIndex,
					Size:      existing.Size,
					Offset:    res.Offset,
					Reached:   res.Offset >= res.Size,
					Duplicate: true,
				}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		chunk.ResourceID = resourceID
		chunk.ChunkIndex = int(res.ChunksUploaded) + 1
		if err := tx.Create(chunk).Error; err != nil {
			return err
		}

		offset := res.Offset + chunk.Size
		if offset > res.Size {
			offset = res.Size
		}
		err = tx.Model(&models.Resource{}).
			Where("id = ?", resourceID).
			Updates(map[string]interface{}{
				"upload_offset":   offset,
				"chunks_uploaded": gorm.Expr("chunks_uploaded + 1"),
			}).Error
		if err != nil {
			return err
		}

		result = &AppendResult{
			ChunkID: chunk.ID,
			Index:   chunk.ChunkIndex,
			Size:    chunk.Size,
			Offset:  offset,
			Reached: offset >= res.Size,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append chunk: %w", err)
	}
	return result, nil
}

func (s *GormStore) FinishUpload(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ? AND is_deleted = ? AND status = ? AND (upload_offset >= size OR is_multipart = ?)",
			id, false, models.StatusChunkUploading, true).
		Updates(map[string]interface{}{
			"status":        models.StatusUploadFinished,
			"is_completed":  true,
			"upload_offset": gorm.Expr("size"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to finish upload %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetStatus(ctx context.Context, id string, status models.ResourceStatus) error {
	return s.updateFields(ctx, id, map[string]interface{}{"status": status})
}

func (s *GormStore) SetPreview(ctx context.Context, id, previewKey string) error {
	return s.updateFields(ctx, id, map[string]interface{}{"preview_image": previewKey})
}

func (s *GormStore) SetName(ctx context.Context, id, name string) error {
	return s.updateFields(ctx, id, map[string]interface{}{"name": name})
}

func (s *GormStore) SetStreamURLs(ctx context.Context, id, hlsURL, dashURL string) error {
	fields := map[string]interface{}{}
	if hlsURL != "" {
		fields["hls_url"] = hlsURL
	}
	if dashURL != "" {
		fields["dash_url"] = dashURL
	}
	if len(fields) == 0 {
		return nil
	}
	return s.updateFields(ctx, id, fields)
}

var tierColumns = map[models.Tier]string{
	models.Tier360p:  "is_360p_done",
	models.Tier480p:  "is_480p_done",
	models.Tier720p:  "is_720p_done",
	models.Tier1080p: "is_1080p_done",
}

func (s *GormStore) MarkRenditionDone(ctx context.Context, id string, tier models.Tier) (bool, error) {
	column, ok := tierColumns[tier]
	if !ok {
		return false, fmt.Errorf("%w: unknown tier %q", errs.ErrValidation, tier)
	}
	res := s.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ? AND is_deleted = ? AND "+column+" = ?", id, false, false).
		Update(column, true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark %s done for %s: %w", tier, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) AcquireLease(ctx context.Context, id, kind, owner string, ttl time.Duration) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lease on %s: %w", kind, id, err)
	}
	if count == 0 {
		return false, nil
	}

	now := time.Now()
	lease := models.Lease{ResourceID: id, Kind: kind, Owner: owner, ExpiresAt: now.Add(ttl)}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "resource_id"}, {Name: "kind"}},
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("resource_leases.owner = ? OR resource_leases.expires_at < ?", owner, now),
		}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"owner":      owner,
			"expires_at": now.Add(ttl),
		}),
	}).Create(&lease)
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire %s lease on %s: %w", kind, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ReleaseLease(ctx context.Context, id, owner string) error {
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND owner = ?", id, owner).
		Delete(&models.Lease{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) ListChunks(ctx context.Context, resourceID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("resource_id = ? AND is_deleted = ?", resourceID, false).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for %s: %w", resourceID, err)
	}
	return chunks, nil
}

func (s *GormStore) TombstoneChunks(ctx context.Context, resourceID string) error {
	err := s.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("resource_id = ?", resourceID).
		Update("is_deleted", true).Error
	if err != nil {
		return fmt.Errorf("failed to tombstone chunks for %s: %w", resourceID, err)
	}
	return nil
}

func (s *GormStore) Tombstone(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Resource{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"is_deleted": true,
				"status":     models.StatusDeleted,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to tombstone resource %s: %w", id, err)
		}
		err = tx.Model(&models.Chunk{}).
			Where("resource_id = ?", id).
			Update("is_deleted", true).Error
		if err != nil {
			return fmt.Errorf("failed to tombstone chunks for %s: %w", id, err)
		}
		return nil
	})
}

func (s *GormStore) ListActive(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Find(&resources).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active resources: %w", err)
	}
	return resources, nil
}

func (s *GormStore) updateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update resource %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}
