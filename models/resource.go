package models

import (
	"fmt"
	"time"
)

type ResourceStatus string

const (
	StatusChunkUploading  ResourceStatus = "CHUNK_UPLOADING"
	StatusUploadFinished  ResourceStatus = "UPLOAD_FINISHED"
	StatusVideoProcessing ResourceStatus = "VIDEO_PROCESSING"
	StatusComplete        ResourceStatus = "COMPLETE"
	StatusDeleted         ResourceStatus = "DELETED"
)

// Tier is one adaptive-bitrate rendition of a video resource.
type Tier string

const (
	Tier360p  Tier = "360p"
	Tier480p  Tier = "480p"
	Tier720p  Tier = "720p"
	Tier1080p Tier = "1080p"
)

// TierOrder is the fixed encode order. Flag updates may still arrive out of
// this order from the storage watcher.
var TierOrder = []Tier{Tier360p, Tier480p, Tier720p, Tier1080p}

// Resource is the ledger record for one uploaded file end-to-end.
type Resource struct {
	ID          string         `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	Name        string         `json:"name" gorm:"column:name;type:varchar(500)"`
	ContentType string         `json:"type" gorm:"column:content_type;type:varchar(100)"`
	Directory   string         `json:"directory" gorm:"column:directory;type:varchar(1000)"`
	Size        int64          `json:"size" gorm:"column:size;type:bigint;not null"`
	Offset      int64          `json:"offset" gorm:"column:upload_offset;type:bigint;not null;default:0"`
	Status      ResourceStatus `json:"status" gorm:"column:status;type:varchar(100);default:CHUNK_UPLOADING"`
	IsCompleted bool           `json:"is_completed" gorm:"column:is_completed;default:false"`

	ChunksUploaded int64  `json:"chunks_uploaded" gorm:"column:chunks_uploaded;default:0"`
	PreviewImage   string `json:"preview_image,omitempty" gorm:"column:preview_image;type:varchar(250)"`

	CreatedBy   string `json:"created_by,omitempty" gorm:"column:created_by;type:varchar(250)"`
	Company     string `json:"company,omitempty" gorm:"column:company;type:varchar(250)"`
	CompanyUser string `json:"company_user,omitempty" gorm:"column:company_user;type:varchar(250)"`
	Department  string `json:"department,omitempty" gorm:"column:department;type:varchar(250)"`

	Is360pDone  bool `json:"is_360p_done" gorm:"column:is_360p_done;default:false"`
	Is480pDone  bool `json:"is_480p_done" gorm:"column:is_480p_done;default:false"`
	Is720pDone  bool `json:"is_720p_done" gorm:"column:is_720p_done;default:false"`
	Is1080pDone bool `json:"is_1080p_done" gorm:"column:is_1080p_done;default:false"`

	// UploadID holds the resumable session URL in direct-to-storage mode.
	UploadID       string `json:"upload_id,omitempty" gorm:"column:upload_id;type:text"`
	IsMultipart    bool   `json:"is_multipart" gorm:"column:is_multipart;default:false"`
	NeedProcessing bool   `json:"need_processing" gorm:"column:need_processing;default:false"`
	IsDeleted      bool   `json:"is_deleted" gorm:"column:is_deleted;default:false;index"`

	HLSURL  string `json:"hls_url,omitempty" gorm:"column:hls_url;type:varchar(500)"`
	DashURL string `json:"dash_url,omitempty" gorm:"column:dash_url;type:varchar(500)"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Resource) TableName() string { return "resource" }

// RenditionDone reports the monotonic completion flag for a tier.
func (r *Resource) RenditionDone(tier Tier) bool {
	switch tier {
	case Tier360p:
		return r.Is360pDone
	case Tier480p:
		return r.Is480pDone
	case Tier720p:
		return r.Is720pDone
	case Tier1080p:
		return r.Is1080pDone
	}
	return false
}

// StreamingReady is true once the minimum acceptable playback tier is done.
func (r *Resource) StreamingReady() bool { return r.Is720pDone }

// AllRenditionsDone reports whether every adaptive tier has been produced.
func (r *Resource) AllRenditionsDone() bool {
	return r.Is360pDone && r.Is480pDone && r.Is720pDone && r.Is1080pDone
}

func (r *Resource) IsVideo() bool {
	return len(r.ContentType) >= 6 && r.ContentType[:6] == "video/"
}

func (r *Resource) IsAudio() bool {
	return len(r.ContentType) >= 6 && r.ContentType[:6] == "audio/"
}

func (r *Resource) IsImage() bool {
	return len(r.ContentType) >= 6 && r.ContentType[:6] == "image/"
}

// NeedsTranscoding reports whether the media pipeline should run: only
// videos that were explicitly flagged for processing at upload start.
func (r *Resource) NeedsTranscoding() bool {
	return r.IsVideo() && r.NeedProcessing
}

// StorageKey is the canonical object key for the assembled artifact. Video
// resources live under the HLS media prefix so renditions sit next to the
// source.
func (r *Resource) StorageKey() string {
	if r.IsVideo() {
		return fmt.Sprintf("hls_media/%s/%s/%s/%s-%s", r.Company, r.CreatedBy, r.ID, r.ID, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s-%s", r.Company, r.CreatedBy, r.ID, r.Name)
}

// HLSFolder is the object-key prefix holding this resource's renditions.
func (r *Resource) HLSFolder() string {
	return fmt.Sprintf("hls_media/%s/%s/%s", r.Company, r.CreatedBy, r.ID)
}

// Lease is one advisory work claim on a resource. Claims of different
// kinds are independent rows, so assembling an upload never blocks the
// transcode it hands off to.
type Lease struct {
	ResourceID string    `json:"resource_id" gorm:"column:resource_id;type:uuid;primaryKey"`
	Kind       string    `json:"kind" gorm:"column:kind;type:varchar(50);primaryKey"`
	Owner      string    `json:"owner" gorm:"column:owner;type:varchar(250);not null"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"column:expires_at;not null"`
}

func (Lease) TableName() string { return "resource_leases" }

// Chunk is one received byte-range part of a resource's upload. Chunks are
// staged as individual objects and removed once the artifact is assembled.
type Chunk struct {
	ID         string `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	ChunkIndex int    `json:"index" gorm:"column:chunk_index"`
	DataKey    string `json:"data_key" gorm:"column:data_key;type:varchar(1000);not null"`
	Tag        string `json:"tag,omitempty" gorm:"column:tag;type:varchar(1000)"`
	// Token is the client idempotency key for this chunk position; a retried
	// PATCH carrying a known token is answered with the committed result.
	Token string `json:"-" gorm:"column:token;type:varchar(250);index"`
	Size  int64  `json:"size" gorm:"column:size;type:bigint"`

	ResourceID string `json:"resource_id" gorm:"column:resource_id;type:uuid;not null;index"`
	IsDeleted  bool   `json:"is_deleted" gorm:"column:is_deleted;default:false"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (Chunk) TableName() string { return "resource_chunks" }
