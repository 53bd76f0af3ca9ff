package store

import (
	"context"
	"time"

	"github.com/einoworld/chunk-service/models"
)

// AppendResult describes the committed outcome of one chunk ingestion.
type AppendResult struct {
	ChunkID string `json:"id"`
	Index   int    `json:"index"`
	Size    int64  `json:"size"`
	Offset  int64  `json:"offset"`

	// Reached reports whether the committed offset reached the declared
	// size. The completion transition itself is a separate conditional
	// update (FinishUpload) so only one observer can win it.
	Reached bool `json:"-"`

	// Duplicate is set when the chunk carried an idempotency token that was
	// already recorded; the returned fields reflect the earlier commit.
	Duplicate bool `json:"-"`
}

// ResourceStore is the transactional ledger for resources and chunks. It is
// the only shared mutable state in the system: every writer reloads through
// it before mutating, and the rendition flags and completion transition are
// conditional updates so concurrent writers stay correct.
type ResourceStore interface {
	Create(ctx context.Context, res *models.Resource) error

	// Get returns the resource if it exists and is not tombstoned,
	// errs.ErrNotFound otherwise.
	Get(ctx context.Context, id string) (*models.Resource, error)

	// AppendChunk atomically records a chunk, assigns its index from the
	// current chunk count, and advances the offset (clamped to size). A
	// known idempotency token short-circuits to the earlier result.
	AppendChunk(ctx context.Context, resourceID string, chunk *models.Chunk) (*AppendResult, error)

	// FinishUpload performs the single authoritative
	// CHUNK_UPLOADING → UPLOAD_FINISHED transition. It reports true for
	// exactly one caller per resource.
	FinishUpload(ctx context.Context, id string) (bool, error)

	SetStatus(ctx context.Context, id string, status models.ResourceStatus) error
	SetPreview(ctx context.Context, id, previewKey string) error
	SetName(ctx context.Context, id, name string) error
	SetStreamURLs(ctx context.Context, id, hlsURL, dashURL string) error

	// MarkRenditionDone flips one tier flag false→true. It is monotonic and
	// idempotent; it reports whether this call changed the flag.
	MarkRenditionDone(ctx context.Context, id string, tier models.Tier) (bool, error)

	// AcquireLease takes the advisory lease for one kind of heavy work on a
	// resource. Leases of different kinds are independent, so holding the
	// finalize lease does not block a transcode. A lease held by another
	// owner can be stolen once expired.
	AcquireLease(ctx context.Context, id, kind, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops every lease the owner holds on the resource.
	ReleaseLease(ctx context.Context, id, owner string) error

	// ListChunks returns the non-tombstoned chunks ordered by index.
	ListChunks(ctx context.Context, resourceID string) ([]models.Chunk, error)

	// TombstoneChunks soft-deletes the chunk rows after assembly.
	TombstoneChunks(ctx context.Context, resourceID string) error

	// Tombstone soft-deletes the resource and its chunks. Idempotent.
	Tombstone(ctx context.Context, id string) error

	// ListActive returns all non-tombstoned resources for the restart scan.
	ListActive(ctx context.Context) ([]models.Resource, error)
}
