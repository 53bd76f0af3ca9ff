package storage

import (
	"context"
	"io"
	"time"
)

// Store is the durable object storage boundary: staged chunk objects,
// assembled artifacts, rendition segments and manifests all go through it.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PutFile(ctx context.Context, key, path, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// PresignedGetURL issues a time-limited read URL, used as the
	// transcoder's input locator.
	PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ResumableSessionURL issues the handle a client uses to upload
	// directly to storage, bypassing the coordinator's byte path.
	ResumableSessionURL(ctx context.Context, key, contentType string, size int64) (string, error)

	// PublicURL is the stable unauthenticated URL for published objects
	// such as HLS playlists.
	PublicURL(key string) string
}

// ChunkKey is where a staged chunk object lives until assembly.
func ChunkKey(resourceID, chunkID string) string {
	return "chunks/" + resourceID + "/" + chunkID
}
