package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
)

func newTestResource(t *testing.T, s *MemoryStore, size int64) *models.Resource {
	t.Helper()
	res := &models.Resource{
		ID:          uuid.NewString(),
		Name:        "clip.mp4",
		ContentType: "video/mp4",
		Size:        size,
		Status:      models.StatusChunkUploading,
	}
	require.NoError(t, s.Create(context.Background(), res))
	return res
}

func TestAppendChunkAdvancesOffset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 30)

	r1, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, r1.Index)
	require.Equal(t, int64(10), r1.Offset)
	require.False(t, r1.Reached)

	r2, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 20})
	require.NoError(t, err)
	require.Equal(t, 2, r2.Index)
	require.Equal(t, int64(30), r2.Offset)
	require.True(t, r2.Reached)
}

func TestAppendChunkClampsOffsetToSize(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 15)

	r, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 99})
	require.NoError(t, err)
	require.Equal(t, int64(15), r.Offset)
	require.True(t, r.Reached)
}

func TestAppendChunkTokenDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 30)

	first, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 10, Token: "tok-1"})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	retry, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 10, Token: "tok-1"})
	require.NoError(t, err)
	require.True(t, retry.Duplicate)
	require.Equal(t, first.ChunkID, retry.ChunkID)
	require.Equal(t, int64(10), retry.Offset)

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Offset)
	require.Equal(t, int64(1), got.ChunksUploaded)
}

func TestFinishUploadSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	_, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 10})
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.FinishUpload(ctx, res.ID)
			require.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners)

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUploadFinished, got.Status)
	require.True(t, got.IsCompleted)
}

func TestFinishUploadRequiresFullOffset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	won, err := s.FinishUpload(ctx, res.ID)
	require.NoError(t, err)
	require.False(t, won)
}

func TestFinishUploadDirectSession(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := &models.Resource{
		ID:          uuid.NewString(),
		Name:        "big.mp4",
		ContentType: "video/mp4",
		Size:        100,
		Status:      models.StatusChunkUploading,
		IsMultipart: true,
	}
	require.NoError(t, s.Create(ctx, res))

	won, err := s.FinishUpload(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, won)
}

func TestMarkRenditionDoneMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	changed, err := s.MarkRenditionDone(ctx, res.ID, models.Tier720p)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.MarkRenditionDone(ctx, res.ID, models.Tier720p)
	require.NoError(t, err)
	require.False(t, changed)

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, got.Is720pDone)
	require.False(t, got.Is1080pDone)
}

func TestAcquireLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	won, err := s.AcquireLease(ctx, res.ID, "finalize", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.AcquireLease(ctx, res.ID, "finalize", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	// Same owner re-enters its own lease.
	won, err = s.AcquireLease(ctx, res.ID, "finalize", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.ReleaseLease(ctx, res.ID, "worker-a"))
	won, err = s.AcquireLease(ctx, res.ID, "finalize", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestAcquireLeaseStealsExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	won, err := s.AcquireLease(ctx, res.ID, "transcode", "crashed-worker", -time.Second)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.AcquireLease(ctx, res.ID, "transcode", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestAcquireLeaseKindsIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	won, err := s.AcquireLease(ctx, res.ID, "finalize", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// Holding the finalize lease must not block the transcode it hands
	// work to.
	won, err = s.AcquireLease(ctx, res.ID, "transcode", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// Same kind still excludes.
	won, err = s.AcquireLease(ctx, res.ID, "transcode", "worker-c", time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	// Releasing one owner leaves the other kind held.
	require.NoError(t, s.ReleaseLease(ctx, res.ID, "worker-a"))
	won, err = s.AcquireLease(ctx, res.ID, "finalize", "worker-c", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.AcquireLease(ctx, res.ID, "transcode", "worker-c", time.Minute)
	require.NoError(t, err)
	require.False(t, won)
}

func TestTombstoneHidesResource(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 10)

	require.NoError(t, s.Tombstone(ctx, res.ID))

	_, err := s.Get(ctx, res.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	chunks, err := s.ListChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestListChunksOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res := newTestResource(t, s, 30)

	for i := 0; i < 3; i++ {
		_, err := s.AppendChunk(ctx, res.ID, &models.Chunk{ID: uuid.NewString(), Size: 10})
		require.NoError(t, err)
	}

	chunks, err := s.ListChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		require.Equal(t, i+1, c.ChunkIndex)
	}
}
