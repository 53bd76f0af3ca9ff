package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
)

// MemoryStore is a mutex-guarded in-memory ledger with the same conditional
// update semantics as the Postgres store. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]*models.Resource
	chunks    map[string][]*models.Chunk
	leases    map[leaseKey]*leaseSlot
}

// leaseKey scopes a lease to one kind of work on one resource; leases of
// different kinds coexist.
type leaseKey struct {
	resourceID string
	kind       string
}

type leaseSlot struct {
	owner   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*models.Resource),
		chunks:    make(map[string][]*models.Chunk),
		leases:    make(map[leaseKey]*leaseSlot),
	}
}

func (s *MemoryStore) Create(_ context.Context, res *models.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *res
	s.resources[res.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (*models.Resource, error) {
	res, ok := s.resources[id]
	if !ok || res.IsDeleted {
		return nil, errs.ErrNotFound
	}
	clone := *res
	return &clone, nil
}

func (s *MemoryStore) AppendChunk(_ context.Context, resourceID string, chunk *models.Chunk) (*AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok || res.IsDeleted {
		return nil, errs.ErrNotFound
	}

	if chunk.Token != "" {
		for _, existing := range s.chunks[resourceID] {
			if !existing.IsDeleted && existing.Token == chunk.Token {
				return &AppendResult{
					ChunkID:   existing.ID,
					Index:     existing.ChunkIndex,
					Size:      existing.Size,
					Offset:    res.Offset,
					Reached:   res.Offset >= res.Size,
					Duplicate: true,
				}, nil
			}
		}
	}

	clone := *chunk
	clone.ResourceID = resourceID
	clone.ChunkIndex = int(res.ChunksUploaded) + 1
	s.chunks[resourceID] = append(s.chunks[resourceID], &clone)

	res.ChunksUploaded++
	res.Offset += chunk.Size
	if res.Offset > res.Size {
		res.Offset = res.Size
	}

	return &AppendResult{
		ChunkID: clone.ID,
		Index:   clone.ChunkIndex,
		Size:    clone.Size,
		Offset:  res.Offset,
		Reached: res.Offset >= res.Size,
	}, nil
}

func (s *MemoryStore) FinishUpload(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[id]
	if !ok || res.IsDeleted {
		return false, nil
	}
	if res.Status != models.StatusChunkUploading {
		return false, nil
	}
	// Direct-to-storage sessions never advance the tracked offset; their
	// completion call is the finish signal.
	if res.Offset < res.Size && !res.IsMultipart {
		return false, nil
	}
	res.Status = models.StatusUploadFinished
	res.IsCompleted = true
	res.Offset = res.Size
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status models.ResourceStatus) error {
	return s.update(id, func(res *models.Resource) { res.Status = status })
}

func (s *MemoryStore) SetPreview(_ context.Context, id, previewKey string) error {
	return s.update(id, func(res *models.Resource) { res.PreviewImage = previewKey })
}

func (s *MemoryStore) SetName(_ context.Context, id, name string) error {
	return s.update(id, func(res *models.Resource) { res.Name = name })
}

func (s *MemoryStore) SetStreamURLs(_ context.Context, id, hlsURL, dashURL string) error {
	return s.update(id, func(res *models.Resource) {
		if hlsURL != "" {
			res.HLSURL = hlsURL
		}
		if dashURL != "" {
			res.DashURL = dashURL
		}
	})
}

func (s *MemoryStore) MarkRenditionDone(_ context.Context, id string, tier models.Tier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[id]
	if !ok || res.IsDeleted {
		return false, nil
	}
	if res.RenditionDone(tier) {
		return false, nil
	}
	switch tier {
	case models.Tier360p:
		res.Is360pDone = true
	case models.Tier480p:
		res.Is480pDone = true
	case models.Tier720p:
		res.Is720pDone = true
	case models.Tier1080p:
		res.Is1080pDone = true
	default:
		return false, errs.ErrValidation
	}
	return true, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, id, kind, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[id]
	if !ok || res.IsDeleted {
		return false, nil
	}
	now := time.Now()
	key := leaseKey{resourceID: id, kind: kind}
	if slot, ok := s.leases[key]; ok && slot.owner != owner && slot.expires.After(now) {
		return false, nil
	}
	s.leases[key] = &leaseSlot{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, slot := range s.leases {
		if key.resourceID == id && slot.owner == owner {
			delete(s.leases, key)
		}
	}
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, resourceID string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chunks []models.Chunk
	for _, c := range s.chunks[resourceID] {
		if !c.IsDeleted {
			chunks = append(chunks, *c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (s *MemoryStore) TombstoneChunks(_ context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks[resourceID] {
		c.IsDeleted = true
	}
	return nil
}

func (s *MemoryStore) Tombstone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.resources[id]; ok {
		res.IsDeleted = true
		res.Status = models.StatusDeleted
	}
	for _, c := range s.chunks[id] {
		c.IsDeleted = true
	}
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Resource
	for _, res := range s.resources {
		if !res.IsDeleted {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (s *MemoryStore) update(id string, fn func(*models.Resource)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok || res.IsDeleted {
		return errs.ErrNotFound
	}
	fn(res)
	return nil
}
