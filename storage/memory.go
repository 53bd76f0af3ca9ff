package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/einoworld/chunk-service/errs"
)

// MemoryStore keeps objects in a map. Test double for the MinIO store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		puts:    make(map[string]int),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.puts[key]++
	return nil
}

func (s *MemoryStore) PutFile(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f, -1, contentType)
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", errs.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "memory://" + key, nil
}

func (s *MemoryStore) ResumableSessionURL(_ context.Context, key, _ string, _ int64) (string, error) {
	return "memory://upload/" + key, nil
}

func (s *MemoryStore) PublicURL(key string) string {
	return "memory://" + key
}

// Object returns the stored bytes, for assertions.
func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// PutCount reports how many writes hit a key, for exactly-once assertions.
func (s *MemoryStore) PutCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

// Keys lists stored object keys.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
