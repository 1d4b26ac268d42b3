package watermark

import (
	"context"
	"sync"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// MemStore is an in-process Store for tests.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string]models.Watermark
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: map[string]models.Watermark{}}
}

func (s *MemStore) Load(_ context.Context, blob string) (*models.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.blobs[blob]
	if !ok {
		return nil, false, nil
	}
	return &wm, true, nil
}

func (s *MemStore) Save(_ context.Context, blob string, wm models.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[blob] = wm
	return nil
}

func (s *MemStore) Delete(_ context.Context, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, blob)
	return nil
}
