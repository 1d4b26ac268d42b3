// Package watermark persists the per-feed ingestion watermark blob. The
// blob is tiny JSON ({"lastUpdatedAt", "lastRunId"}) and only ever written
// after a run's diamonds are fully consolidated, so a crash at any earlier
// point re-covers the same window instead of skipping it.
package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// Store reads and writes watermark blobs by name. Load reports ok=false
// when the blob does not exist, which callers treat as "no prior run".
// Delete removes a blob and is a no-op when it is already gone; the next
// incremental run then falls back to the full window.
type Store interface {
	Load(ctx context.Context, blob string) (*models.Watermark, bool, error)
	Save(ctx context.Context, blob string, wm models.Watermark) error
	Delete(ctx context.Context, blob string) error
}

// FSStore keeps blobs as files under a directory. Writes go through a
// temp file and rename so readers never observe a torn blob.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create watermark dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Load(_ context.Context, blob string) (*models.Watermark, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, blob))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read watermark %s: %w", blob, err)
	}
	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, false, fmt.Errorf("failed to decode watermark %s: %w", blob, err)
	}
	return &wm, true, nil
}

func (s *FSStore) Save(_ context.Context, blob string, wm models.Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("failed to encode watermark %s: %w", blob, err)
	}
	tmp := filepath.Join(s.dir, blob+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write watermark %s: %w", blob, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, blob)); err != nil {
		return fmt.Errorf("failed to publish watermark %s: %w", blob, err)
	}
	return nil
}

func (s *FSStore) Delete(_ context.Context, blob string) error {
	err := os.Remove(filepath.Join(s.dir, blob))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete watermark %s: %w", blob, err)
	}
	return nil
}
