package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("media not found")

// StoredMedia describes one stored attachment blob.
type StoredMedia struct {
	ID        string    `json:"id"`
	MimeType  string    `json:"mimeType"`
	Filename  string    `json:"filename,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileStore keeps attachment bytes on the local filesystem, one blob plus a
// JSON sidecar per id. It backs the MMS attachment resolver and is trimmed
// by a retention sweep.
type FileStore struct {
	dir string
	log zerolog.Logger
}

func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}
	return &FileStore{dir: dir, log: log.With().Str("component", "media").Logger()}, nil
}

func (s *FileStore) Store(_ context.Context, data []byte, mimeType, filename string) (StoredMedia, error) {
	meta := StoredMedia{
		ID:        uuid.NewString(),
		MimeType:  mimeType,
		Filename:  filename,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	if err := os.WriteFile(s.blobPath(meta.ID), data, 0o644); err != nil {
		return StoredMedia{}, fmt.Errorf("write blob: %w", err)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return StoredMedia{}, err
	}
	if err := os.WriteFile(s.metaPath(meta.ID), raw, 0o644); err != nil {
		return StoredMedia{}, fmt.Errorf("write meta: %w", err)
	}
	return meta, nil
}

// ResolveBytes returns the blob for id, or ErrNotFound.
func (s *FileStore) ResolveBytes(_ context.Context, id string) ([]byte, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Stat(_ context.Context, id string) (StoredMedia, error) {
	if !validID(id) {
		return StoredMedia{}, ErrNotFound
	}
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return StoredMedia{}, ErrNotFound
		}
		return StoredMedia{}, err
	}
	var meta StoredMedia
	if err := json.Unmarshal(raw, &meta); err != nil {
		return StoredMedia{}, err
	}
	return meta, nil
}

// Cleanup removes blobs older than the retention window and returns how many
// were deleted.
func (s *FileStore) Cleanup(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".bin")
		if err := os.Remove(s.blobPath(id)); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("remove blob")
			continue
		}
		_ = os.Remove(s.metaPath(id))
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("media retention sweep")
	}
	return removed, nil
}

// RunCleanup sweeps on an interval until ctx ends.
func (s *FileStore) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Cleanup(ctx, retention); err != nil {
				s.log.Warn().Err(err).Msg("media cleanup")
			}
		}
	}
}

func (s *FileStore) blobPath(id string) string { return filepath.Join(s.dir, id+".bin") }
func (s *FileStore) metaPath(id string) string { return filepath.Join(s.dir, id+".json") }

// validID rejects ids that could escape the media directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && id != "." && id != ".."
}
