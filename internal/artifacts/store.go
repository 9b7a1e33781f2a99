package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// FileStore implements ArtifactStore on the local filesystem. Keys map to
// paths under the configured directory; URLs are the base URL plus the key.
// Writes go through a temp file and rename so a crash never leaves a
// half-written artifact at a final key.
type FileStore struct {
	dir     string
	baseURL string
	logger  arbor.ILogger
}

// NewFileStore prepares the artifact directory.
func NewFileStore(cfg *common.ArtifactsConfig, logger arbor.ILogger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifacts directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "/artifacts"
	}

	return &FileStore{
		dir:     cfg.Dir,
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

// StageKey builds the canonical key for one stage attempt's output.
func StageKey(imageID string, stage models.Stage, attempt int) string {
	return fmt.Sprintf("%s/stage%s/attempt%d.jpg", imageID, stage, attempt)
}

// OriginalKey builds the key for an uploaded original.
func OriginalKey(imageID string, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("%s/original%s", imageID, ext)
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	s.logger.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Artifact stored")

	return s.URLFor(key), nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

func (s *FileStore) GetByURL(ctx context.Context, url string) ([]byte, error) {
	key, err := s.KeyFor(url)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// DeleteTree removes every artifact under an image's prefix. Used by the TTL
// sweep.
func (s *FileStore) DeleteTree(ctx context.Context, imageID string) error {
	path, err := s.keyPath(imageID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete artifact tree: %w", err)
	}
	return nil
}

// URLFor maps a key to its public URL.
func (s *FileStore) URLFor(key string) string {
	return s.baseURL + "/" + key
}

// KeyFor maps a URL produced by Put back to its key.
func (s *FileStore) KeyFor(url string) (string, error) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("url %q is not under artifact base %q", url, s.baseURL)
	}
	return strings.TrimPrefix(url, prefix), nil
}

// keyPath resolves a key to a filesystem path and rejects traversal.
func (s *FileStore) keyPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("artifact key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}
