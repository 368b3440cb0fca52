// Package artifact downloads generated assets and keeps them on disk, one
// write-once file per job.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultExtension = ".mp3"

// FileStore persists artifacts onto the local filesystem keyed by job id
type FileStore struct {
	basePath  string
	extension string
}

// NewFileStore initializes a FileStore rooted at basePath
func NewFileStore(basePath, extension string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}

	extension = strings.TrimSpace(extension)
	if extension == "" {
		extension = defaultExtension
	}
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	return &FileStore{basePath: basePath, extension: extension}, nil
}

// BasePath returns the configured root directory
func (s *FileStore) BasePath() string {
	return s.basePath
}

// Key returns the artifact ref a job's bytes are stored under
func (s *FileStore) Key(jobID string) (string, error) {
	name, err := sanitizeJobID(jobID)
	if err != nil {
		return "", err
	}
	return name + s.extension, nil
}

// Exists reports whether the artifact of jobID has been stored
func (s *FileStore) Exists(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := s.Key(jobID)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat artifact: %w", err)
	}
	return info.Size() > 0, nil
}

// Write stores data for jobID and returns its ref. The first successful write
// wins: once the file exists, later writes leave it untouched and return the
// same ref. Safe for concurrent use, including across processes sharing basePath.
func (s *FileStore) Write(ctx context.Context, jobID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("storage: refusing to store empty artifact")
	}

	key, err := s.Key(jobID)
	if err != nil {
		return "", err
	}
	finalPath := s.path(key)

	if ok, err := s.Exists(ctx, jobID); err != nil {
		return "", err
	} else if ok {
		return key, nil
	}

	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+strings.TrimSuffix(key, s.extension)+"-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("storage: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: close temp file: %w", err)
	}

	// Link never replaces an existing file, unlike Rename.
	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return key, nil
		}
		return "", fmt.Errorf("storage: publish artifact: %w", err)
	}

	return key, nil
}

// Read returns the bytes stored under ref
func (s *FileStore) Read(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := sanitizeJobID(strings.TrimSuffix(ref, s.extension))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(name + s.extension))
	if err != nil {
		return nil, fmt.Errorf("storage: read artifact: %w", err)
	}
	return data, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.basePath, key)
}

// sanitizeJobID keeps a job id usable as a single file name inside basePath.
func sanitizeJobID(jobID string) (string, error) {
	if jobID == "" {
		return "", errors.New("storage: job id is required")
	}
	if strings.TrimSpace(jobID) != jobID {
		return "", fmt.Errorf("storage: job id %q has surrounding whitespace", jobID)
	}
	if jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) || strings.ContainsRune(jobID, 0) {
		return "", fmt.Errorf("storage: invalid job id %q", jobID)
	}
	return jobID, nil
}
