package contentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// FileStore keeps objects on the local filesystem.
//
// Layout:
//
//	root/
//	  objects/
//	    ab/cdef0123...  (zstd-framed payload for sha256:abcdef0123...)
//
// Writes go to a temp file in the shard directory and are renamed into
// place, so a reader never observes a partially written object.
type FileStore struct {
	root   string
	comp   *compressor
	logger *zap.Logger
}

// NewFileStore creates root/objects if needed.
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	comp, err := newCompressor()
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	return &FileStore{root: root, comp: comp, logger: logger}, nil
}

// Path returns the on-disk location of d.
func (s *FileStore) Path(d protocol.Digest) string {
	h := d.Hex()
	return filepath.Join(s.root, "objects", h[:2], h[2:])
}

func (s *FileStore) Put(_ context.Context, data []byte) (protocol.Digest, error) {
	d := protocol.DigestOf(data)
	path := s.Path(d)
	if _, err := os.Stat(path); err == nil {
		return d, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(s.comp.compress(data)); err != nil {
		tmp.Close() //nolint:errcheck
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return "", fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename object: %w", err)
	}

	s.logger.Debug("content stored", zap.String("digest", d.String()), zap.Int("bytes", len(data)))
	return d, nil
}

func (s *FileStore) Get(_ context.Context, d protocol.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	stored, err := os.ReadFile(s.Path(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	data, err := s.comp.decompress(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDigestMismatch, d, err)
	}
	return verify(d, data)
}

func (s *FileStore) Has(_ context.Context, d protocol.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(d))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Name() string { return "file://" + s.root }

// Close releases the compressor.
func (s *FileStore) Close() error {
	s.comp.close()
	return nil
}
