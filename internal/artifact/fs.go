package artifact

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FSStore keeps each artifact as a file below a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact directory")
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data to a temp file and hard-links it into place. The link
// fails if the key exists, so concurrent writers never clobber each other.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	finalPath := s.path(key)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create artifact directory")
	}

	tmpFile, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp artifact")
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "write artifact")
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "sync artifact")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "close artifact")
	}

	if err := os.Link(tmpPath, finalPath); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrKeyExists, "%q", key)
		}
		return errors.Wrap(err, "link artifact")
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%q", key)
	}
	return data, err
}

func (s *FSStore) Close() error { return nil }
