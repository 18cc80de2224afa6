// Package artifact persists frames, crops and annotated frames under
// write-once keys.
package artifact

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kinds of stored artifacts; each kind is a key prefix.
const (
	KindFrame     = "frames"
	KindCrop      = "crops"
	KindAnnotated = "annotated"
)

var (
	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("artifact not found")

	// ErrKeyExists is returned by Put when the key is already taken.
	// Stored artifacts are never overwritten.
	ErrKeyExists = errors.New("artifact key already exists")

	// ErrInvalidKey is returned for keys outside the key grammar.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Store is durable key to bytes storage. Implementations are safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

var keyRe = regexp.MustCompile(`^(frames|crops|annotated)/[0-9a-f-]{36}\.[a-z0-9]{1,5}$`)

// NewKey returns a fresh key such as frames/<uuid>.jpg.
func NewKey(kind, ext string) string {
	return kind + "/" + uuid.NewString() + "." + ext
}

// ValidateKey rejects keys that NewKey could not have produced.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return nil
}

// Open returns the store for backend ("fs" or "bolt") rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "fs", "":
		return NewFSStore(path)
	case "bolt":
		return NewBoltStore(path)
	default:
		return nil, errors.Errorf("unknown artifact backend %q", backend)
	}
}
