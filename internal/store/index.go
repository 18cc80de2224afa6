// Package store defines the vector index contract and its in-process
// implementation: named collections of points (id, vector, payload) with
// exact cosine k-nearest-neighbour search.
package store

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Metric is the distance metric of a collection.
type Metric string

// MetricCosine ranks points by cosine similarity, higher is closer.
const MetricCosine Metric = "cosine"

var (
	// ErrNotFound is returned when a point id does not exist in a collection.
	ErrNotFound = errors.New("point not found")

	// ErrCollectionNotFound is returned for operations on an unknown collection.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionMismatch is returned when a collection already exists with
	// different parameters, or stored data disagrees with the declared ones.
	ErrCollectionMismatch = errors.New("collection exists with different parameters")

	// ErrDimensionMismatch is returned when a vector length differs from the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidVector is returned for zero-norm or non-finite vectors.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrInvalidPayload is returned when a payload value is not a scalar.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidName is returned for collection names outside [a-z0-9_].
	ErrInvalidName = errors.New("invalid collection name")
)

// Payload is the scalar metadata attached to a point.
type Payload map[string]any

// Filter is a conjunction of exact-match equalities on payload fields.
type Filter map[string]any

// Point is a stored vector with its id and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a single search result.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Index is the vector index contract shared by every backend.
// All mutations are atomic: a point is either fully written or not visible.
type Index interface {
	// CreateCollection is idempotent for identical parameters and fails with
	// ErrCollectionMismatch otherwise.
	CreateCollection(ctx context.Context, name string, dim int, metric Metric) error

	// Insert stores a new point under a freshly generated id.
	Insert(ctx context.Context, collection string, vector []float32, payload Payload) (string, error)

	// Upsert inserts or fully replaces the point at p.ID.
	Upsert(ctx context.Context, collection string, p Point) error

	// Fetch returns the point at id or ErrNotFound.
	Fetch(ctx context.Context, collection, id string) (Point, error)

	// UpdatePayload merges fields into the payload of an existing point
	// without touching its vector.
	UpdatePayload(ctx context.Context, collection, id string, partial Payload) error

	// Delete removes the point at id. Deleting a missing id is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Search returns at most k hits ordered by descending similarity.
	Search(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]Hit, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}

// NewPointID returns a random UUIDv4 point identifier.
func NewPointID() string {
	return uuid.NewString()
}

var collectionNameRe = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// ValidateCollection checks the parameters of a collection declaration.
func ValidateCollection(name string, dim int, metric Metric) error {
	if !collectionNameRe.MatchString(name) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	if dim <= 0 {
		return errors.Errorf("dimension must be positive, got %d", dim)
	}
	if metric != MetricCosine {
		return errors.Errorf("unsupported metric %q", metric)
	}
	return nil
}

// ValidateVector checks length, finiteness and norm of v.
func ValidateVector(v []float32, dim int) error {
	if len(v) != dim {
		return errors.Wrapf(ErrDimensionMismatch, "expected %d got %d", dim, len(v))
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return errors.Wrap(ErrInvalidVector, "non-finite component")
		}
	}
	if norm(v) == 0 {
		return errors.Wrap(ErrInvalidVector, "zero norm")
	}
	return nil
}

// ValidatePayload rejects non-scalar payload values.
func ValidatePayload(p Payload) error {
	for k, v := range p {
		if _, ok := scalar(v); !ok {
			return errors.Wrapf(ErrInvalidPayload, "field %q has non-scalar value %T", k, v)
		}
	}
	return nil
}

// Matches reports whether every equality in f holds for p.
func (f Filter) Matches(p Payload) bool {
	for k, want := range f {
		got, ok := p[k]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// SortHits orders hits by descending score, ties by ascending id.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// scalar normalizes a payload value. Signed integers become int64,
// unsigned ones uint64 and floats float64, so an int filter matches a value
// that went through JSON without large integers losing precision.
func scalar(v any) (any, bool) {
	switch x := v.(type) {
	case nil, string, bool, float64, int64, uint64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}

func scalarEqual(a, b any) bool {
	na, ok := scalar(a)
	if !ok {
		return false
	}
	nb, ok := scalar(b)
	if !ok {
		return false
	}
	switch x := na.(type) {
	case int64:
		return intEqual(x, nb)
	case uint64:
		return uintEqual(x, nb)
	case float64:
		return floatEqual(x, nb)
	default:
		return na == nb
	}
}

func intEqual(x int64, b any) bool {
	switch y := b.(type) {
	case int64:
		return x == y
	case uint64:
		return x >= 0 && uint64(x) == y
	case float64:
		return floatEqual(y, x)
	}
	return false
}

func uintEqual(x uint64, b any) bool {
	switch y := b.(type) {
	case uint64:
		return x == y
	case int64:
		return y >= 0 && uint64(y) == x
	case float64:
		return floatEqual(y, x)
	}
	return false
}

// floatEqual holds only when b is exactly the value f, never after rounding
// an integer to the nearest float.
func floatEqual(f float64, b any) bool {
	switch y := b.(type) {
	case float64:
		return f == y
	case int64:
		if f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
			return false
		}
		return int64(f) == y
	case uint64:
		if f != math.Trunc(f) || f < 0 || f >= 1<<64 {
			return false
		}
		return uint64(f) == y
	}
	return false
}
