package store

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/metrics"
)

// DB is the in-process Index backend. With a data directory every
// collection keeps a write-ahead log that is replayed when the collection is
// declared again after a restart.
type DB struct {
	mu          sync.RWMutex
	collections map[string]*Collection

	dataDir string
	walSync bool
	logger  *zap.SugaredLogger
}

// DBOptions configures a DB. An empty DataDir keeps everything in memory.
type DBOptions struct {
	DataDir string
	WALSync bool
}

var _ Index = (*DB)(nil)

func NewDB(opts DBOptions, logger *zap.SugaredLogger) *DB {
	return &DB{
		collections: make(map[string]*Collection),
		dataDir:     opts.DataDir,
		walSync:     opts.WALSync,
		logger:      logger,
	}
}

func (db *DB) CreateCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if err := ValidateCollection(name, dim, metric); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.collections[name]; ok {
		if c.dim != dim || c.metric != metric {
			return errors.Wrapf(ErrCollectionMismatch, "%q has dimension %d metric %s, requested %d %s",
				name, c.dim, c.metric, dim, metric)
		}
		return db.attachWAL(c)
	}

	c := newCollection(name, dim, metric)
	if err := db.attachWAL(c); err != nil {
		return err
	}
	db.collections[name] = c
	metrics.IndexPoints.WithLabelValues(name).Set(float64(len(c.index)))
	db.logger.Infow("collection ready", "collection", name, "dimension", dim, "metric", metric, "points", len(c.index))
	return nil
}

// attachWAL opens and replays the collection log once. The caller holds db.mu.
func (db *DB) attachWAL(c *Collection) error {
	if db.dataDir == "" || c.wal != nil {
		return nil
	}
	wal, err := OpenWal(filepath.Join(db.dataDir, c.name+".wal"), db.walSync)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wal.Recover(c.replay); err != nil {
		return multierr.Append(errors.Wrapf(err, "replay wal of %q", c.name), wal.Close())
	}
	c.wal = wal
	return nil
}

func (db *DB) Insert(ctx context.Context, collection string, vector []float32, payload Payload) (string, error) {
	id := NewPointID()
	if err := db.Upsert(ctx, collection, Point{ID: id, Vector: vector, Payload: payload}); err != nil {
		return "", err
	}
	return id, nil
}

func (db *DB) Upsert(ctx context.Context, collection string, p Point) error {
	c, err := db.collection(ctx, collection)
	if err != nil {
		return err
	}
	if err := c.Upsert(p); err != nil {
		return err
	}
	metrics.IndexPoints.WithLabelValues(collection).Set(float64(c.Count()))
	return nil
}

func (db *DB) Fetch(ctx context.Context, collection, id string) (Point, error) {
	c, err := db.collection(ctx, collection)
	if err != nil {
		return Point{}, err
	}
	return c.Fetch(id)
}

func (db *DB) UpdatePayload(ctx context.Context, collection, id string, partial Payload) error {
	c, err := db.collection(ctx, collection)
	if err != nil {
		return err
	}
	return c.UpdatePayload(id, partial)
}

func (db *DB) Delete(ctx context.Context, collection, id string) error {
	c, err := db.collection(ctx, collection)
	if err != nil {
		return err
	}
	if err := c.Delete(id); err != nil {
		return err
	}
	metrics.IndexPoints.WithLabelValues(collection).Set(float64(c.Count()))
	return nil
}

func (db *DB) Search(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]Hit, error) {
	c, err := db.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return c.Search(vector, k, filter)
}

func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	c, err := db.collection(ctx, collection)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// Describe reports the parameters of a declared collection.
func (db *DB) Describe(name string) (dim int, metric Metric, ok bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[name]
	if !ok {
		return 0, "", false
	}
	return c.dim, c.metric, true
}

// Close closes every open write-ahead log.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var err error
	for _, c := range db.collections {
		c.mu.Lock()
		if c.wal != nil {
			err = multierr.Append(err, c.wal.Close())
			c.wal = nil
		}
		c.mu.Unlock()
	}
	return err
}

// collection looks up name. A cancelled context fails here, before any
// mutation starts.
func (db *DB) collection(ctx context.Context, name string) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.collections[name]
	if !ok {
		return nil, errors.Wrapf(ErrCollectionNotFound, "%q", name)
	}
	return c, nil
}
