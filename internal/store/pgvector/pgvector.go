// Package pgvector implements store.Index on PostgreSQL with the pgvector
// extension. Each collection is its own table; a registry table records the
// declared dimension and metric.
package pgvector

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/store"
)

const registryTable = "visionvec_collections"

// Store manages the connection pool and the per-collection tables.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	dims map[string]int
}

var _ store.Index = (*Store)(nil)

// New connects to the database and ensures the extension and registry exist.
func New(ctx context.Context, connString string, maxConns int32, logger *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres url")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to initialize database schema")
	}
	return &Store{pool: pool, logger: logger, dims: make(map[string]int)}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS `+registryTable+` (
			name TEXT PRIMARY KEY,
			dimension INT NOT NULL,
			metric TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func tableName(collection string) string {
	return pgx.Identifier{"vv_" + collection}.Sanitize()
}

func (s *Store) CreateCollection(ctx context.Context, name string, dim int, metric store.Metric) error {
	if err := store.ValidateCollection(name, dim, metric); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent declarations of the same name.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", name); err != nil {
		return err
	}

	var existingDim int
	var existingMetric string
	err = tx.QueryRow(ctx, "SELECT dimension, metric FROM "+registryTable+" WHERE name = $1", name).
		Scan(&existingDim, &existingMetric)
	switch {
	case err == pgx.ErrNoRows:
		table := tableName(name)
		// Payload containment is indexed; ranking is an exact scan over the
		// rows the filter admits, so there is no approximate vector index.
		index := pgx.Identifier{"vv_" + name + "_payload_idx"}.Sanitize()
		stmts := []string{
			"CREATE TABLE IF NOT EXISTS " + table + " (id UUID PRIMARY KEY, embedding VECTOR(" + strconv.Itoa(dim) + ") NOT NULL, payload JSONB NOT NULL DEFAULT '{}')",
			"CREATE INDEX IF NOT EXISTS " + index + " ON " + table + " USING gin (payload jsonb_path_ops)",
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "create collection %q", name)
			}
		}
		if _, err := tx.Exec(ctx, "INSERT INTO "+registryTable+" (name, dimension, metric) VALUES ($1, $2, $3)",
			name, dim, string(metric)); err != nil {
			return err
		}
		s.logger.Infow("collection created", "collection", name, "dimension", dim, "metric", metric)
	case err != nil:
		return err
	case existingDim != dim || store.Metric(existingMetric) != metric:
		return errors.Wrapf(store.ErrCollectionMismatch, "%q has dimension %d metric %s, requested %d %s",
			name, existingDim, existingMetric, dim, metric)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
	return nil
}

// dimension returns the declared dimension of collection, consulting the
// registry for collections declared by another process.
func (s *Store) dimension(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	dim, ok := s.dims[collection]
	s.mu.RUnlock()
	if ok {
		return dim, nil
	}

	err := s.pool.QueryRow(ctx, "SELECT dimension FROM "+registryTable+" WHERE name = $1", collection).Scan(&dim)
	if err == pgx.ErrNoRows {
		return 0, errors.Wrapf(store.ErrCollectionNotFound, "%q", collection)
	}
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.dims[collection] = dim
	s.mu.Unlock()
	return dim, nil
}

func (s *Store) Insert(ctx context.Context, collection string, vector []float32, payload store.Payload) (string, error) {
	id := store.NewPointID()
	if err := s.Upsert(ctx, collection, store.Point{ID: id, Vector: vector, Payload: payload}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Upsert(ctx context.Context, collection string, p store.Point) error {
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return errors.Errorf("point id %q is not a UUID", p.ID)
	}
	if err := store.ValidateVector(p.Vector, dim); err != nil {
		return err
	}
	if err := store.ValidatePayload(p.Payload); err != nil {
		return err
	}
	meta, err := json.Marshal(p.Payload.Clone())
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+tableName(collection)+` (id, embedding, payload)
		VALUES ($1, $2::vector, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload
	`, p.ID, vecToString(p.Vector), string(meta))
	return err
}

func (s *Store) Fetch(ctx context.Context, collection, id string) (store.Point, error) {
	if _, err := s.dimension(ctx, collection); err != nil {
		return store.Point{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.Point{}, errors.Wrapf(store.ErrNotFound, "id %s", id)
	}

	var vecStr string
	var meta []byte
	err := s.pool.QueryRow(ctx, "SELECT embedding::text, payload FROM "+tableName(collection)+" WHERE id = $1", id).
		Scan(&vecStr, &meta)
	if err == pgx.ErrNoRows {
		return store.Point{}, errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	if err != nil {
		return store.Point{}, err
	}

	vec, err := parseVector(vecStr)
	if err != nil {
		return store.Point{}, err
	}
	payload, err := decodePayload(meta)
	if err != nil {
		return store.Point{}, err
	}
	return store.Point{ID: id, Vector: vec, Payload: payload}, nil
}

// UpdatePayload merges partial server-side with the jsonb concatenation
// operator, so concurrent merges of different keys never lose each other.
func (s *Store) UpdatePayload(ctx context.Context, collection, id string, partial store.Payload) error {
	if _, err := s.dimension(ctx, collection); err != nil {
		return err
	}
	if err := store.ValidatePayload(partial); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	meta, err := json.Marshal(partial.Clone())
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	tag, err := s.pool.Exec(ctx, "UPDATE "+tableName(collection)+" SET payload = payload || $2::jsonb WHERE id = $1", id, string(meta))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.dimension(ctx, collection); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM "+tableName(collection)+" WHERE id = $1", id)
	return err
}

// Search ranks by cosine distance; <=> is the pgvector cosine operator.
// Index scans are disabled for the query so an ANN index added to the table
// out of band can never truncate or reorder the result; the filter is
// applied to every row before ranking.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, k int, filter store.Filter) ([]store.Hit, error) {
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := store.ValidateVector(vector, dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []store.Hit{}, nil
	}
	if filter == nil {
		filter = store.Filter{}
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, errors.Wrap(err, "marshal filter")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, "SET LOCAL enable_indexscan = off"); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id::text, 1 - (embedding <=> $1::vector), payload
		FROM `+tableName(collection)+`
		WHERE payload @> $2::jsonb
		ORDER BY embedding <=> $1::vector ASC, id ASC
		LIMIT $3
	`, vecToString(vector), string(filterJSON), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]store.Hit, 0, k)
	for rows.Next() {
		var id string
		var score float64
		var meta []byte
		if err := rows.Scan(&id, &score, &meta); err != nil {
			return nil, err
		}
		payload, err := decodePayload(meta)
		if err != nil {
			return nil, err
		}
		hits = append(hits, store.Hit{ID: id, Score: float32(score), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	store.SortHits(hits)
	return hits, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.dimension(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+tableName(collection)).Scan(&n)
	return n, err
}

// Reset drops the collection table and its registry row.
func (s *Store) Reset(ctx context.Context, collection string) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+tableName(collection)+" CASCADE"); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM "+registryTable+" WHERE name = $1", collection); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.dims, collection)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// vecToString formats a vector in the pgvector text format "[1,2,...]".
func vecToString(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parse vector component %d", i)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func decodePayload(meta []byte) (store.Payload, error) {
	payload := store.Payload{}
	if len(meta) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(meta, &payload); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	return payload, nil
}
