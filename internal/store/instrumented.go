package store

import (
	"context"
	"time"

	"github.com/rupamthxt/visionvec/internal/metrics"
)

type instrumented struct {
	Index
}

// Instrument wraps idx so every operation is counted and timed.
func Instrument(idx Index) Index {
	return instrumented{Index: idx}
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.IndexOperations.WithLabelValues(op, outcome).Inc()
	metrics.IndexDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i instrumented) CreateCollection(ctx context.Context, name string, dim int, metric Metric) (err error) {
	start := time.Now()
	defer func() { observe("create_collection", start, err) }()
	return i.Index.CreateCollection(ctx, name, dim, metric)
}

func (i instrumented) Insert(ctx context.Context, collection string, vector []float32, payload Payload) (id string, err error) {
	start := time.Now()
	defer func() { observe("insert", start, err) }()
	return i.Index.Insert(ctx, collection, vector, payload)
}

func (i instrumented) Upsert(ctx context.Context, collection string, p Point) (err error) {
	start := time.Now()
	defer func() { observe("upsert", start, err) }()
	return i.Index.Upsert(ctx, collection, p)
}

func (i instrumented) Fetch(ctx context.Context, collection, id string) (p Point, err error) {
	start := time.Now()
	defer func() { observe("fetch", start, err) }()
	return i.Index.Fetch(ctx, collection, id)
}

func (i instrumented) UpdatePayload(ctx context.Context, collection, id string, partial Payload) (err error) {
	start := time.Now()
	defer func() { observe("update_payload", start, err) }()
	return i.Index.UpdatePayload(ctx, collection, id, partial)
}

func (i instrumented) Delete(ctx context.Context, collection, id string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()
	return i.Index.Delete(ctx, collection, id)
}

func (i instrumented) Search(ctx context.Context, collection string, vector []float32, k int, filter Filter) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observe("search", start, err) }()
	return i.Index.Search(ctx, collection, vector, k, filter)
}
