package store

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Collection is an in-memory set of points with a fixed dimension. Every
// method is safe for concurrent use; mutations hold the write lock for the
// whole operation so readers never see a vector without its payload.
type Collection struct {
	mu sync.RWMutex

	name   string
	dim    int
	metric Metric

	index    map[string]uint32
	revIndex []string // slot -> id, "" for a free slot

	// Hot Path Storage
	arena *VectorArena
	norms []float32

	// Cold Path Storage
	payloads map[uint32]Payload

	wal *WAL
}

func newCollection(name string, dim int, metric Metric) *Collection {
	return &Collection{
		name:     name,
		dim:      dim,
		metric:   metric,
		index:    make(map[string]uint32),
		arena:    NewVectorArena(dim),
		payloads: make(map[uint32]Payload),
	}
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Dimension() int { return c.dim }

// Count returns the number of stored points.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Upsert validates p and writes it, replacing any point with the same id.
func (c *Collection) Upsert(p Point) error {
	if p.ID == "" {
		return errors.New("point id is required")
	}
	if err := ValidateVector(p.Vector, c.dim); err != nil {
		return err
	}
	if err := ValidatePayload(p.Payload); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wal != nil {
		meta, err := json.Marshal(p.Payload)
		if err != nil {
			return errors.Wrap(err, "marshal payload")
		}
		if err := c.wal.WriteEntry(OpUpsert, p.ID, p.Vector, meta); err != nil {
			return errors.Wrap(err, "wal write")
		}
	}
	return c.applyUpsert(p.ID, p.Vector, p.Payload)
}

// Fetch returns a copy of the point at id.
func (c *Collection) Fetch(id string) (Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, ok := c.index[id]
	if !ok {
		return Point{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	vec, err := c.arena.Get(slot)
	if err != nil {
		return Point{}, err
	}
	return Point{ID: id, Vector: vec, Payload: c.payloads[slot].Clone()}, nil
}

// UpdatePayload merges partial into the payload of id.
func (c *Collection) UpdatePayload(id string, partial Payload) error {
	if err := ValidatePayload(partial); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	if c.wal != nil {
		meta, err := json.Marshal(partial)
		if err != nil {
			return errors.Wrap(err, "marshal payload")
		}
		if err := c.wal.WriteEntry(OpSetPayload, id, nil, meta); err != nil {
			return errors.Wrap(err, "wal write")
		}
	}
	return c.applySetPayload(id, partial)
}

// Delete removes id; a missing id is not an error.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id]; !ok {
		return nil
	}
	if c.wal != nil {
		if err := c.wal.WriteEntry(OpDelete, id, nil, nil); err != nil {
			return errors.Wrap(err, "wal write")
		}
	}
	c.applyDelete(id)
	return nil
}

// Search scans every point that passes filter and keeps the k most similar.
func (c *Collection) Search(query []float32, k int, filter Filter) ([]Hit, error) {
	if err := ValidateVector(query, c.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	qNorm := norm(query)
	heap := make(MinHeap, 0, k)
	for slot, id := range c.revIndex {
		if id == "" {
			continue
		}
		if len(filter) > 0 && !filter.Matches(c.payloads[uint32(slot)]) {
			continue
		}
		score := cosineWithNorms(query, qNorm, c.arena.view(uint32(slot)), c.norms[slot])
		heap.Offer(Match{Slot: uint32(slot), ID: id, Score: score}, k)
	}

	return c.finalizeResults(heap), nil
}

func (c *Collection) finalizeResults(heap MinHeap) []Hit {
	matches := heap.Sorted()
	results := make([]Hit, 0, len(matches))
	for _, m := range matches {
		results = append(results, Hit{
			ID:      m.ID,
			Score:   m.Score,
			Payload: c.payloads[m.Slot].Clone(),
		})
	}
	return results
}

// applyUpsert mutates state without logging. The caller holds the write lock.
func (c *Collection) applyUpsert(id string, vector []float32, payload Payload) error {
	if len(vector) != c.dim {
		return errors.Wrapf(ErrDimensionMismatch, "expected %d got %d", c.dim, len(vector))
	}
	slot, exists := c.index[id]
	if !exists {
		slot = c.arena.Alloc()
	}
	if err := c.arena.Set(slot, vector); err != nil {
		if !exists {
			c.arena.Release(slot)
		}
		return err
	}

	for int(slot) >= len(c.revIndex) {
		c.revIndex = append(c.revIndex, "")
		c.norms = append(c.norms, 0)
	}
	c.index[id] = slot
	c.revIndex[slot] = id
	c.norms[slot] = norm(vector)
	c.payloads[slot] = payload.Clone()
	return nil
}

func (c *Collection) applySetPayload(id string, partial Payload) error {
	slot, ok := c.index[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	merged := c.payloads[slot].Clone()
	for k, v := range partial {
		merged[k] = v
	}
	c.payloads[slot] = merged
	return nil
}

func (c *Collection) applyDelete(id string) {
	slot, ok := c.index[id]
	if !ok {
		return
	}
	delete(c.index, id)
	delete(c.payloads, slot)
	c.revIndex[slot] = ""
	c.norms[slot] = 0
	c.arena.Release(slot)
}

// replay applies one WAL record during recovery.
func (c *Collection) replay(op byte, id string, vector []float32, meta []byte) error {
	var payload Payload
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &payload); err != nil {
			return errors.Wrap(err, "decode wal payload")
		}
	}
	switch op {
	case OpUpsert:
		if len(vector) != c.dim {
			return errors.Wrapf(ErrCollectionMismatch, "wal vector has dimension %d, collection %q declares %d", len(vector), c.name, c.dim)
		}
		return c.applyUpsert(id, vector, payload)
	case OpSetPayload:
		return c.applySetPayload(id, payload)
	case OpDelete:
		c.applyDelete(id)
		return nil
	default:
		return errors.Errorf("unknown wal op %d", op)
	}
}
