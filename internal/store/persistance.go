package store

import (
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Snapshot is the serialized form of one collection. Payloads are kept as
// JSON so gob never has to know the concrete value types.
type Snapshot struct {
	Name   string
	Dim    int
	Metric Metric
	Points []SnapshotPoint
}

type SnapshotPoint struct {
	ID      string
	Vector  []float32
	Payload []byte
}

type dbSnapshot struct {
	Collections []Snapshot
}

func (c *Collection) snapshot() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Name:   c.name,
		Dim:    c.dim,
		Metric: c.metric,
		Points: make([]SnapshotPoint, 0, len(c.index)),
	}
	for id, slot := range c.index {
		meta, err := json.Marshal(c.payloads[slot])
		if err != nil {
			return Snapshot{}, errors.Wrapf(err, "marshal payload of %s", id)
		}
		vec, err := c.arena.Get(slot)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Points = append(snap.Points, SnapshotPoint{ID: id, Vector: vec, Payload: meta})
	}
	return snap, nil
}

func restoreCollection(snap Snapshot) (*Collection, error) {
	if err := ValidateCollection(snap.Name, snap.Dim, snap.Metric); err != nil {
		return nil, err
	}
	c := newCollection(snap.Name, snap.Dim, snap.Metric)
	for _, p := range snap.Points {
		var payload Payload
		if len(p.Payload) > 0 {
			if err := json.Unmarshal(p.Payload, &payload); err != nil {
				return nil, errors.Wrapf(err, "decode payload of %s", p.ID)
			}
		}
		if err := c.applyUpsert(p.ID, p.Vector, payload); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WriteSnapshot encodes every collection to w.
func (db *DB) WriteSnapshot(w io.Writer) error {
	db.mu.RLock()
	collections := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		collections = append(collections, c)
	}
	db.mu.RUnlock()

	var snap dbSnapshot
	for _, c := range collections {
		s, err := c.snapshot()
		if err != nil {
			return err
		}
		snap.Collections = append(snap.Collections, s)
	}
	return gob.NewEncoder(w).Encode(snap)
}

// RestoreSnapshot replaces all in-memory collections with the content of r.
// Write-ahead logs are not touched; it is meant for raft replicas and for
// boot-time loading before any collection is declared.
func (db *DB) RestoreSnapshot(r io.Reader) error {
	var snap dbSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode snapshot")
	}

	restored := make(map[string]*Collection, len(snap.Collections))
	for _, s := range snap.Collections {
		c, err := restoreCollection(s)
		if err != nil {
			return err
		}
		restored[s.Name] = c
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for name, old := range db.collections {
		if n, ok := restored[name]; ok && old.wal != nil {
			n.wal = old.wal
		} else if old.wal != nil {
			old.wal.Close()
		}
	}
	db.collections = restored
	return nil
}

// Save writes a snapshot file atomically.
func (db *DB) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create snapshot file")
	}
	defer os.Remove(tmp.Name())

	if err := db.WriteSnapshot(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot restores collections from a snapshot file into db.
func LoadSnapshot(db *DB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return db.RestoreSnapshot(f)
}
