package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/rupamthxt/visionvec/internal/store"
)

const (
	opCreateCollection = "create_collection"
	opUpsert           = "upsert"
	opSetPayload       = "set_payload"
	opDelete           = "delete"
)

// Command is what we replicate across the network. Every mutation of the
// index is exactly one command, so it is applied atomically on every replica.
type Command struct {
	Op         string          `json:"op"`
	Collection string          `json:"collection"`
	ID         string          `json:"id,omitempty"`
	Vector     []float32       `json:"vector,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Dimension  int             `json:"dimension,omitempty"`
	Metric     store.Metric    `json:"metric,omitempty"`
}

// FSM applies committed commands to a local in-memory database.
type FSM struct {
	db *store.DB
}

func NewFSM(db *store.DB) *FSM {
	return &FSM{db: db}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return errors.Wrap(err, "failed to unmarshal command")
	}
	return f.apply(cmd)
}

func (f *FSM) apply(cmd Command) error {
	ctx := context.Background()

	var payload store.Payload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return errors.Wrap(err, "decode command payload")
		}
	}

	switch cmd.Op {
	case opCreateCollection:
		return f.db.CreateCollection(ctx, cmd.Collection, cmd.Dimension, cmd.Metric)
	case opUpsert:
		return f.db.Upsert(ctx, cmd.Collection, store.Point{ID: cmd.ID, Vector: cmd.Vector, Payload: payload})
	case opSetPayload:
		return f.db.UpdatePayload(ctx, cmd.Collection, cmd.ID, payload)
	case opDelete:
		return f.db.Delete(ctx, cmd.Collection, cmd.ID)
	default:
		return errors.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the database eagerly; Persist only copies bytes.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.db.WriteSnapshot(&buf); err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: buf.Bytes()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.db.RestoreSnapshot(rc)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return errors.Wrap(err, "write snapshot")
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
