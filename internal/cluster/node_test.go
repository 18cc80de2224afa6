package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/rupamthxt/visionvec/internal/store"
)

func newSingleNode(t *testing.T) *RaftNode {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	config := raft.DefaultConfig()
	config.LocalID = "node-1"
	config.Logger = hclog.NewNullLogger()
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond

	addr, transport := raft.NewInmemTransport("")
	logs := raft.NewInmemStore()
	snaps := raft.NewInmemSnapshotStore()
	db := store.NewDB(store.DBOptions{}, logger)

	node, err := newRaftNode(config, db, logs, logs, snaps, transport, logger)
	if err != nil {
		t.Fatalf("newRaftNode failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	bootstrap := raft.Configuration{Servers: []raft.Server{{ID: config.LocalID, Address: addr}}}
	if err := node.Raft.BootstrapCluster(bootstrap).Error(); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := node.WaitForLeader(ctx); err != nil {
		t.Fatal(err)
	}
	for !node.IsLeader() {
		select {
		case <-ctx.Done():
			t.Fatal("node never became leader")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return node
}

func TestRaftNodeIndex(t *testing.T) {
	ctx := context.Background()
	node := newSingleNode(t)

	if err := node.EnsureCollection(ctx, "frames", 3, store.MetricCosine); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if err := node.CreateCollection(ctx, "frames", 3, store.MetricCosine); err != nil {
		t.Fatalf("repeated CreateCollection failed: %v", err)
	}
	if err := node.CreateCollection(ctx, "frames", 4, store.MetricCosine); !errors.Is(err, store.ErrCollectionMismatch) {
		t.Errorf("expected ErrCollectionMismatch, got %v", err)
	}

	first, err := node.Insert(ctx, "frames", []float32{1, 0, 0}, store.Payload{"camera": "a"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := node.Insert(ctx, "frames", []float32{0, 1, 0}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := node.Insert(ctx, "frames", []float32{1, 0}, nil); !errors.Is(err, store.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	hits, err := node.Search(ctx, "frames", []float32{1, 0, 0}, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != first {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	if err := node.UpdatePayload(ctx, "frames", first, store.Payload{"label": "cat"}); err != nil {
		t.Fatal(err)
	}
	p, err := node.Fetch(ctx, "frames", first)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(store.Payload{"camera": "a", "label": "cat"}, p.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	if err := node.Delete(ctx, "frames", first); err != nil {
		t.Fatal(err)
	}
	if n, _ := node.Count(ctx, "frames"); n != 1 {
		t.Errorf("expected 1 point, got %d", n)
	}
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Cancel() error { s.cancelled = true; return nil }
func (s *bufferSink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	fsm := NewFSM(store.NewDB(store.DBOptions{}, logger))

	commands := []Command{
		{Op: opCreateCollection, Collection: "frames", Dimension: 2, Metric: store.MetricCosine},
		{Op: opUpsert, Collection: "frames", ID: "a", Vector: []float32{1, 0}, Payload: json.RawMessage(`{"k":"v"}`)},
		{Op: opUpsert, Collection: "frames", ID: "b", Vector: []float32{0, 1}},
		{Op: opDelete, Collection: "frames", ID: "b"},
	}
	for i, cmd := range commands {
		data, _ := json.Marshal(cmd)
		if resp := fsm.Apply(&raft.Log{Index: uint64(i + 1), Data: data}); resp != nil {
			t.Fatalf("command %d failed: %v", i, resp)
		}
	}

	bad, _ := json.Marshal(Command{Op: "truncate"})
	if _, ok := fsm.Apply(&raft.Log{Data: bad}).(error); !ok {
		t.Error("expected an error for an unknown command")
	}

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	sink := &bufferSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatal(err)
	}
	snap.Release()

	replica := NewFSM(store.NewDB(store.DBOptions{}, logger))
	if err := replica.Restore(io.NopCloser(&sink.Buffer)); err != nil {
		t.Fatal(err)
	}
	p, err := replica.db.Fetch(context.Background(), "frames", "a")
	if err != nil {
		t.Fatalf("restored replica is missing point: %v", err)
	}
	if p.Payload["k"] != "v" {
		t.Errorf("unexpected payload %v", p.Payload)
	}
	if n, _ := replica.db.Count(context.Background(), "frames"); n != 1 {
		t.Errorf("expected 1 point, got %d", n)
	}
}
