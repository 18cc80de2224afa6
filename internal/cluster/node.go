// Package cluster replicates the in-memory index across a raft group.
// Mutations are committed through the leader; reads are served from the
// local replica.
package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/metrics"
	"github.com/rupamthxt/visionvec/internal/store"
)

const (
	RaftTimeout = 10 * time.Second
)

// ErrNotLeader is returned for mutations submitted to a follower.
var ErrNotLeader = errors.New("not the raft leader")

// Peer is a voting member used when bootstrapping the group.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Peers     []Peer
	LogLevel  string
}

type RaftNode struct {
	Raft *raft.Raft
	FSM  *FSM
	// we keep a reference to the database for read only operations
	DB *store.DB

	logger  *zap.SugaredLogger
	closers []io.Closer
	done    chan struct{}
}

var _ store.Index = (*RaftNode)(nil)

// NewRaftNode starts a node with bolt log and stable stores, a file snapshot
// store and a TCP transport under cfg.DataDir.
func NewRaftNode(cfg Config, db *store.DB, logger *zap.SugaredLogger) (*RaftNode, error) {
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, err
	}

	hlog := hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.Logger = hlog

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, tcpAddr, 3, 10*time.Second, hlog)
	if err != nil {
		return nil, err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "logs.dat"))
	if err != nil {
		return nil, multierr.Append(err, transport.Close())
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "stable.dat"))
	if err != nil {
		return nil, multierr.Combine(err, logStore.Close(), transport.Close())
	}

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(raftDir, 1, hlog)
	if err != nil {
		return nil, multierr.Combine(err, stableStore.Close(), logStore.Close(), transport.Close())
	}

	node, err := newRaftNode(config, db, logStore, stableStore, snapshotStore, transport, logger)
	if err != nil {
		return nil, multierr.Combine(err, stableStore.Close(), logStore.Close(), transport.Close())
	}
	node.closers = []io.Closer{logStore, stableStore, transport}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, multierr.Append(err, node.Close())
		}
		if !existing {
			servers := []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}}
			for _, p := range cfg.Peers {
				if p.ID == cfg.NodeID {
					continue
				}
				servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
			}
			if err := node.Raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
				return nil, multierr.Append(errors.Wrap(err, "bootstrap raft"), node.Close())
			}
			logger.Infow("raft cluster bootstrapped", "servers", len(servers))
		}
	}
	return node, nil
}

func newRaftNode(config *raft.Config, db *store.DB, logs raft.LogStore, stable raft.StableStore,
	snaps raft.SnapshotStore, trans raft.Transport, logger *zap.SugaredLogger) (*RaftNode, error) {
	fsm := NewFSM(db)

	leaderCh := make(chan bool, 4)
	config.NotifyCh = leaderCh

	r, err := raft.NewRaft(config, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, err
	}

	node := &RaftNode{
		Raft:   r,
		FSM:    fsm,
		DB:     db,
		logger: logger,
		done:   make(chan struct{}),
	}
	go node.watchLeadership(leaderCh)
	return node, nil
}

func (rn *RaftNode) watchLeadership(ch <-chan bool) {
	for {
		select {
		case leader := <-ch:
			metrics.RaftState.Set(float64(rn.Raft.State()))
			if leader {
				rn.logger.Infow("raft leadership acquired")
			} else {
				rn.logger.Infow("raft leadership lost")
			}
		case <-rn.done:
			return
		}
	}
}

// WaitForLeader blocks until the group has elected a leader.
func (rn *RaftNode) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := rn.Raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for raft leader")
		case <-ticker.C:
		}
	}
}

// IsLeader reports whether this node currently accepts mutations.
func (rn *RaftNode) IsLeader() bool {
	return rn.Raft.State() == raft.Leader
}

func (rn *RaftNode) apply(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rn.Raft.State() != raft.Leader {
		return ErrNotLeader
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	future := rn.Raft.Apply(b, RaftTimeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return ErrNotLeader
		}
		return err
	}

	if fsmErr, ok := future.Response().(error); ok {
		return fsmErr
	}
	return nil
}

// CreateCollection replicates the declaration. A follower accepts it when
// the collection has already been replicated with the same parameters.
func (rn *RaftNode) CreateCollection(ctx context.Context, name string, dim int, metric store.Metric) error {
	if err := store.ValidateCollection(name, dim, metric); err != nil {
		return err
	}
	if d, m, ok := rn.DB.Describe(name); ok {
		if d != dim || m != metric {
			return errors.Wrapf(store.ErrCollectionMismatch, "%q has dimension %d metric %s, requested %d %s",
				name, d, m, dim, metric)
		}
		return nil
	}
	return rn.apply(ctx, Command{Op: opCreateCollection, Collection: name, Dimension: dim, Metric: metric})
}

// EnsureCollection retries CreateCollection until the leader has declared
// the collection and it reached this replica.
func (rn *RaftNode) EnsureCollection(ctx context.Context, name string, dim int, metric store.Metric) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := rn.CreateCollection(ctx, name, dim, metric)
		if !errors.Is(err, ErrNotLeader) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for collection %q", name)
		case <-ticker.C:
		}
	}
}

// Insert generates the id on the leader so every replica stores the same one.
func (rn *RaftNode) Insert(ctx context.Context, collection string, vector []float32, payload store.Payload) (string, error) {
	id := store.NewPointID()
	if err := rn.Upsert(ctx, collection, store.Point{ID: id, Vector: vector, Payload: payload}); err != nil {
		return "", err
	}
	return id, nil
}

func (rn *RaftNode) Upsert(ctx context.Context, collection string, p store.Point) error {
	dim, _, ok := rn.DB.Describe(collection)
	if !ok {
		return errors.Wrapf(store.ErrCollectionNotFound, "%q", collection)
	}
	if p.ID == "" {
		return errors.New("point id is required")
	}
	if err := store.ValidateVector(p.Vector, dim); err != nil {
		return err
	}
	if err := store.ValidatePayload(p.Payload); err != nil {
		return err
	}
	data, err := json.Marshal(p.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}
	return rn.apply(ctx, Command{Op: opUpsert, Collection: collection, ID: p.ID, Vector: p.Vector, Payload: data})
}

func (rn *RaftNode) UpdatePayload(ctx context.Context, collection, id string, partial store.Payload) error {
	if err := store.ValidatePayload(partial); err != nil {
		return err
	}
	if _, err := rn.DB.Fetch(ctx, collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(partial)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}
	return rn.apply(ctx, Command{Op: opSetPayload, Collection: collection, ID: id, Payload: data})
}

func (rn *RaftNode) Delete(ctx context.Context, collection, id string) error {
	if _, _, ok := rn.DB.Describe(collection); !ok {
		return errors.Wrapf(store.ErrCollectionNotFound, "%q", collection)
	}
	return rn.apply(ctx, Command{Op: opDelete, Collection: collection, ID: id})
}

func (rn *RaftNode) Fetch(ctx context.Context, collection, id string) (store.Point, error) {
	return rn.DB.Fetch(ctx, collection, id)
}

func (rn *RaftNode) Search(ctx context.Context, collection string, vector []float32, k int, filter store.Filter) ([]store.Hit, error) {
	return rn.DB.Search(ctx, collection, vector, k, filter)
}

func (rn *RaftNode) Count(ctx context.Context, collection string) (int, error) {
	return rn.DB.Count(ctx, collection)
}

// Close shuts raft down and releases its stores.
func (rn *RaftNode) Close() error {
	select {
	case <-rn.done:
		return nil
	default:
	}
	close(rn.done)

	err := rn.Raft.Shutdown().Error()
	for _, c := range rn.closers {
		err = multierr.Append(err, c.Close())
	}
	metrics.RaftState.Set(float64(raft.Shutdown))
	return multierr.Append(err, rn.DB.Close())
}
