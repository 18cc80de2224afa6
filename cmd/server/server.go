package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/artifact"
	"github.com/rupamthxt/visionvec/internal/cluster"
	"github.com/rupamthxt/visionvec/internal/config"
	vectorHttp "github.com/rupamthxt/visionvec/internal/http"
	"github.com/rupamthxt/visionvec/internal/logging"
	"github.com/rupamthxt/visionvec/internal/pipeline"
	"github.com/rupamthxt/visionvec/internal/session"
	"github.com/rupamthxt/visionvec/internal/store"
	"github.com/rupamthxt/visionvec/internal/store/pgvector"
	"github.com/rupamthxt/visionvec/internal/vision"
	"github.com/rupamthxt/visionvec/internal/worker"
)

func run(ctx context.Context) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeLog()) }()

	log.Infow("starting visionvec", "version", Version, "backend", cfg.Index.Backend, "addr", cfg.Server.Addr)

	// Everything opened below is closed in reverse order on the way out.
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	index, snapshot, err := openIndex(ctx, cfg, log)
	if err != nil {
		log.Errorw("failed to open vector index", "error", err)
		return err
	}
	closers = append(closers, index.Close)
	index = store.Instrument(index)

	artifacts, err := artifact.Open(cfg.Artifacts.Backend, cfg.Artifacts.Path)
	if err != nil {
		log.Errorw("failed to open artifact store", "error", err)
		return err
	}
	closers = append(closers, artifacts.Close)

	detector, embedder, closeModels, err := openModels(cfg, log)
	if err != nil {
		log.Errorw("failed to start models", "error", err)
		return err
	}
	closers = append(closers, closeModels)

	if embedder.Dimension() != cfg.Index.Dimension {
		return errors.Errorf("embedder produces %d dimensions, collection %q declares %d",
			embedder.Dimension(), cfg.Index.Collection, cfg.Index.Dimension)
	}

	processor := pipeline.NewProcessor(pipeline.Config{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		SaveFrames:     cfg.Pipeline.SaveFrames,
		MinConfidence:  cfg.Models.MinConfidence,
		MinArea:        cfg.Models.MinArea,
		JPEGQuality:    cfg.Pipeline.JPEGQuality,
	}, detector, embedder, artifacts, log)

	sessions := session.NewManager(session.Config{
		Collection: cfg.Index.Collection,
		QueueSize:  cfg.Session.QueueSize,
		DefaultK:   cfg.Session.DefaultK,
		MaxK:       cfg.Session.MaxK,
		Annotate:   cfg.Pipeline.Annotate,
		SaveFrames: cfg.Pipeline.SaveFrames,
	}, processor, index, log)

	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	handler := vectorHttp.NewHandler(index, artifacts, snapshot, log)
	app := vectorHttp.NewApp(sessionCtx, handler, sessions, vectorHttp.Options{
		RequestLog: cfg.Log.Level == "debug",
		PublicDir:  cfg.Server.PublicDir,
	}, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.Listen(cfg.Server.Addr) }()
	log.Infow("visionvec listening", "addr", cfg.Server.Addr)

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	cancelSessions()
	timeout := time.Duration(cfg.Server.ShutdownTimeoutS) * time.Second
	if err := app.ShutdownWithTimeout(timeout); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

// openIndex builds the configured backend and declares the working
// collection on it.
func openIndex(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (store.Index, vectorHttp.SnapshotFunc, error) {
	ic := cfg.Index
	metric := store.Metric(ic.Metric)

	switch ic.Backend {
	case "pgvector":
		pg, err := pgvector.New(ctx, ic.Postgres.URL, ic.Postgres.MaxConns, log)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.CreateCollection(ctx, ic.Collection, ic.Dimension, metric); err != nil {
			return nil, nil, multierr.Append(err, pg.Close())
		}
		return pg, nil, nil

	case "raft":
		// The raft log is the durable record; the replica itself stays in memory.
		db := store.NewDB(store.DBOptions{}, log)
		node, err := cluster.NewRaftNode(cluster.Config{
			NodeID:    ic.Raft.NodeID,
			BindAddr:  ic.Raft.BindAddr,
			DataDir:   ic.DataDir,
			Bootstrap: ic.Raft.Bootstrap,
			Peers:     ic.Raft.Peers,
			LogLevel:  cfg.Log.Level,
		}, db, log)
		if err != nil {
			return nil, nil, err
		}
		if err := node.EnsureCollection(ctx, ic.Collection, ic.Dimension, metric); err != nil {
			return nil, nil, multierr.Append(err, node.Close())
		}
		snapshot := func(context.Context) (string, error) {
			return "raft", node.Raft.Snapshot().Error()
		}
		return node, snapshot, nil

	default:
		db := store.NewDB(store.DBOptions{DataDir: ic.DataDir, WALSync: ic.WALSync}, log)
		if ic.DataDir != "" {
			if err := os.MkdirAll(ic.DataDir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		if _, err := os.Stat(ic.SnapshotPath); err == nil {
			log.Infow("found snapshot, loading data from disk", "path", ic.SnapshotPath)
			if err := store.LoadSnapshot(db, ic.SnapshotPath); err != nil {
				return nil, nil, errors.Wrap(err, "load snapshot")
			}
		}
		if err := db.CreateCollection(ctx, ic.Collection, ic.Dimension, metric); err != nil {
			return nil, nil, multierr.Append(err, db.Close())
		}
		snapshot := func(context.Context) (string, error) {
			return ic.SnapshotPath, db.Save(ic.SnapshotPath)
		}
		return db, snapshot, nil
	}
}

// openModels returns the detector and embedder. Python-backed models share one
// worker pool.
func openModels(cfg *config.Config, log *zap.SugaredLogger) (vision.Detector, vision.Embedder, func() error, error) {
	mc := cfg.Models
	var pool *worker.Pool
	closeFn := func() error { return nil }

	if mc.Detector == "python" || mc.Embedder == "python" {
		py := mc.Python
		args := append([]string{"--dim", strconv.Itoa(cfg.Index.Dimension)}, py.Args...)
		var err error
		pool, err = worker.NewPool(py.Workers, cfg.Index.Dimension, func(id int) (*worker.PythonWorker, error) {
			return worker.NewPythonWorker(id, py.Executable, py.Script, args...)
		}, log)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn = pool.Close
	}

	var detector vision.Detector = vision.NewDarkRegionDetector(mc.DarkThreshold, mc.MinArea)
	if mc.Detector == "python" {
		detector = pool
	}
	var embedder vision.Embedder = vision.NewHistogramEmbedder(mc.HistogramBins)
	if mc.Embedder == "python" {
		embedder = pool
	}
	return detector, embedder, closeFn, nil
}
