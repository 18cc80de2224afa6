package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rupamthxt/visionvec/internal/cluster"
	"github.com/rupamthxt/visionvec/internal/store"
)

const collection = "bench"

type options struct {
	Backend    string
	Dimension  int
	Vectors    int
	Queries    int
	Workers    int
	K          int
	DataDir    string
	RaftAddr   string
	FilterRate int
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "In-process ingest and search benchmark of the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), opts)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&opts.Backend, "backend", "b", "memory", "Index backend: memory, wal or raft")
	rootCmd.Flags().IntVarP(&opts.Dimension, "dim", "d", 64, "Vector dimension")
	rootCmd.Flags().IntVarP(&opts.Vectors, "vectors", "n", 100_000, "Vectors to ingest")
	rootCmd.Flags().IntVarP(&opts.Queries, "queries", "q", 1000, "Search queries")
	rootCmd.Flags().IntVarP(&opts.Workers, "workers", "w", 10, "Concurrent workers")
	rootCmd.Flags().IntVarP(&opts.K, "k", "k", 10, "Neighbours per search")
	rootCmd.Flags().StringVar(&opts.DataDir, "data-dir", "data_bench", "Scratch directory, removed afterwards")
	rootCmd.Flags().StringVar(&opts.RaftAddr, "raft-addr", "127.0.0.1:19000", "Raft bind address for the raft backend")
	rootCmd.Flags().IntVar(&opts.FilterRate, "filter-every", 0, "Filter every Nth query on a payload field (0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	fmt.Println("🔥 Starting visionvec Index Benchmark")
	fmt.Printf("Config: Backend=%s | Dim=%d | Items=%d | Queries=%d\n", opts.Backend, opts.Dimension, opts.Vectors, opts.Queries)

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(opts.DataDir)

	idx, err := openIndex(ctx, opts)
	if err != nil {
		return err
	}
	defer idx.Close()

	if err := idx.CreateCollection(ctx, collection, opts.Dimension, store.MetricCosine); err != nil {
		return err
	}

	// --- Phase 1: Ingestion ---
	fmt.Println("\n--- Phase 1: Ingestion ---")
	bar := progressbar.Default(int64(opts.Vectors), "ingest")
	start := time.Now()
	err = fanOut(ctx, opts.Workers, opts.Vectors, func(ctx context.Context, i int) error {
		payload := store.Payload{"shard": i % 8}
		if _, err := idx.Insert(ctx, collection, randomVector(opts.Dimension), payload); err != nil {
			return errors.Wrapf(err, "insert %d", i)
		}
		return bar.Add(1)
	})
	if err != nil {
		return err
	}
	ingest := time.Since(start)
	fmt.Printf("✅ Ingestion Complete: %.2fs (%.0f inserts/s)\n", ingest.Seconds(), float64(opts.Vectors)/ingest.Seconds())

	// --- Phase 2: Search ---
	fmt.Println("\n--- Phase 2: Exact Search ---")
	bar = progressbar.Default(int64(opts.Queries), "search")
	startSearch := time.Now()
	err = fanOut(ctx, opts.Workers, opts.Queries, func(ctx context.Context, i int) error {
		var filter store.Filter
		if opts.FilterRate > 0 && i%opts.FilterRate == 0 {
			filter = store.Filter{"shard": i % 8}
		}
		if _, err := idx.Search(ctx, collection, randomVector(opts.Dimension), opts.K, filter); err != nil {
			return errors.Wrapf(err, "search %d", i)
		}
		return bar.Add(1)
	})
	if err != nil {
		return err
	}

	qps := float64(opts.Queries) / time.Since(startSearch).Seconds()
	fmt.Printf("🚀 Search QPS: %.2f\n", qps)
	return nil
}

func openIndex(ctx context.Context, opts options) (store.Index, error) {
	logger := zap.NewNop().Sugar()
	switch opts.Backend {
	case "memory":
		return store.NewDB(store.DBOptions{}, logger), nil
	case "wal":
		return store.NewDB(store.DBOptions{DataDir: opts.DataDir}, logger), nil
	case "raft":
		fmt.Println("⚡ Initializing Raft node...")
		node, err := cluster.NewRaftNode(cluster.Config{
			NodeID:    "bench_node",
			BindAddr:  opts.RaftAddr,
			DataDir:   filepath.Join(opts.DataDir, "node"),
			Bootstrap: true,
			LogLevel:  "error",
		}, store.NewDB(store.DBOptions{}, logger), logger)
		if err != nil {
			return nil, err
		}
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := node.WaitForLeader(waitCtx); err != nil {
			return nil, multierr.Append(err, node.Close())
		}
		return node, nil
	default:
		return nil, errors.Errorf("unknown backend %q", opts.Backend)
	}
}

// fanOut runs fn for 0..n-1 across workers goroutines and stops at the first
// error.
func fanOut(ctx context.Context, workers, n int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(ctx, i) })
	}
	return g.Wait()
}

func randomVector(dim int) []float32 {
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		vec[i] = rand.Float32()
	}
	return vec
}
