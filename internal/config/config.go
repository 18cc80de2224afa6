// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rupamthxt/visionvec/internal/cluster"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Index     IndexConfig     `yaml:"index"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Models    ModelsConfig    `yaml:"models"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Session   SessionConfig   `yaml:"session"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds
	PublicDir        string `yaml:"public_dir"`         // optional static client pages
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`   // rotated with lumberjack when set
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type IndexConfig struct {
	Backend      string         `yaml:"backend"` // memory, pgvector, raft
	Collection   string         `yaml:"collection"`
	Dimension    int            `yaml:"dimension"`
	Metric       string         `yaml:"metric"`
	DataDir      string         `yaml:"data_dir"`
	WALSync      bool           `yaml:"wal_sync"`
	SnapshotPath string         `yaml:"snapshot_path"`
	Postgres     PostgresConfig `yaml:"postgres"`
	Raft         RaftConfig     `yaml:"raft"`
}

type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RaftConfig struct {
	NodeID    string         `yaml:"node_id"`
	BindAddr  string         `yaml:"bind_addr"`
	Bootstrap bool           `yaml:"bootstrap"`
	Peers     []cluster.Peer `yaml:"peers"`
}

type ArtifactsConfig struct {
	Backend string `yaml:"backend"` // fs, bolt
	Path    string `yaml:"path"`
}

type ModelsConfig struct {
	Detector      string       `yaml:"detector"` // builtin, python
	Embedder      string       `yaml:"embedder"` // builtin, python
	DarkThreshold float64      `yaml:"dark_threshold"`
	MinArea       int          `yaml:"min_area"`
	HistogramBins int          `yaml:"histogram_bins"`
	MinConfidence float64      `yaml:"min_confidence"`
	Python        PythonConfig `yaml:"python"`
}

type PythonConfig struct {
	Executable string   `yaml:"executable"`
	Script     string   `yaml:"script"`
	Args       []string `yaml:"args"`
	Workers    int      `yaml:"workers"`
}

type PipelineConfig struct {
	MaxConcurrency int64 `yaml:"max_concurrency"`
	SaveFrames     bool  `yaml:"save_frames"`
	Annotate       bool  `yaml:"annotate"`
	JPEGQuality    int   `yaml:"jpeg_quality"`
}

type SessionConfig struct {
	QueueSize int `yaml:"queue_size"`
	DefaultK  int `yaml:"default_k"`
	MaxK      int `yaml:"max_k"`
}

// Default returns the configuration used for every field the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeoutS: 10},
		Log:    LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Index: IndexConfig{
			Backend:      "memory",
			Collection:   "frames",
			Dimension:    64,
			Metric:       "cosine",
			DataDir:      "./data",
			SnapshotPath: "./data/visionvec.snap",
			Postgres:     PostgresConfig{MaxConns: 8},
			Raft:         RaftConfig{NodeID: "node-1", BindAddr: "127.0.0.1:7000", Bootstrap: true},
		},
		Artifacts: ArtifactsConfig{Backend: "fs", Path: "./data/artifacts"},
		Models: ModelsConfig{
			Detector:      "builtin",
			Embedder:      "builtin",
			DarkThreshold: 100,
			MinArea:       64,
			HistogramBins: 4,
			MinConfidence: 0.3,
			Python:        PythonConfig{Executable: "python3", Script: "python/worker.py", Workers: 2},
		},
		Pipeline: PipelineConfig{MaxConcurrency: 4, SaveFrames: true, JPEGQuality: 90},
		Session:  SessionConfig{QueueSize: 16, DefaultK: 5, MaxK: 100},
	}
}

// Load reads and parses a YAML configuration file. An empty path yields the
// defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("VISIONVEC_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("VISIONVEC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VISIONVEC_POSTGRES_URL"); v != "" {
		c.Index.Postgres.URL = v
	}
	if v := os.Getenv("VISIONVEC_INDEX_BACKEND"); v != "" {
		c.Index.Backend = v
	}
	if v := os.Getenv("VISIONVEC_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "VISIONVEC_MAX_CONCURRENCY")
		}
		c.Pipeline.MaxConcurrency = n
	}
	return nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Errorf("log.format %q is not one of json, console", c.Log.Format)
	}

	switch c.Index.Backend {
	case "memory":
	case "pgvector":
		if c.Index.Postgres.URL == "" {
			return errors.New("index.postgres.url is required for the pgvector backend")
		}
	case "raft":
		if c.Index.Raft.NodeID == "" || c.Index.Raft.BindAddr == "" {
			return errors.New("index.raft.node_id and index.raft.bind_addr are required for the raft backend")
		}
		if c.Index.DataDir == "" {
			return errors.New("index.data_dir is required for the raft backend")
		}
	default:
		return errors.Errorf("index.backend %q is not one of memory, pgvector, raft", c.Index.Backend)
	}
	if c.Index.Collection == "" {
		return errors.New("index.collection is required")
	}
	if c.Index.Dimension <= 0 {
		return errors.Errorf("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.Metric != "cosine" {
		return errors.Errorf("index.metric %q is not supported", c.Index.Metric)
	}

	switch c.Artifacts.Backend {
	case "fs", "bolt":
	default:
		return errors.Errorf("artifacts.backend %q is not one of fs, bolt", c.Artifacts.Backend)
	}
	if c.Artifacts.Path == "" {
		return errors.New("artifacts.path is required")
	}

	for name, kind := range map[string]string{"models.detector": c.Models.Detector, "models.embedder": c.Models.Embedder} {
		if kind != "builtin" && kind != "python" {
			return errors.Errorf("%s %q is not one of builtin, python", name, kind)
		}
	}
	if c.Models.Embedder == "builtin" {
		bins := c.Models.HistogramBins
		if bins <= 0 {
			return errors.New("models.histogram_bins must be positive")
		}
		if bins*bins*bins != c.Index.Dimension {
			return errors.Errorf("builtin embedder produces %d dimensions but index.dimension is %d",
				bins*bins*bins, c.Index.Dimension)
		}
	}
	if (c.Models.Detector == "python" || c.Models.Embedder == "python") && c.Models.Python.Workers <= 0 {
		return errors.New("models.python.workers must be positive")
	}
	if c.Models.MinConfidence < 0 || c.Models.MinConfidence > 1 {
		return errors.Errorf("models.min_confidence must be within [0,1], got %f", c.Models.MinConfidence)
	}

	if c.Pipeline.MaxConcurrency <= 0 {
		return errors.New("pipeline.max_concurrency must be positive")
	}
	if c.Session.QueueSize <= 0 {
		return errors.New("session.queue_size must be positive")
	}
	if c.Session.DefaultK <= 0 || c.Session.MaxK < c.Session.DefaultK {
		return errors.Errorf("session.default_k (%d) must be positive and not exceed session.max_k (%d)",
			c.Session.DefaultK, c.Session.MaxK)
	}
	return nil
}
