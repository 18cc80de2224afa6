package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 1. Throughput (Counters)
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionvec_session_events_total",
		Help: "Inbound session events by kind and outcome",
	}, []string{"event", "outcome"})

	Detections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visionvec_detections_total",
		Help: "Objects returned by the detector after clamping",
	})

	DetectorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visionvec_detector_failures_total",
		Help: "Detector calls that failed and degraded to an empty result",
	})

	IndexOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionvec_index_operations_total",
		Help: "Vector index operations by operation and outcome",
	}, []string{"op", "outcome"})

	// 2. Latency (Histograms)
	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visionvec_pipeline_duration_seconds",
		Help:    "Time taken by the frame processor per mode",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	IndexDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visionvec_index_duration_seconds",
		Help:    "Time taken by vector index operations (including Raft consensus)",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
	}, []string{"op"})

	// 3. State (Gauges)
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visionvec_sessions_active",
		Help: "Currently connected sessions",
	})

	IndexPoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visionvec_points_total",
		Help: "Current number of points per collection",
	}, []string{"collection"})

	RaftState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visionvec_raft_state",
		Help: "Current Raft state (0=Follower, 1=Candidate, 2=Leader, 3=Shutdown)",
	})
)
