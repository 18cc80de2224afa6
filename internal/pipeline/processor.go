// Package pipeline runs one frame through decode, persistence, detection,
// annotation and embedding.
package pipeline

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rupamthxt/visionvec/internal/artifact"
	"github.com/rupamthxt/visionvec/internal/metrics"
	"github.com/rupamthxt/visionvec/internal/store"
	"github.com/rupamthxt/visionvec/internal/vision"
)

var (
	// ErrInference is recorded on a result whose detector call failed.
	ErrInference = errors.New("inference failed")

	// ErrEmbedding is returned when no usable embedding could be produced.
	ErrEmbedding = errors.New("embedding failed")
)

type Mode int

const (
	ModeDetect Mode = iota
	ModeEmbed
)

func (m Mode) String() string {
	if m == ModeEmbed {
		return "embed"
	}
	return "detect"
}

type Options struct {
	Mode     Mode
	Annotate bool
	// SaveFrame persists the source frame in detect mode. Embed mode always
	// persists it.
	SaveFrame bool
}

type Result struct {
	Width, Height int
	Detections    []vision.Detection
	// Degraded is set when detection failed and Detections is empty because
	// of it. Err holds the cause.
	Degraded bool
	Err      error

	Vector       []float32
	FrameKey     string
	CropKeys     []string
	AnnotatedKey string
}

type Config struct {
	MaxConcurrency int64
	SaveFrames     bool
	MinConfidence  float64
	MinArea        int
	JPEGQuality    int
}

// Processor is safe for concurrent use. Calls into the detector and embedder
// are bounded by MaxConcurrency across all callers.
type Processor struct {
	detector  vision.Detector
	embedder  vision.Embedder
	artifacts artifact.Store

	sem    *semaphore.Weighted
	post   []vision.Postprocessor
	cfg    Config
	logger *zap.SugaredLogger
}

// NewProcessor wires the collaborators. embedder may be nil, in which case
// embed mode fails with ErrEmbedding.
func NewProcessor(cfg Config, detector vision.Detector, embedder vision.Embedder, artifacts artifact.Store, logger *zap.SugaredLogger) *Processor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	p := &Processor{
		detector:  detector,
		embedder:  embedder,
		artifacts: artifacts,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		cfg:       cfg,
		logger:    logger,
	}
	if cfg.MinConfidence > 0 {
		p.post = append(p.post, vision.NewScoreFilter(cfg.MinConfidence))
	}
	if cfg.MinArea > 0 {
		p.post = append(p.post, vision.NewAreaFilter(cfg.MinArea))
	}
	return p
}

// Process decodes encoded and runs it through the stages selected by opts.
// Decode failures wrap vision.ErrDecode and persist nothing.
func (p *Processor) Process(ctx context.Context, encoded []byte, opts Options) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues(opts.Mode.String()).Observe(time.Since(start).Seconds())
	}()

	frame, err := vision.Decode(encoded)
	if err != nil {
		return nil, err
	}
	res := &Result{Width: frame.Width, Height: frame.Height, Detections: []vision.Detection{}}

	if opts.Mode == ModeEmbed || opts.SaveFrame || opts.Annotate || p.cfg.SaveFrames {
		key := artifact.NewKey(artifact.KindFrame, frame.Ext())
		if err := p.artifacts.Put(ctx, key, frame.Encoded); err != nil {
			return nil, errors.Wrap(err, "persist frame")
		}
		res.FrameKey = key
	}

	switch opts.Mode {
	case ModeEmbed:
		vec, err := p.embed(ctx, frame)
		if err != nil {
			return nil, err
		}
		res.Vector = vec
	default:
		dets, err := p.detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.DetectorFailures.Inc()
			p.logger.Warnw("detection failed, returning empty result", "error", err)
			res.Degraded = true
			res.Err = err
			break
		}
		res.Detections = dets
		metrics.Detections.Add(float64(len(dets)))

		if opts.Annotate {
			if err := p.annotate(ctx, frame, res); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func (p *Processor) detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	if p.detector == nil {
		return nil, errors.Wrap(ErrInference, "no detector configured")
	}
	var raw []vision.Detection
	err := p.infer(ctx, func() (err error) {
		raw, err = p.detector.Detect(ctx, frame)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}

	dets := make([]vision.Detection, 0, len(raw))
	for _, d := range raw {
		box, ok := d.BBox.Clamp(frame.Width, frame.Height)
		if !ok {
			continue
		}
		d.BBox = box
		d.Confidence = clampUnit(d.Confidence)
		dets = append(dets, d)
	}
	for _, post := range p.post {
		dets = post(dets)
	}
	return dets, nil
}

// infer runs one model call under the concurrency limit. A panicking model
// releases its slot and surfaces as an error.
func (p *Processor) infer(ctx context.Context, call func() error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("model panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.Errorf("model panicked: %v", r)
		}
	}()
	return call()
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func (p *Processor) embed(ctx context.Context, frame *vision.Frame) ([]float32, error) {
	if p.embedder == nil {
		return nil, errors.Wrap(ErrEmbedding, "no embedder configured")
	}
	var raw []float32
	err := p.infer(ctx, func() (err error) {
		raw, err = p.embedder.Embed(ctx, frame)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(ErrEmbedding, err.Error())
	}

	vec := make([]float32, len(raw))
	copy(vec, raw)
	for _, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, errors.Wrap(ErrEmbedding, "non-finite embedding")
		}
	}
	if !store.Normalize(vec) {
		return nil, errors.Wrap(ErrEmbedding, "zero embedding")
	}
	return vec, nil
}

// annotate stores one crop per detection and the frame with all boxes drawn.
func (p *Processor) annotate(ctx context.Context, frame *vision.Frame, res *Result) error {
	for _, d := range res.Detections {
		data, err := vision.EncodeJPEG(vision.Crop(frame.Image, d.BBox), p.cfg.JPEGQuality)
		if err != nil {
			return errors.Wrap(err, "encode crop")
		}
		key := artifact.NewKey(artifact.KindCrop, "jpg")
		if err := p.artifacts.Put(ctx, key, data); err != nil {
			return errors.Wrap(err, "persist crop")
		}
		res.CropKeys = append(res.CropKeys, key)
	}

	data, err := vision.EncodeJPEG(vision.Annotate(frame.Image, res.Detections), p.cfg.JPEGQuality)
	if err != nil {
		return errors.Wrap(err, "encode annotated frame")
	}
	key := artifact.NewKey(artifact.KindAnnotated, "jpg")
	if err := p.artifacts.Put(ctx, key, data); err != nil {
		return errors.Wrap(err, "persist annotated frame")
	}
	res.AnnotatedKey = key
	return nil
}
