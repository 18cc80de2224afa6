package worker

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/vision"
)

// Factory starts the worker for a pool slot.
type Factory func(id int) (*PythonWorker, error)

type slot struct {
	id int
	w  *PythonWorker
}

// Pool hands out a fixed number of workers. A worker whose pipe broke is
// replaced on its next checkout.
type Pool struct {
	slots   chan *slot
	factory Factory
	dim     int
	logger  *zap.SugaredLogger
}

var (
	_ vision.Detector = (*Pool)(nil)
	_ vision.Embedder = (*Pool)(nil)
)

// NewPool starts size workers. dim is the embedding dimension the model
// produces; Embed rejects vectors of any other length.
func NewPool(size, dim int, factory Factory, logger *zap.SugaredLogger) (*Pool, error) {
	if size <= 0 {
		return nil, errors.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		slots:   make(chan *slot, size),
		factory: factory,
		dim:     dim,
		logger:  logger,
	}
	for i := 0; i < size; i++ {
		w, err := factory(i)
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "start worker %d", i), p.Close())
		}
		p.slots <- &slot{id: i, w: w}
	}
	logger.Infow("python workers started", "count", size)
	return p, nil
}

func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	select {
	case s := <-p.slots:
		if s.w == nil {
			w, err := p.factory(s.id)
			if err != nil {
				p.slots <- s
				return nil, errors.Wrapf(err, "restart worker %d", s.id)
			}
			p.logger.Infow("python worker restarted", "worker", s.id)
			s.w = w
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns s to the pool, discarding its process if err shows the
// pipe is unusable.
func (p *Pool) release(s *slot, err error) {
	if err != nil && !errors.Is(err, ErrWorker) {
		p.logger.Warnw("python worker failed, replacing", "worker", s.id, "error", err)
		if cerr := s.w.Close(); cerr != nil {
			p.logger.Debugw("python worker exit", "worker", s.id, "error", cerr)
		}
		s.w = nil
	}
	p.slots <- s
}

func (p *Pool) Detect(ctx context.Context, f *vision.Frame) (dets []vision.Detection, err error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.release(s, err) }()
	return s.w.Detect(ctx, f.Encoded)
}

func (p *Pool) Embed(ctx context.Context, f *vision.Frame) (vec []float32, err error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.release(s, err) }()

	vec, err = s.w.Embed(ctx, f.Encoded)
	if err != nil {
		return nil, err
	}
	if len(vec) != p.dim {
		return nil, errors.Wrapf(ErrWorker, "embedding has %d dimensions, expected %d", len(vec), p.dim)
	}
	return vec, nil
}

func (p *Pool) Dimension() int { return p.dim }

// Close stops every idle worker. Workers checked out at the time are not
// waited for.
func (p *Pool) Close() error {
	var err error
	for {
		select {
		case s := <-p.slots:
			if s.w != nil {
				err = multierr.Append(err, s.w.Close())
			}
		default:
			return err
		}
	}
}
