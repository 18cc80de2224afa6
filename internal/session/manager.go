// Package session runs the per-connection event protocol: it decodes
// inbound events, sequences them through the frame processor and the vector
// index, and writes exactly one outbound event for each.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/metrics"
	"github.com/rupamthxt/visionvec/internal/pipeline"
	"github.com/rupamthxt/visionvec/internal/store"
	"github.com/rupamthxt/visionvec/internal/vision"
)

// ErrMalformedInput is returned for envelopes or payloads missing required
// fields or carrying undecodable values.
var ErrMalformedInput = errors.New("malformed input")

// Conn is one message-oriented client connection. ReadMessage blocks until
// a message arrives or the connection closes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
}

// FrameProcessor runs the frame pipeline.
type FrameProcessor interface {
	Process(ctx context.Context, encoded []byte, opts pipeline.Options) (*pipeline.Result, error)
}

type Config struct {
	Collection string
	QueueSize  int
	DefaultK   int
	MaxK       int
	Annotate   bool
	SaveFrames bool
}

type Manager struct {
	processor FrameProcessor
	index     store.Index
	cfg       Config
	logger    *zap.SugaredLogger
}

func NewManager(cfg Config, processor FrameProcessor, index store.Index, logger *zap.SugaredLogger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 100
	}
	return &Manager{processor: processor, index: index, cfg: cfg, logger: logger}
}

// Serve runs the session until the connection closes or ctx is done.
// Inbound events are queued and handled one at a time in arrival order;
// when the queue is full the reader stops reading. Closing the connection
// cancels whatever is still in flight.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	id := uuid.NewString()
	log := m.logger.With("session", id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	log.Infow("client connected")

	out := make(chan Event, m.cfg.QueueSize)
	writerDone := make(chan error, 1)
	go func() {
		err := m.write(conn, out)
		cancel()
		// Drain so the processor can finish.
		for range out {
		}
		writerDone <- err
	}()

	out <- Event{Event: EventStatus, Data: StatusData{Message: "connected to server"}}

	queue := make(chan []byte, m.cfg.QueueSize)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		defer close(out)
		for raw := range queue {
			ev := m.dispatch(ctx, log, raw)
			select {
			case out <- ev:
			case <-ctx.Done():
				// The writer is gone; keep draining so the reader never blocks.
			}
		}
	}()

	var readErr error
read:
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		select {
		case queue <- raw:
		case <-ctx.Done():
			break read
		}
	}

	cancel()
	close(queue)
	<-processorDone
	writeErr := <-writerDone

	log.Infow("client disconnected", "reason", readErr)
	if writeErr != nil && readErr == nil {
		return writeErr
	}
	return nil
}

// write sends events in order until out is closed or a write fails.
func (m *Manager) write(conn Conn, out <-chan Event) error {
	for ev := range out {
		b, err := json.Marshal(ev)
		if err != nil {
			m.logger.Errorw("failed to marshal event", "event", ev.Event, "error", err)
			b, _ = json.Marshal(Event{Event: EventError, Data: ErrorData{Error: "internal error"}})
		}
		if err := conn.WriteMessage(b); err != nil {
			return errors.Wrap(err, "write event")
		}
	}
	return nil
}

// dispatch handles one inbound message and always returns the single reply.
func (m *Manager) dispatch(ctx context.Context, log *zap.SugaredLogger, raw []byte) (ev Event) {
	var env Envelope
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("panic while handling event", "event", env.Event, "panic", r, "stack", string(debug.Stack()))
			ev = errorEvent(errors.New("internal server error"))
		}
		outcome := "ok"
		if ev.Event == EventError {
			outcome = "error"
		}
		name := env.Event
		switch name {
		case EventImage, EventCreateVector, EventSearchVector:
		default:
			name = "unknown"
		}
		metrics.SessionEvents.WithLabelValues(name, outcome).Inc()
		log.Debugw("event handled", "event", env.Event, "reply", ev.Event, "duration", time.Since(start))
	}()

	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		return errorEvent(errors.Wrap(ErrMalformedInput, "message is not an event envelope"))
	}

	var err error
	switch env.Event {
	case EventImage:
		ev, err = m.handleImage(ctx, log, env.Data)
	case EventCreateVector:
		ev, err = m.handleCreateVector(ctx, env.Data)
	case EventSearchVector:
		ev, err = m.handleSearchVector(ctx, env.Data)
	default:
		err = errors.Wrapf(ErrMalformedInput, "unknown event %q", env.Event)
	}
	if err != nil {
		log.Infow("event failed", "event", env.Event, "error", err)
		return errorEvent(err)
	}
	return ev
}

func (m *Manager) handleImage(ctx context.Context, log *zap.SugaredLogger, data json.RawMessage) (Event, error) {
	img, err := decodeImage(data)
	if err != nil {
		return Event{}, err
	}
	res, err := m.processor.Process(ctx, img, pipeline.Options{
		Mode:      pipeline.ModeDetect,
		Annotate:  m.cfg.Annotate,
		SaveFrame: m.cfg.SaveFrames,
	})
	if err != nil {
		return Event{}, err
	}
	if res.Degraded {
		log.Warnw("detection degraded to empty result", "error", res.Err)
	}
	return Event{Event: EventResult, Data: ResultData{
		Objects:      res.Detections,
		ImageSize:    ImageSize{Width: res.Width, Height: res.Height},
		Status:       statusSuccess,
		Degraded:     res.Degraded,
		FrameKey:     res.FrameKey,
		AnnotatedKey: res.AnnotatedKey,
	}}, nil
}

func (m *Manager) handleCreateVector(ctx context.Context, data json.RawMessage) (Event, error) {
	img, err := decodeImage(data)
	if err != nil {
		return Event{}, err
	}
	res, err := m.processor.Process(ctx, img, pipeline.Options{Mode: pipeline.ModeEmbed})
	if err != nil {
		return Event{}, err
	}

	payload := store.Payload{
		"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"artifact_key": res.FrameKey,
		"width":        res.Width,
		"height":       res.Height,
	}
	id, err := m.index.Insert(ctx, m.cfg.Collection, res.Vector, payload)
	if err != nil {
		return Event{}, errors.Wrap(err, "vector index")
	}
	return Event{Event: EventVector, Data: VectorData{Status: statusSuccess, Vector: res.Vector, ID: id}}, nil
}

func (m *Manager) handleSearchVector(ctx context.Context, data json.RawMessage) (Event, error) {
	var req searchRequest
	if len(data) == 0 {
		return Event{}, errors.Wrap(ErrMalformedInput, "vector is required")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Event{}, errors.Wrap(ErrMalformedInput, err.Error())
	}
	if len(req.Vector) == 0 {
		return Event{}, errors.Wrap(ErrMalformedInput, "vector is required")
	}
	k := m.cfg.DefaultK
	if req.K != nil {
		k = *req.K
	}
	if k <= 0 {
		return Event{}, errors.Wrapf(ErrMalformedInput, "k must be positive, got %d", k)
	}
	if k > m.cfg.MaxK {
		k = m.cfg.MaxK
	}
	if err := store.ValidatePayload(store.Payload(req.Filter)); err != nil {
		return Event{}, errors.Wrap(ErrMalformedInput, err.Error())
	}

	hits, err := m.index.Search(ctx, m.cfg.Collection, req.Vector, k, req.Filter)
	if err != nil {
		return Event{}, errors.Wrap(err, "vector index")
	}
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchHit{ID: h.ID, Score: h.Score, Payload: h.Payload})
	}
	return Event{Event: EventSearchResult, Data: SearchResultData{Image: out, Status: statusSuccess}}, nil
}

// decodeImage extracts the base64 frame of an image or createVector event.
// A data URL prefix is accepted.
func decodeImage(data json.RawMessage) ([]byte, error) {
	var req imageRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.Wrap(ErrMalformedInput, err.Error())
		}
	}
	if req.ImageBase64 == "" {
		return nil, errors.Wrap(ErrMalformedInput, "image_base64 is required")
	}
	b64 := req.ImageBase64
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i >= 0 {
			b64 = b64[i+1:]
		}
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedInput, "base64 decode failed: %v", err)
	}
	return img, nil
}

func errorEvent(err error) Event {
	msg := err.Error()
	switch {
	case errors.Is(err, vision.ErrDecode):
		msg = "image could not be decoded, check the image format"
	case errors.Is(err, pipeline.ErrEmbedding):
		msg = "embedding failed: " + err.Error()
	}
	return Event{Event: EventError, Data: ErrorData{Error: msg}}
}
