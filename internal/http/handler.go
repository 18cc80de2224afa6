package http

import (
	"context"
	"path"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/artifact"
	"github.com/rupamthxt/visionvec/internal/cluster"
	"github.com/rupamthxt/visionvec/internal/store"
)

const (
	defaultTopK = 5
	maxTopK     = 1000
)

// SnapshotFunc writes a point-in-time copy of the index and reports where it
// went.
type SnapshotFunc func(ctx context.Context) (string, error)

type Handler struct {
	index     store.Index
	artifacts artifact.Store
	snapshot  SnapshotFunc
	logger    *zap.SugaredLogger
}

func NewHandler(index store.Index, artifacts artifact.Store, snapshot SnapshotFunc, logger *zap.SugaredLogger) *Handler {
	return &Handler{index: index, artifacts: artifacts, snapshot: snapshot, logger: logger}
}

func (h *Handler) CreateCollection(c *fiber.Ctx) error {
	var req CreateCollectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse json"})
	}
	if req.Metric == "" {
		req.Metric = store.MetricCosine
	}
	name := c.Params("name")
	if err := store.ValidateCollection(name, req.Dimension, req.Metric); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := h.index.CreateCollection(c.UserContext(), name, req.Dimension, req.Metric); err != nil {
		return h.indexError(c, err)
	}
	return c.JSON(fiber.Map{"message": "collection ready", "name": name})
}

func (h *Handler) GetCollection(c *fiber.Ctx) error {
	name := c.Params("name")
	n, err := h.index.Count(c.UserContext(), name)
	if err != nil {
		return h.indexError(c, err)
	}
	return c.JSON(CollectionResponse{Name: name, Count: n})
}

func (h *Handler) Insert(c *fiber.Ctx) error {
	var req InsertRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse json"})
	}
	if len(req.Vector) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "vector is required"})
	}

	ctx, coll := c.UserContext(), c.Params("name")
	id := req.ID
	var err error
	if id == "" {
		id, err = h.index.Insert(ctx, coll, req.Vector, req.Payload)
	} else {
		err = h.index.Upsert(ctx, coll, store.Point{ID: id, Vector: req.Vector, Payload: req.Payload})
	}
	if err != nil {
		return h.indexError(c, err)
	}
	return c.JSON(fiber.Map{"message": "data inserted successfully", "id": id})
}

func (h *Handler) Fetch(c *fiber.Ctx) error {
	p, err := h.index.Fetch(c.UserContext(), c.Params("name"), c.Params("id"))
	if err != nil {
		return h.indexError(c, err)
	}
	return c.JSON(PointResponse{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
}

func (h *Handler) UpdatePayload(c *fiber.Ctx) error {
	var req UpdatePayloadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse json"})
	}
	if len(req.Payload) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "payload is required"})
	}
	if err := h.index.UpdatePayload(c.UserContext(), c.Params("name"), c.Params("id"), req.Payload); err != nil {
		return h.indexError(c, err)
	}
	return c.JSON(fiber.Map{"message": "payload updated"})
}

func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.index.Delete(c.UserContext(), c.Params("name"), c.Params("id")); err != nil {
		return h.indexError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) Search(c *fiber.Ctx) error {
	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse json"})
	}
	if len(req.Vector) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "vector is required"})
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}
	if err := store.ValidatePayload(store.Payload(req.Filter)); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	hits, err := h.index.Search(c.UserContext(), c.Params("name"), req.Vector, req.TopK, req.Filter)
	if err != nil {
		return h.indexError(c, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{ID: hit.ID, Score: hit.Score, Payload: hit.Payload})
	}
	return c.JSON(SearchResponse{Results: results})
}

// Artifact serves a stored frame, crop or annotation by key.
func (h *Handler) Artifact(c *fiber.Ctx) error {
	key := strings.TrimPrefix(c.Params("*"), "/")
	if err := artifact.ValidateKey(key); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid artifact key"})
	}
	data, err := h.artifacts.Get(c.UserContext(), key)
	if errors.Is(err, artifact.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "artifact not found"})
	}
	if err != nil {
		h.logger.Errorw("artifact read failed", "key", key, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "artifact read failed"})
	}
	c.Type(strings.TrimPrefix(path.Ext(key), "."))
	return c.Send(data)
}

func (h *Handler) Snapshot(c *fiber.Ctx) error {
	if h.snapshot == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "backend does not support snapshots"})
	}
	where, err := h.snapshot(c.UserContext())
	if err != nil {
		h.logger.Errorw("snapshot failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "snapshot_saved", "path": where})
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) indexError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCollectionNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, store.ErrDimensionMismatch), errors.Is(err, store.ErrInvalidVector),
		errors.Is(err, store.ErrInvalidPayload), errors.Is(err, store.ErrInvalidName):
		status = fiber.StatusBadRequest
	case errors.Is(err, store.ErrCollectionMismatch):
		status = fiber.StatusConflict
	case errors.Is(err, cluster.ErrNotLeader):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusRequestTimeout
	default:
		h.logger.Errorw("index operation failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
