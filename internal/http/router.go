package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/session"
)

type Options struct {
	// BodyLimit bounds REST request bodies in bytes.
	BodyLimit int
	// RequestLog enables the fiber access log.
	RequestLog bool
	// PublicDir, when set, is served at the root for browser clients.
	PublicDir string
}

// NewApp wires every route. ctx bounds the lifetime of WebSocket sessions.
func NewApp(ctx context.Context, h *Handler, sessions *session.Manager, opts Options, log *zap.SugaredLogger) *fiber.App {
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = 16 << 20
	}
	app := fiber.New(fiber.Config{
		AppName:               "visionvec",
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	if opts.RequestLog {
		app.Use(logger.New())
	}

	app.Get("/healthz", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use("/ws", requireUpgrade)
	app.Get("/ws", sessionHandler(ctx, sessions, log))

	api := app.Group("/api/v1")
	api.Put("/collections/:name", h.CreateCollection)
	api.Get("/collections/:name", h.GetCollection)
	api.Post("/collections/:name/points", h.Insert)
	api.Get("/collections/:name/points/:id", h.Fetch)
	api.Patch("/collections/:name/points/:id/payload", h.UpdatePayload)
	api.Delete("/collections/:name/points/:id", h.Delete)
	api.Post("/collections/:name/search", h.Search)
	api.Get("/artifacts/*", h.Artifact)

	admin := app.Group("/admin")
	admin.Post("/snapshot", h.Snapshot)

	if opts.PublicDir != "" {
		app.Static("/", opts.PublicDir)
	}
	return app
}
