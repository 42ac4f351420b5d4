package handlers

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/app"
	"github.com/acme/outbound-fax-dispatch/internal/configstore"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/manager"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/registry"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
	"github.com/acme/outbound-fax-dispatch/internal/webhook"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	manager   *manager.Manager
	router    *webhook.Router
	store     *configstore.Store
	registry  *registry.Registry
	audit     repository.AuditStore
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) (*HandlerSet, error) {
	mgr, err := container.Manager()
	if err != nil {
		return nil, err
	}
	router, err := container.Router()
	if err != nil {
		return nil, err
	}
	store, err := container.Store()
	if err != nil {
		return nil, err
	}
	reg, err := container.Registry()
	if err != nil {
		return nil, err
	}
	auditStore, err := container.AuditStore()
	if err != nil {
		return nil, err
	}
	return &HandlerSet{
		container: container,
		manager:   mgr,
		router:    router,
		store:     store,
		registry:  reg,
		audit:     auditStore,
	}, nil
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	app.Post("/webhooks/:pluginId", h.providerCallback)

	api := app.Group("/api")
	v1 := api.Group("/v1", h.requireAPIKey)

	jobs := v1.Group("/jobs")
	jobs.Post("/", h.sendJob)
	jobs.Get("/:id", h.getJob)
	jobs.Delete("/:id", h.cancelJob)
	jobs.Get("/:id/audit", h.jobAudit)

	plugins := v1.Group("/plugins")
	plugins.Get("/", h.listPlugins)
	plugins.Post("/:id/reload", h.reloadPlugin)

	cfg := v1.Group("/config")
	cfg.Get("/", h.getConfig)
	cfg.Put("/", h.putConfig)
	cfg.Get("/backups", h.listBackups)
	cfg.Post("/rollback", h.rollback)

	v1.Get("/webhooks/recent", h.recentWebhooks)
}

// requireAPIKey guards the administrative surface. With no key
// configured the surface stays open, for local development only.
func (h *HandlerSet) requireAPIKey(ctx *fiber.Ctx) error {
	key := h.container.Config.HTTP.APIKey
	if key == "" {
		return ctx.Next()
	}
	provided := ctx.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid api key")
	}
	return ctx.Next()
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	report := h.manager.HealthCheck(healthCtx)
	if !report.Healthy {
		errs["providers"] = "one or more providers unhealthy"
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{
		"status":    statusWord(len(errs) == 0),
		"errors":    errs,
		"providers": report.Slots,
	})
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}
