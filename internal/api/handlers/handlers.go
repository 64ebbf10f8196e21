package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-dialer/internal/app"
	runsvc "github.com/acme/lead-dialer/internal/service/run"
)

// HandlerSet bundles the operator control surface handlers. The surface
// is deliberately narrow: create runs, observe progress, request
// cancellation. Everything else belongs to the surrounding CRM.
type HandlerSet struct {
	container *app.Container
	runs      *runsvc.Service
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return &HandlerSet{
		container: container,
		runs:      services.Run,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	tenant := v1.Group("/tenants/:tenant_id")
	tenant.Post("/leads", h.registerLeads)

	runs := tenant.Group("/runs")
	runs.Post("/", h.createRun)
	runs.Get("/", h.listRuns)
	runs.Get("/:id", h.getRun)
	runs.Post("/:id/cancel", h.cancelRun)
	runs.Get("/:id/jobs", h.listRunJobs)
	runs.Get("/:id/attempts", h.listRunAttempts)
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

	status := fiber.StatusOK
	health := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		health = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": health, "errors": errs})
}
