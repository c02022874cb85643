package system

import (
	"github.com/gofiber/fiber/v2"

	"go-crm-sync/internal/common/api"
	"go-crm-sync/internal/metrics"
)

type HealthApi struct {
	controller *HealthController
	metrics    *metrics.Metrics
}

func NewHealthApi(controller *HealthController, m *metrics.Metrics) api.Route {
	return &HealthApi{controller: controller, metrics: m}
}

// Setup registers health check and metrics routes
func (h *HealthApi) Setup(app *fiber.App) {
	app.Get("/health", h.controller.HealthCheck)
	app.Get("/health/ready", h.controller.Ready)
	app.Get("/metrics", h.metrics.Handler())
}
