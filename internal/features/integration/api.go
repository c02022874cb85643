package integration

import (
	"go-crm-sync/internal/common/api"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type IntegrationApi struct {
	controller *IntegrationController
	config     *config.Config
}

func NewIntegrationApi(controller *IntegrationController, config *config.Config) api.Route {
	return &IntegrationApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers all integration routes
func (h *IntegrationApi) Setup(app *fiber.App) {
	group := app.Group("/api/crm/integrations", middleware.AuthMiddleware(h.config.SkipAuth))
	admin := middleware.RequireRole("admin")

	group.Post("/", admin, h.controller.CreateIntegration)
	group.Get("/", h.controller.ListIntegrations)
	group.Get("/:id", h.controller.GetIntegration)
	group.Put("/:id/settings", admin, h.controller.UpdateSettings)
	group.Put("/:id/credentials", admin, h.controller.UpdateCredentials)
	group.Post("/:id/disable", admin, h.controller.Disable)
	group.Post("/:id/enable", admin, h.controller.Enable)
	group.Get("/:id/status", h.controller.TestConnection)
	group.Get("/:id/logs", h.controller.ListSyncResults)
	group.Get("/:id/logs/export", h.controller.ExportSyncResults)
	group.Get("/:id/conflicts", h.controller.ListConflicts)
}
