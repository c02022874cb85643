package sync

import (
	"go-crm-sync/internal/common/api"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SyncApi struct {
	controller *SyncController
	config     *config.Config
}

func NewSyncApi(controller *SyncController, config *config.Config) api.Route {
	return &SyncApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers the run routes
func (h *SyncApi) Setup(app *fiber.App) {
	group := app.Group("/api/crm/integrations", middleware.AuthMiddleware(h.config.SkipAuth))
	admin := middleware.RequireRole("admin")

	group.Post("/:id/sync", admin, h.controller.RunSync)
	group.Post("/:id/cancel", admin, h.controller.CancelSync)
}
