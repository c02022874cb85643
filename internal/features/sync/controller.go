package sync

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"go-crm-sync/internal/common/api"
	"go-crm-sync/internal/features/audit"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/middleware"
)

type SyncController struct {
	Service      SyncService
	Integrations integration.IntegrationService
}

func NewSyncController(service SyncService, integrations integration.IntegrationService) *SyncController {
	return &SyncController{
		Service:      service,
		Integrations: integrations,
	}
}

// RunSync godoc
// Starts a sync run. With ?wait=true the request blocks until the run
// finishes and returns its result.
func (ctrl *SyncController) RunSync(c *fiber.Ctx) error {
	orgID := middleware.OrganizationID(c)
	id := c.Params("id")
	if _, err := ctrl.Integrations.GetIntegration(c.Context(), orgID, id); err != nil {
		return api.Error(c, err)
	}

	syncType := integration.SyncType(c.Query("type", string(integration.SyncTypeIncremental)))

	if c.QueryBool("wait") {
		ctx := audit.WithActor(c.Context(), orgID, middleware.ActorID(c))
		result, err := ctrl.Service.RunSync(ctx, id, syncType)
		if err != nil && result == nil {
			return api.Error(c, err)
		}
		return c.JSON(fiber.Map{
			"data": result,
		})
	}

	// The request context is recycled once the handler returns.
	ctx := audit.WithActor(context.Background(), orgID, middleware.ActorID(c))
	runID, err := ctrl.Service.StartSync(ctx, id, syncType)
	if err != nil {
		return api.Error(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "CRM sync started",
		"run_id":  runID,
	})
}

// CancelSync godoc
func (ctrl *SyncController) CancelSync(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := ctrl.Integrations.GetIntegration(c.Context(), middleware.OrganizationID(c), id); err != nil {
		return api.Error(c, err)
	}

	if err := ctrl.Service.CancelSync(c.Context(), id); err != nil {
		return api.Error(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Cancellation requested",
	})
}
