package integration

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"go-crm-sync/internal/common/api"
	"go-crm-sync/internal/middleware"
)

type IntegrationController struct {
	Service IntegrationService
}

func NewIntegrationController(service IntegrationService) *IntegrationController {
	return &IntegrationController{
		Service: service,
	}
}

// CreateIntegration godoc
func (ctrl *IntegrationController) CreateIntegration(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	cfg, err := ctrl.Service.CreateIntegration(c.Context(), middleware.OrganizationID(c), req)
	if err != nil {
		return api.Error(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "CRM integration created successfully",
		"data":    cfg,
	})
}

// ListIntegrations godoc
func (ctrl *IntegrationController) ListIntegrations(c *fiber.Ctx) error {
	configs, err := ctrl.Service.ListIntegrations(c.Context(), middleware.OrganizationID(c))
	if err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"data": configs,
	})
}

// GetIntegration godoc
func (ctrl *IntegrationController) GetIntegration(c *fiber.Ctx) error {
	cfg, err := ctrl.Service.GetIntegration(c.Context(), middleware.OrganizationID(c), c.Params("id"))
	if err != nil {
		return api.Error(c, err)
	}

	return c.JSON(cfg)
}

// UpdateSettings godoc
func (ctrl *IntegrationController) UpdateSettings(c *fiber.Ctx) error {
	var req UpdateSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	cfg, err := ctrl.Service.UpdateSettings(c.Context(), middleware.OrganizationID(c), c.Params("id"), req)
	if err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "CRM integration updated successfully",
		"data":    cfg,
	})
}

// UpdateCredentials godoc
func (ctrl *IntegrationController) UpdateCredentials(c *fiber.Ctx) error {
	var body struct {
		Credentials map[string]string `json:"credentials"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := ctrl.Service.UpdateCredentials(c.Context(), middleware.OrganizationID(c), c.Params("id"), body.Credentials); err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Credentials updated successfully",
	})
}

// Disable godoc
func (ctrl *IntegrationController) Disable(c *fiber.Ctx) error {
	if err := ctrl.Service.Disable(c.Context(), middleware.OrganizationID(c), c.Params("id")); err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "CRM integration disabled",
	})
}

// Enable godoc
func (ctrl *IntegrationController) Enable(c *fiber.Ctx) error {
	if err := ctrl.Service.Enable(c.Context(), middleware.OrganizationID(c), c.Params("id")); err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "CRM integration enabled",
	})
}

// TestConnection godoc
func (ctrl *IntegrationController) TestConnection(c *fiber.Ctx) error {
	err := ctrl.Service.TestConnection(c.Context(), middleware.OrganizationID(c), c.Params("id"))
	if err != nil {
		status := api.StatusFor(err)
		if status == fiber.StatusNotFound {
			return api.Error(c, err)
		}
		return c.JSON(fiber.Map{
			"connected": false,
			"message":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"connected": true,
		"message":   "Connected",
	})
}

// ListSyncResults godoc
func (ctrl *IntegrationController) ListSyncResults(c *fiber.Ctx) error {
	limit, _ := strconv.ParseInt(c.Query("limit", "50"), 10, 64)
	results, err := ctrl.Service.ListSyncResults(c.Context(), middleware.OrganizationID(c), c.Params("id"), limit)
	if err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"data": results,
	})
}

// ExportSyncResults godoc
func (ctrl *IntegrationController) ExportSyncResults(c *fiber.Ctx) error {
	id := c.Params("id")
	content, err := ctrl.Service.ExportSyncResults(c.Context(), middleware.OrganizationID(c), id)
	if err != nil {
		return api.Error(c, err)
	}

	filename := fmt.Sprintf("crm-sync-%s-%s.xlsx", id, time.Now().UTC().Format("20060102"))
	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(content)
}

// ListConflicts godoc
func (ctrl *IntegrationController) ListConflicts(c *fiber.Ctx) error {
	limit, _ := strconv.ParseInt(c.Query("limit", "50"), 10, 64)
	conflicts, err := ctrl.Service.ListConflicts(c.Context(), middleware.OrganizationID(c), c.Params("id"), limit)
	if err != nil {
		return api.Error(c, err)
	}

	return c.JSON(fiber.Map{
		"data": conflicts,
	})
}
