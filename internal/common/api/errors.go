package api

import (
	"errors"

	"go-crm-sync/internal/common/crmerrors"

	"github.com/gofiber/fiber/v2"
)

// StatusFor maps the error taxonomy to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, crmerrors.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, crmerrors.ErrAlreadySyncing):
		return fiber.StatusConflict
	case errors.Is(err, crmerrors.ErrIntegrationInactive):
		return fiber.StatusConflict
	case errors.Is(err, crmerrors.ErrConfiguration), errors.Is(err, crmerrors.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, crmerrors.ErrAuthentication):
		return fiber.StatusBadGateway
	case errors.Is(err, crmerrors.ErrTransientNetwork):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// Error writes err with the status StatusFor picks.
func Error(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}
