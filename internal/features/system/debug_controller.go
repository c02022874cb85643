package system

import (
	"github.com/gofiber/fiber/v2"

	"go-crm-sync/internal/middleware"
	"go-crm-sync/pkg/utils"
)

type DebugController struct{}

func NewDebugController() *DebugController {
	return &DebugController{}
}

// GetCurrentUser godoc
// @Summary      Get current user info
// @Description  Show the caller and tenant resolved from the JWT
// @Tags         debug
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/debug/me [get]
func (c *DebugController) GetCurrentUser(ctx *fiber.Ctx) error {
	var roles []string
	if claims, ok := ctx.Locals(utils.UserClaimsKey).(*utils.UserClaims); ok {
		roles = claims.Roles
	}
	return ctx.JSON(fiber.Map{
		"user_id":         middleware.ActorID(ctx),
		"organization_id": middleware.OrganizationID(ctx),
		"roles":           roles,
	})
}
