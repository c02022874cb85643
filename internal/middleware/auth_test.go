package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-crm-sync/pkg/utils"
)

func newApp(skipAuth bool) *fiber.App {
	app := fiber.New()
	api := app.Group("/api", AuthMiddleware(skipAuth))
	api.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"organization_id": OrganizationID(c), "actor": ActorID(c)})
	})
	api.Post("/admin", RequireRole("admin"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestAuthMiddleware(t *testing.T) {
	utils.SetSecret("mw-secret")
	adminToken, err := utils.GenerateToken("u1", "org-7", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	viewerToken, err := utils.GenerateToken("u2", "org-7", []string{"viewer"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{name: "missing header", method: http.MethodGet, path: "/api/whoami", want: fiber.StatusUnauthorized},
		{name: "wrong scheme", method: http.MethodGet, path: "/api/whoami", header: "Basic abc", want: fiber.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, path: "/api/whoami", header: "Bearer nope", want: fiber.StatusUnauthorized},
		{name: "valid token", method: http.MethodGet, path: "/api/whoami", header: "Bearer " + adminToken, want: fiber.StatusOK},
		{name: "admin route as admin", method: http.MethodPost, path: "/api/admin", header: "Bearer " + adminToken, want: fiber.StatusNoContent},
		{name: "admin route as viewer", method: http.MethodPost, path: "/api/admin", header: "Bearer " + viewerToken, want: fiber.StatusForbidden},
	}

	app := newApp(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSkipAuthUsesDevOrganization(t *testing.T) {
	resp, err := newApp(true).Test(httptest.NewRequest(http.MethodPost, "/api/admin", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}
