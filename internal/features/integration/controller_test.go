package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/middleware"
)

func newTestApp(t *testing.T) (*fiber.App, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	app := fiber.New()
	NewIntegrationApi(NewIntegrationController(f.service), &config.Config{SkipAuth: true}).Setup(app)
	return app, f
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestCreateAndGetIntegrationRoutes(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := doJSON(t, app, "POST", "/api/crm/integrations",
		`{"crm_type":"hubspot","credentials":{"access_token":"pat-secret"}}`)
	require.Equal(t, fiber.StatusCreated, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, middleware.DevOrganizationID, data["organization_id"])
	assert.NotContains(t, data, "credentials")
	id := data["id"].(string)

	status, body = doJSON(t, app, "GET", "/api/crm/integrations/"+id, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "HubSpot Integration", body["name"])

	status, body = doJSON(t, app, "GET", "/api/crm/integrations", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestIntegrationRouteErrors(t *testing.T) {
	app, f := newTestApp(t)
	other, err := f.service.CreateIntegration(context.Background(), "org-2", CreateRequest{
		CRMType:     models.CRMZoho,
		Credentials: map[string]string{"refresh_token": "x"},
	})
	require.NoError(t, err)

	status, _ := doJSON(t, app, "GET", "/api/crm/integrations/"+other.ID.Hex(), "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = doJSON(t, app, "GET", "/api/crm/integrations/not-an-id", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body := doJSON(t, app, "POST", "/api/crm/integrations", `{"crm_type":"dynamics","credentials":{"a":"b"}}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body["error"], "unsupported crm_type")

	status, _ = doJSON(t, app, "POST", "/api/crm/integrations", `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSettingsAndStatusRoutes(t *testing.T) {
	app, f := newTestApp(t)
	cfg, err := f.service.CreateIntegration(context.Background(), middleware.DevOrganizationID, CreateRequest{
		CRMType:     models.CRMPipedrive,
		Credentials: map[string]string{"api_token": "x", "company_domain": "acme"},
	})
	require.NoError(t, err)
	base := "/api/crm/integrations/" + cfg.ID.Hex()

	status, body := doJSON(t, app, "PUT", base+"/settings",
		`{"sync_settings":{"sync_frequency_minutes":30,"sync_direction":"to_crm","auto_create_records":false,"conflict_resolution":"manual","batch_size":25}}`)
	require.Equal(t, fiber.StatusOK, status)
	settings := body["data"].(map[string]any)["sync_settings"].(map[string]any)
	assert.Equal(t, "manual", settings["conflict_resolution"])

	status, _ = doJSON(t, app, "POST", base+"/disable", "")
	assert.Equal(t, fiber.StatusOK, status)
	status, body = doJSON(t, app, "GET", base, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "inactive", body["status"])

	f.factory.BuildErr = crmerrors.Authentication("pipedrive rejected the api token")
	status, body = doJSON(t, app, "GET", base+"/status", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["connected"])
}

func TestExportRouteServesWorkbook(t *testing.T) {
	app, f := newTestApp(t)
	cfg, err := f.service.CreateIntegration(context.Background(), middleware.DevOrganizationID, CreateRequest{
		CRMType:     models.CRMHubSpot,
		Credentials: map[string]string{"access_token": "x"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/crm/integrations/"+cfg.ID.Hex()+"/logs/export", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")
	raw, _ := io.ReadAll(resp.Body)
	assert.True(t, len(raw) > 0)
}
