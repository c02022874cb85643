package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := NewMetrics()

	m.RunStarted()
	m.Record("salesforce", "lead", "from_crm", "success")
	m.Record("salesforce", "lead", "from_crm", "success")
	m.Request("salesforce", 200)
	m.Request("salesforce", 0)
	m.RunFinished("salesforce", "full", "success", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsTotal.WithLabelValues("salesforce", "lead", "from_crm", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("salesforce", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("salesforce", "full", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsInFlight))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.Record("hubspot", "lead", "to_crm", "failed")
		m.Retry("hubspot")
		m.ScheduledSkip()
		m.RunFinished("hubspot", "incremental", "error", time.Second)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.Conflict("zoho", "opportunity")

	app := fiber.New()
	app.Get("/metrics", m.Handler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), `crm_sync_conflicts_total{entity="opportunity",provider="zoho"} 1`)
}
