package system

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"go-crm-sync/internal/database"
)

// Check pings one backing store.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthController struct {
	Checks  []Check
	Timeout time.Duration
}

func NewHealthController(mongodb *database.MongodbDB, pg *sql.DB, rdb *redis.Client) *HealthController {
	return &HealthController{
		Checks: []Check{
			{Name: "mongodb", Ping: func(ctx context.Context) error { return mongodb.DB.Client().Ping(ctx, nil) }},
			{Name: "postgres", Ping: pg.PingContext},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Timeout: 3 * time.Second,
	}
}

// HealthCheck godoc
// @Summary      Health Check
// @Description  Check if the server is up
// @Tags         health
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Router       /health [get]
func (h *HealthController) HealthCheck(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Ready godoc
// @Summary      Readiness
// @Description  Ping every backing store
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /health/ready [get]
func (h *HealthController) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.Timeout)
	defer cancel()

	status := fiber.StatusOK
	checks := fiber.Map{}
	for _, check := range h.Checks {
		if err := check.Ping(ctx); err != nil {
			checks[check.Name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		checks[check.Name] = "ok"
	}
	return c.Status(status).JSON(fiber.Map{"checks": checks})
}
