package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "go-crm-sync/internal/common/api"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/database"
	"go-crm-sync/internal/features/audit"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/runcontrol"
	"go-crm-sync/internal/features/scheduler"
	sync_feature "go-crm-sync/internal/features/sync"
	"go-crm-sync/internal/features/system"
	"go-crm-sync/internal/features/vault"
	"go-crm-sync/internal/logger"
	"go-crm-sync/internal/metrics"
	"go-crm-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(middleware.CORSMiddleware(cfg.CORSAllowOrigins))

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route, log *zap.Logger) {
	log.Info("Registering routes", zap.Int("count", len(routes)))
	for _, route := range routes {
		log.Debug("Setting up route", zap.String("route", fmt.Sprintf("%T", route)))
		route.Setup(app)
	}
}

// RegisterAllRoutesWithAnnotation wraps RegisterAllRoutes with fx annotations
var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`, ``),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

// InitializeIndexes ensures the Mongo indexes and the local Postgres
// tables exist before the scheduler starts claiming integrations.
func InitializeIndexes(
	lc fx.Lifecycle,
	integrations integration.IntegrationRepository,
	syncLogs integration.SyncLogRepository,
	conflicts integration.ConflictRepository,
	store localstore.Store,
	log *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := integrations.EnsureIndexes(ctx); err != nil {
				log.Error("Failed to ensure integration indexes", zap.Error(err))
			}
			if err := syncLogs.EnsureIndexes(ctx); err != nil {
				log.Error("Failed to ensure sync log indexes", zap.Error(err))
			}
			if err := conflicts.EnsureIndexes(ctx); err != nil {
				log.Error("Failed to ensure conflict indexes", zap.Error(err))
			}
			return store.EnsureSchema(ctx)
		},
	})
}

// StartScheduler runs the cron driven sync scheduler for the app's lifetime.
func StartScheduler(lc fx.Lifecycle, s scheduler.SchedulerService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop()
		},
	})
}

// @title           CRM Sync API
// @version         1.0
// @description     Bidirectional synchronization between local records and external CRMs.

// @host            localhost:8000
// @BasePath        /
func main() {
	app := fx.New(
		fx.Provide(
			// Load Config
			config.LoadConfig,

			// Initialize Logger
			logger.NewLogger,

			// Initialize Fiber Server
			NewFiberServer,

			// Initialize Databases
			database.NewDatabase,
			database.NewPostgres,
			database.NewRedis,

			metrics.NewMetrics,
			vault.NewVault,
			connectors.NewFactory,
			localstore.NewPostgresStore,
			runcontrol.NewRedisControl,

			// Initialize Repository
			audit.NewAuditRepository,
			integration.NewIntegrationRepository,
			integration.NewSyncLogRepository,
			integration.NewConflictRepository,

			audit.NewAuditService,
			integration.NewIntegrationService,
			sync_feature.NewSyncService,
			scheduler.NewSchedulerService,

			// Initialize Controller
			audit.NewAuditController,
			integration.NewIntegrationController,
			sync_feature.NewSyncController,
			system.NewHealthController,
			system.NewDebugController,

			// Initialize API Routes
			AsRoute(audit.NewAuditApi),
			AsRoute(integration.NewIntegrationApi),
			AsRoute(sync_feature.NewSyncApi),
			AsRoute(system.NewHealthApi),
			AsRoute(system.NewDebugApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			InitializeIndexes,
			RegisterAllRoutesWithAnnotation,
			StartServer,
			StartScheduler,
		),
	)

	app.Run()
}
