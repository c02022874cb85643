// Command sync runs or cancels a single integration sync from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"go-crm-sync/internal/config"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/database"
	"go-crm-sync/internal/features/audit"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/runcontrol"
	sync_feature "go-crm-sync/internal/features/sync"
	"go-crm-sync/internal/features/vault"
	"go-crm-sync/internal/logger"
	"go-crm-sync/internal/metrics"
)

const actor = "cli"

type deps struct {
	Integrations integration.IntegrationRepository
	Sync         sync_feature.SyncService
}

// withDeps starts the storage and sync graph, calls fn and tears it down.
func withDeps(ctx context.Context, fn func(context.Context, *deps) error) error {
	d := &deps{}
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			config.LoadConfig,
			logger.NewLogger,
			database.NewDatabase,
			database.NewPostgres,
			database.NewRedis,
			metrics.NewMetrics,
			vault.NewVault,
			connectors.NewFactory,
			localstore.NewPostgresStore,
			runcontrol.NewRedisControl,
			audit.NewAuditRepository,
			audit.NewAuditService,
			integration.NewIntegrationRepository,
			integration.NewSyncLogRepository,
			integration.NewConflictRepository,
			sync_feature.NewSyncService,
		),
		fx.Populate(&d.Integrations, &d.Sync),
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()
	return fn(ctx, d)
}

func runCmd() *cobra.Command {
	var syncType string
	cmd := &cobra.Command{
		Use:   "run <integration-id>",
		Short: "Run one sync and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := integration.SyncType(syncType)
			if !st.Valid() {
				return fmt.Errorf("unknown sync type %q", syncType)
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				cfg, err := d.Integrations.Get(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := d.Sync.RunSync(audit.WithActor(ctx, cfg.OrganizationID, actor), args[0], st)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				if !result.Success {
					return fmt.Errorf("sync finished with %d failed records", result.RecordsFailed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&syncType, "type", "t", string(integration.SyncTypeIncremental), "full or incremental")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <integration-id>",
		Short: "Ask a running sync to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				if err := d.Sync.CancelSync(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
				return nil
			})
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "crm-sync",
		Short:         "Operate CRM integration syncs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), cancelCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
