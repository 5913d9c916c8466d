// Command erpbridge runs the ERP data-integration service: the REST API, the
// sync scheduler, and one-off sync and migration tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erpbridge/erpbridge/internal/config"
	"github.com/erpbridge/erpbridge/internal/httpapi"
	"github.com/erpbridge/erpbridge/internal/logging"
	"github.com/erpbridge/erpbridge/internal/storage/postgres"
)

// version is stamped via -ldflags at release build time.
var version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "erpbridge",
		Short:         "ERP data-integration and sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file (environment wins)")

	root.AddCommand(serveCmd(), migrateCmd(), syncCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()

			store, err := postgres.Open(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolSize)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		entityName string
		syncType   string
		pageSize   int
		maxPages   int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync batch for an entity and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx, configFile)
			if err != nil {
				return err
			}
			defer app.close()

			batch, err := app.runOnce(ctx, entityName, syncType, pageSize, maxPages)
			if batch != nil {
				out, _ := json.MarshalIndent(batch, "", "  ")
				fmt.Println(string(out))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&entityName, "entity", "", "entity name to sync")
	cmd.Flags().StringVar(&syncType, "type", "full", "sync type: full, incremental, background")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "source fetch page size")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "cap on source pages (0 = unbounded)")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("erpbridge", version)
		},
	}
}

func init() {
	httpapi.Version = version
}
