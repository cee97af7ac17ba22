// Command sourceflow runs the source ingestion service.
//
//	sourceflow serve --config sourceflow.yaml   # HTTP API, MCP and resident workers
//	sourceflow worker --config sourceflow.yaml  # workers only
//	sourceflow migrate                          # apply the schema and exit
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/ingest"
	"github.com/hazyhaar/sourceflow/observability"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sourceflow",
	Short:        "Source ingestion and training pipeline",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SOURCEFLOW_CONFIG"), "YAML config file")
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and MCP endpoint and run resident workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *ingest.Service) error {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				svc.Run(ctx)
			}()
			err := svc.ListenAndServe(ctx, prometheus.DefaultGatherer)
			wg.Wait()
			return err
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run resident workers without the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *ingest.Service) error {
			svc.Run(ctx)
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(context.Context, *ingest.Service) error {
			slog.Info("sourceflow: schema applied")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "sourceflow", version)
	},
}

// withService loads the config, opens the database and the service, and
// runs fn until SIGINT or SIGTERM.
func withService(parent context.Context, fn func(context.Context, *ingest.Service) error) error {
	cfg, err := ingest.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DB, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := newService(db, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("sourceflow: starting", "version", version, "db", cfg.DB, "worker_id", cfg.Queue.WorkerID)
	return fn(ctx, svc)
}

func newService(db *sql.DB, cfg *ingest.Config, logger *slog.Logger) (*ingest.Service, error) {
	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMetrics(observability.NewMetrics(prometheus.DefaultRegisterer)),
	}
	return ingest.New(db, cfg, opts...)
}
