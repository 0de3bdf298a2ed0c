// Package main implements the recalld binary: the service daemon plus
// one-shot maintenance commands that share its configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/services"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is an optional YAML file layered over the defaults.
	configPath string
	// outputJSON switches command output from tables to JSON.
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Embedding and semantic search for journal entries",
	Long: `recalld turns journal entries into vector embeddings and serves
semantic search over them.

Run "recalld serve" for the HTTP API, pipeline workers and scheduled
sweeps. The other commands run one operation against the same stores
and exit.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (RECALLD_* env vars override it)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
}

// session is the process-wide setup shared by every command.
type session struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// bootstrap loads configuration and starts logging and telemetry.
func bootstrap(ctx context.Context) (*session, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadWithFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version),
		telemetry.WithLogger(logger.Underlying()))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if tel.Health().Degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without export")
	}
	return &session{cfg: cfg, logger: logger, telemetry: tel}, nil
}

// openApp bootstraps and wires every service.
func (r *session) openApp(ctx context.Context) (*services.App, error) {
	app, err := services.Open(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing services: %w", err)
	}
	return app, nil
}

// close flushes telemetry and the logger.
func (r *session) close(ctx context.Context) {
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
