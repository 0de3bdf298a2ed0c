package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/syncer"
)

var (
	syncUserID string
	syncSince  string
	syncNoWait bool
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cleanupCmd)

	syncCmd.Flags().StringVar(&syncUserID, "user-id", "", "only sweep records of this owner")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "sweep records created after this RFC 3339 time (default: now minus sync.window)")
	syncCmd.Flags().BoolVar(&syncNoWait, "no-wait", false, "enqueue only; leave embedding to a running service")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register new journal records and embed them",
	Long: `Sweep the source store for records created inside the sync window,
register a document for each one not seen before and run the embedding
pipeline until the queue is drained.

With the temporal runner, or with --no-wait, the command only enqueues.

Examples:
  # Sweep the last sync.window for everyone
  recalld sync

  # Sweep one owner since a point in time
  recalld sync --user-id u1 --since 2024-05-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old experiments and failed documents",
	Long: `Run the retention sweep once: finished experiments older than
retention.experiment_max_age and failed documents older than
retention.failed_document_max_age are deleted.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: %w", err)
	}
	return t, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	since, err := parseSince(syncSince)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	app, err := rt.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown() }()

	res, err := app.Syncer().Sync(ctx, syncer.Request{UserID: syncUserID, Since: since})
	if err != nil {
		return err
	}

	processed := 0
	if !syncNoWait && rt.cfg.Pipeline.Runner != "temporal" {
		processed, err = app.RunPending(ctx)
		if err != nil {
			return err
		}
	}
	rt.logger.Info(ctx, "sync finished",
		zap.Int("synced", res.Synced),
		zap.Int("total", res.Total),
		zap.Int("tasks_processed", processed))

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, res)
	}
	_, err = fmt.Fprintf(out, "Synced %d of %d records\n", res.Synced, res.Total)
	return err
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	app, err := rt.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown() }()

	res, err := app.Cleaner().Cleanup(ctx)
	out := cmd.OutOrStdout()
	if outputJSON {
		if perr := printJSON(out, res); perr != nil {
			return perr
		}
	} else {
		fmt.Fprintf(out, "Deleted %d experiments, %d failed documents\n", res.ExperimentsDeleted, res.DocumentsDeleted)
	}
	return err
}
