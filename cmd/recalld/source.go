package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/source"
)

func init() {
	rootCmd.AddCommand(sourceCmd)
	sourceCmd.AddCommand(sourceImportCmd)
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage the journal source store",
}

var sourceImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load journal records from a JSON file or stdin",
	Long: `Import a JSON array of journal records into the source store.

Each record needs "user_id" plus "content" or "text". "id", "title",
"date", "mood", "tags" and "created_at" are optional. A record with an
existing id replaces the stored one. Run "recalld sync" afterwards to embed
them.

Examples:
  recalld source import entries.json
  cat entries.json | recalld source import -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSourceImport,
}

func runSourceImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}

	ctx := cmd.Context()
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	store, err := source.Open(source.Options{Path: rt.cfg.Source.Path, InMemory: rt.cfg.Source.InMemory}, rt.logger.Named("source"))
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.Import(ctx, r)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, res)
	}
	_, err = fmt.Fprintf(out, "Imported %d records, skipped %d\n", res.Imported, res.Skipped)
	return err
}
