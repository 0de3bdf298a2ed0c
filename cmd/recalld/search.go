package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/search"
)

var (
	searchUserID    string
	searchCategory  string
	searchTopK      int
	searchThreshold float32
)

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVar(&searchUserID, "user-id", "", "owner whose documents are searched (required)")
	searchCmd.Flags().StringVar(&searchCategory, "document-type", "", "restrict to one document type")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "maximum results (default search.default_top_k)")
	searchCmd.Flags().Float32Var(&searchThreshold, "threshold", -1, "minimum similarity 0..1 (default search.default_score_threshold)")
	_ = searchCmd.MarkFlagRequired("user-id")
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search from the terminal",
	Long: `Embed the query and print the most similar documents of one owner.

Examples:
  recalld search --user-id u1 "feeling anxious"
  recalld search --user-id u1 -k 3 --threshold 0.7 "good sleep"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	app, err := rt.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown() }()

	q := search.Query{
		Text:     strings.Join(args, " "),
		UserID:   searchUserID,
		Category: searchCategory,
		TopK:     searchTopK,
	}
	if searchThreshold >= 0 {
		th := searchThreshold
		q.ScoreThreshold = &th
	}

	resp, err := app.Search().Search(ctx, q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, resp)
	}
	if resp.Count == 0 {
		_, err := fmt.Fprintln(out, "No matching documents.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tID\tTITLE\tCREATED")
	for _, r := range resp.Results {
		title, created := "-", "-"
		if r.Document != nil {
			title = r.Document.Title
			created = r.Document.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", r.Score, r.ID, title, created)
	}
	return w.Flush()
}
