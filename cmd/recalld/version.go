package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := map[string]string{
			"version":    version,
			"commit":     gitCommit,
			"build_date": buildDate,
			"go":         goruntime.Version(),
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, info)
		}
		fmt.Fprintf(out, "recalld by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		_, err := fmt.Fprintf(out, "Go:         %s\n", info["go"])
		return err
	},
}
