// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests Australian legal documents into a plain-text corpus.",
		Long: `harvester builds and maintains a corpus of Australian legislation and
case law. It indexes the configured sources, retrieves every document that is
new or out of date, extracts plain text, and appends the results to a JSONL
corpus on disk. Runs are resumable: indices and document listings are cached,
so an interrupted run picks up where it left off.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./harvester.yaml)")

	cmd.AddCommand(newHarvestCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
