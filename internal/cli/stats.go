package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-analyzer/internal/app"
)

var (
	statsTypeID int32
	statsLast   int
	runsLimit   int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the rolling statistics of one item",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsTypeID <= 0 {
			return fmt.Errorf("--type-id must be greater than zero")
		}
		return getApp().Stats(cmd.Context(), app.StatsOptions{TypeID: statsTypeID, Last: statsLast})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Display recent ingestion runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Runs(cmd.Context(), app.RunsOptions{Limit: runsLimit})
	},
}

func init() {
	statsCmd.Flags().Int32Var(&statsTypeID, "type-id", 0, "Type ID to inspect")
	statsCmd.Flags().IntVar(&statsLast, "last", 30, "Number of most recent days to print (0 for all)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to display")
}
