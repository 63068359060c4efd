package cli

import (
	"github.com/spf13/cobra"

	"market-analyzer/internal/app"
)

var (
	candMinVolume  int64
	candZThreshold float64
	candLimit      int
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Print buy and sell candidates from stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CandidatesOptions{}
		if cmd.Flags().Changed("min-volume") {
			opts.MinVolume = &candMinVolume
		}
		if cmd.Flags().Changed("z-threshold") {
			opts.ZThreshold = &candZThreshold
		}
		if cmd.Flags().Changed("limit") {
			opts.Limit = &candLimit
		}
		return getApp().Candidates(cmd.Context(), opts)
	},
}

func init() {
	candidatesCmd.Flags().Int64Var(&candMinVolume, "min-volume", 0, "Minimum daily volume (defaults to config)")
	candidatesCmd.Flags().Float64Var(&candZThreshold, "z-threshold", 0, "Absolute z-score threshold (defaults to config)")
	candidatesCmd.Flags().IntVar(&candLimit, "limit", 0, "Maximum candidates per side (defaults to config)")
}
