package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/app"
)

var ingestAsOf string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch missing history once and report candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{}
		if ingestAsOf != "" {
			asOf, err := analysis.ParseDay(ingestAsOf)
			if err != nil {
				return fmt.Errorf("invalid --as-of value: %w", err)
			}
			opts.AsOf = &asOf
		}
		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestAsOf, "as-of", "", "Last day to ingest (YYYY-MM-DD, defaults to yesterday UTC)")
}
