package cli

import (
	"github.com/spf13/cobra"

	"market-analyzer/internal/app"
)

var (
	exportDir       string
	exportPNGTypeID int32
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export candidates as CSV and an item chart as PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Dir:       exportDir,
			PNGTypeID: exportPNGTypeID,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "Output directory (defaults to config)")
	exportCmd.Flags().Int32Var(&exportPNGTypeID, "png-type-id", 0, "Render price, mean, and bands of this type to PNG")
}
