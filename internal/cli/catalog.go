package cli

import (
	"github.com/spf13/cobra"

	"market-analyzer/internal/app"
)

var (
	discoverRoots    []string
	discoverMaxTypes int
	discoverOut      string
	discoverNames    bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the tracked item catalog",
}

var catalogDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Build catalog.items from ESI market groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DiscoverCatalog(cmd.Context(), app.DiscoverOptions{
			RootNames: discoverRoots,
			MaxTypes:  discoverMaxTypes,
			Output:    discoverOut,
			Names:     discoverNames,
		})
	},
}

func init() {
	catalogDiscoverCmd.Flags().StringSliceVar(&discoverRoots, "root", nil, "Root market group name (repeatable, defaults to config)")
	catalogDiscoverCmd.Flags().IntVar(&discoverMaxTypes, "max-types", 0, "Cap on discovered types (defaults to config)")
	catalogDiscoverCmd.Flags().StringVar(&discoverOut, "out", "", "Write the catalog to this config file instead of stdout")
	catalogDiscoverCmd.Flags().BoolVar(&discoverNames, "names", false, "Resolve type names")
	catalogCmd.AddCommand(catalogDiscoverCmd)
}
