package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/storage"
)

// Stats prints the rolling statistics series of one item.
func (a *App) Stats(ctx context.Context, opts StatsOptions) error {
	if opts.TypeID <= 0 {
		return fmt.Errorf("%w: type id must be positive", analysis.ErrInvalidParameter)
	}

	rt, err := a.bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	series, err := rt.service.Series(ctx, opts.TypeID, storage.Range{})
	if err != nil {
		return err
	}
	if len(series) == 0 {
		fmt.Fprintf(a.Out, "no full %d-day window stored for type %d\n", a.Config.Analysis.WindowSize, opts.TypeID)
		return nil
	}
	if opts.Last > 0 && len(series) > opts.Last {
		series = series[len(series)-opts.Last:]
	}

	name := fmt.Sprintf("type %d", opts.TypeID)
	if item, ok := rt.catalog.Lookup(opts.TypeID); ok {
		name = item.TypeName
	}
	fmt.Fprintf(a.Out, "%s (window %d, k %.2f)\n", name, a.Config.Analysis.WindowSize, a.Config.Analysis.BandK)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tAverage\tMean\tStd\tZ\tLower\tUpper\tVolume")
	for _, st := range series {
		z := "-"
		if st.ZScore != nil {
			z = formatFloat(*st.ZScore, 3)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			st.Date.Format(analysis.DateLayout),
			formatFloat(st.AveragePrice, 3),
			formatFloat(st.Mean, 3),
			formatFloat(st.Std, 3),
			z,
			formatFloat(st.BandLower, 3),
			formatFloat(st.BandUpper, 3),
			st.Volume,
		)
	}
	writer.Flush()
	return nil
}
