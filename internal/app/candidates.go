package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"market-analyzer/internal/analysis"
)

// Candidates prints buy and sell candidates as of each item's latest stored day.
func (a *App) Candidates(ctx context.Context, opts CandidatesOptions) error {
	rt, err := a.bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	criteria := a.Config.Criteria()
	if opts.MinVolume != nil {
		criteria.MinVolume = *opts.MinVolume
	}
	if opts.ZThreshold != nil {
		criteria.ZThreshold = *opts.ZThreshold
	}
	if opts.Limit != nil {
		criteria.Limit = *opts.Limit
	}

	res, err := rt.service.Candidates(ctx, rt.catalog, criteria)
	if err != nil {
		return err
	}
	printCandidates(a.Out, res)
	return nil
}

func printCandidates(out io.Writer, res analysis.Result) {
	fmt.Fprintln(out, "\nBUY CANDIDATES (JITA)")
	if len(res.Buy) == 0 {
		fmt.Fprintln(out, "no buy candidates: no item trades clearly below its rolling mean at the current threshold")
	} else {
		fmt.Fprintln(out, "z_score << 0: price well below its rolling mean (mean-reversion buy setup)")
		printCandidateTable(out, res.Buy, "Lower Band", func(c analysis.Candidate) float64 { return c.BandLower })
	}

	fmt.Fprintln(out, "\nSELL CANDIDATES (JITA)")
	if len(res.Sell) == 0 {
		fmt.Fprintln(out, "no sell candidates: no item trades clearly above its rolling mean at the current threshold")
	} else {
		fmt.Fprintln(out, "z_score >> 0: price well above its rolling mean (mean-reversion sell setup)")
		printCandidateTable(out, res.Sell, "Upper Band", func(c analysis.Candidate) float64 { return c.BandUpper })
	}
}

func printCandidateTable(out io.Writer, list []analysis.Candidate, bandLabel string, band func(analysis.Candidate) float64) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Type ID\tName\tDate\tAverage\tMean\tStd\tZ\tDiff%%\t%s\tVolume\n", bandLabel)
	for _, c := range list {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			c.TypeID,
			sanitizeInline(c.TypeName),
			c.Date.Format(analysis.DateLayout),
			formatFloat(c.AveragePrice, 3),
			formatFloat(c.RollingMean, 3),
			formatFloat(c.RollingStd, 3),
			formatFloat(c.ZScore, 3),
			formatFloat(c.PctDiff*100, 2),
			formatFloat(band(c), 3),
			c.Volume,
		)
	}
	writer.Flush()
}
