package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"market-analyzer/internal/analysis"
)

// Runs prints recent ingestion run summaries.
func (a *App) Runs(ctx context.Context, opts RunsOptions) error {
	if opts.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", analysis.ErrInvalidParameter)
	}
	rt, err := a.bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	runs, err := rt.store.ListRecentRuns(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no ingestion runs recorded")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tAs Of\tOK\tNew\tFailed\tSkipped\tShort\tBuy\tSell\tFailures")

	for _, run := range runs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.AsOf.Format(analysis.DateLayout),
			run.Succeeded,
			run.NewRecords,
			run.Failed,
			run.Skipped,
			run.Insufficient,
			run.BuyCount,
			run.SellCount,
			formatFailures(run.Failures),
		)
	}

	writer.Flush()
	return nil
}

func formatFailures(failures map[int32]string) string {
	if len(failures) == 0 {
		return "-"
	}
	ids := make([]int32, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d:%s", id, failures[id]))
	}
	return strings.Join(parts, ",")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
