package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/service"
)

// Ingest performs one daily run and prints its report.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	asOf := service.DefaultAsOf(time.Now().UTC())
	if opts.AsOf != nil {
		asOf = analysis.Day(*opts.AsOf)
	}

	report, err := rt.service.RunDaily(ctx, rt.catalog, asOf)
	if err != nil {
		return err
	}
	a.printReport(report)
	printCandidates(a.Out, report.Candidates)
	return nil
}

func (a *App) printReport(report service.Report) {
	fmt.Fprintf(a.Out, "run %s as of %s: %d succeeded, %d new records, %d failed, %d skipped, %d insufficient\n",
		report.RunID,
		report.AsOf.Format(analysis.DateLayout),
		report.Succeeded,
		report.NewRecords,
		len(report.Failed),
		len(report.Skipped),
		len(report.Insufficient),
	)
	if len(report.Failed) == 0 {
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\nType ID\tName\tReason\tError")
	for _, f := range report.Failed {
		errMsg := ""
		if f.Err != nil {
			errMsg = sanitizeInline(f.Err.Error())
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", f.Item.TypeID, f.Item.TypeName, f.Reason, errMsg)
	}
	writer.Flush()
}
