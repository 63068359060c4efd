package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/storage"
)

const (
	outcomeSucceeded    = "succeeded"
	outcomeInsufficient = "insufficient"
	outcomeFailed       = "failed"
	outcomeSkipped      = "skipped"
)

// ItemFailure records why one item could not be processed.
type ItemFailure struct {
	Item   analysis.Item `json:"item"`
	Reason string        `json:"reason"`
	Err    error         `json:"-"`
}

// Report summarises one daily run.
//
// Succeeded counts items whose ingestion completed, including those listed
// in Insufficient. Failed, Skipped, and Succeeded are disjoint.
type Report struct {
	RunID        string          `json:"run_id"`
	AsOf         time.Time       `json:"as_of"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Succeeded    int             `json:"succeeded"`
	NewRecords   int             `json:"new_records"`
	Failed       []ItemFailure   `json:"failed"`
	Skipped      []analysis.Item `json:"skipped"`
	Insufficient []analysis.Item `json:"insufficient"`
	Candidates   analysis.Result `json:"candidates"`
}

type itemResult struct {
	item       analysis.Item
	outcome    string
	reason     string
	err        error
	newRecords int
	snapshot   analysis.Snapshot
}

// fail classifies err; cancellation of the run marks the item skipped.
func (r itemResult) fail(ctx context.Context, err error, logger zerolog.Logger) itemResult {
	if ctx.Err() != nil {
		r.outcome = outcomeSkipped
		return r
	}
	r.outcome = outcomeFailed
	r.reason = analysis.Reason(err)
	r.err = err
	logger.Warn().Err(err).Str("reason", r.reason).Msg("item failed")
	return r
}

func (rep *Report) collect(results []itemResult) []analysis.Snapshot {
	rep.Failed = make([]ItemFailure, 0)
	rep.Skipped = make([]analysis.Item, 0)
	rep.Insufficient = make([]analysis.Item, 0)

	snapshots := make([]analysis.Snapshot, 0, len(results))
	for _, res := range results {
		rep.NewRecords += res.newRecords
		switch res.outcome {
		case outcomeSucceeded:
			rep.Succeeded++
			snapshots = append(snapshots, res.snapshot)
		case outcomeInsufficient:
			rep.Succeeded++
			rep.Insufficient = append(rep.Insufficient, res.item)
		case outcomeFailed:
			rep.Failed = append(rep.Failed, ItemFailure{Item: res.item, Reason: res.reason, Err: res.err})
		default:
			rep.Skipped = append(rep.Skipped, res.item)
		}
	}
	return snapshots
}

func (rep *Report) record() storage.RunRecord {
	failures := make(map[int32]string, len(rep.Failed))
	for _, f := range rep.Failed {
		failures[f.Item.TypeID] = f.Reason
	}
	return storage.RunRecord{
		ID:           rep.RunID,
		AsOf:         rep.AsOf,
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
		Succeeded:    rep.Succeeded,
		Failed:       len(rep.Failed),
		Skipped:      len(rep.Skipped),
		Insufficient: len(rep.Insufficient),
		NewRecords:   rep.NewRecords,
		BuyCount:     len(rep.Candidates.Buy),
		SellCount:    len(rep.Candidates.Sell),
		Failures:     failures,
	}
}

// Outcomes returns per-outcome item counts.
func (rep Report) Outcomes() map[string]int {
	return map[string]int{
		outcomeSucceeded:    rep.Succeeded - len(rep.Insufficient),
		outcomeInsufficient: len(rep.Insufficient),
		outcomeFailed:       len(rep.Failed),
		outcomeSkipped:      len(rep.Skipped),
	}
}
