package fetcher

import (
	"context"
	"time"

	"market-analyzer/internal/analysis"
)

// HistorySource retrieves daily market history for one item in one region.
// Returned records are ascending by date and fall within [from, to].
type HistorySource interface {
	FetchHistory(ctx context.Context, regionID, typeID int32, from, to time.Time) ([]analysis.PriceRecord, error)
}

// NameSource resolves display names for type IDs.
type NameSource interface {
	FetchTypeName(ctx context.Context, typeID int32) (string, error)
}
