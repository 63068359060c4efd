package storage

import (
	"time"
)

// Range bounds a history read; nil ends are open.
type Range struct {
	From *time.Time
	To   *time.Time
}

// RunRecord summarises one ingestion run for auditing.
type RunRecord struct {
	ID           string
	AsOf         time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Succeeded    int
	Failed       int
	Skipped      int
	Insufficient int
	NewRecords   int
	BuyCount     int
	SellCount    int
	// Failures maps type_id to reason tag.
	Failures map[int32]string
}
