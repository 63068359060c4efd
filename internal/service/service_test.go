package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/cache"
	"market-analyzer/internal/catalog"
	"market-analyzer/internal/metrics"
	"market-analyzer/internal/storage"
)

const testRegion int32 = 10000002

var day0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func dayN(n int) time.Time { return day0.AddDate(0, 0, n) }

// spikeHistory returns 20 days at base followed by one day at last.
func spikeHistory(base, last float64) []analysis.PriceRecord {
	out := make([]analysis.PriceRecord, 0, 21)
	for i := 0; i < 20; i++ {
		out = append(out, analysis.PriceRecord{Date: dayN(i), AveragePrice: base, Volume: 1000})
	}
	return append(out, analysis.PriceRecord{Date: dayN(20), AveragePrice: last, Volume: 1000})
}

type fakeSource struct {
	mu      sync.Mutex
	history map[int32][]analysis.PriceRecord
	raw     map[int32][]analysis.PriceRecord
	errs    map[int32]error
	block   map[int32]bool
	calls   map[int32]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		history: make(map[int32][]analysis.PriceRecord),
		raw:     make(map[int32][]analysis.PriceRecord),
		errs:    make(map[int32]error),
		block:   make(map[int32]bool),
		calls:   make(map[int32]int),
	}
}

func (f *fakeSource) FetchHistory(ctx context.Context, _ int32, typeID int32, from, to time.Time) ([]analysis.PriceRecord, error) {
	f.mu.Lock()
	f.calls[typeID]++
	block, err := f.block[typeID], f.errs[typeID]
	raw, hasRaw := f.raw[typeID]
	history := f.history[typeID]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if hasRaw {
		return raw, nil
	}
	out := make([]analysis.PriceRecord, 0, len(history))
	for _, rec := range history {
		if !rec.Date.Before(from) && !rec.Date.After(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSource) callCount(typeID int32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[typeID]
}

// countingStore records non-empty appends.
type countingStore struct {
	*storage.SQLiteStore
	mu      sync.Mutex
	appends int
}

func (c *countingStore) AppendHistory(ctx context.Context, regionID, typeID int32, records []analysis.PriceRecord) error {
	if len(records) > 0 {
		c.mu.Lock()
		c.appends++
		c.mu.Unlock()
	}
	return c.SQLiteStore.AppendHistory(ctx, regionID, typeID, records)
}

type lockedStore struct {
	*storage.SQLiteStore
}

func (lockedStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

type countingCache struct {
	mu          sync.Mutex
	entries     map[analysis.Criteria]analysis.Result
	hits        int
	invalidated int
}

func (c *countingCache) Get(_ context.Context, crit analysis.Criteria) (analysis.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[crit]
	if !ok {
		return analysis.Result{}, cache.ErrCacheMiss
	}
	c.hits++
	return res, nil
}

func (c *countingCache) Set(_ context.Context, crit analysis.Criteria, res analysis.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[analysis.Criteria]analysis.Result)
	}
	c.entries[crit] = res
	return nil
}

func (c *countingCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.invalidated++
	return nil
}

func openStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func testOptions() Options {
	return Options{
		RegionID:     testRegion,
		Workers:      2,
		FetchTimeout: time.Second,
		LookbackDays: 400,
		Stats:        analysis.StatsOptions{WindowSize: 20, BandK: 2},
		Criteria:     analysis.Criteria{MinVolume: 50, ZThreshold: 2, Limit: 50},
	}
}

func testCatalog(t *testing.T, ids ...int32) *catalog.Catalog {
	t.Helper()
	items := make([]analysis.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, analysis.Item{TypeID: id, TypeName: catalog.FallbackName(id)})
	}
	c, err := catalog.New(items)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func standardSource() *fakeSource {
	src := newFakeSource()
	src.history[34] = spikeHistory(5.00, 4.00)
	src.history[35] = spikeHistory(10.00, 13.00)
	src.history[36] = spikeHistory(7.00, 7.00)[16:]
	return src
}

func TestRunDailyIngestsAndClassifies(t *testing.T) {
	store := openStore(t)
	svc := New(testOptions(), store, store, standardSource(), nil, nil, zerolog.Nop())

	report, err := svc.RunDaily(context.Background(), testCatalog(t, 34, 35, 36), dayN(20))
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if report.RunID == "" {
		t.Fatal("run id missing")
	}
	if report.Succeeded != 3 || report.NewRecords != 21+21+5 {
		t.Fatalf("succeeded=%d new_records=%d", report.Succeeded, report.NewRecords)
	}
	if len(report.Failed) != 0 || len(report.Skipped) != 0 {
		t.Fatalf("failed=%v skipped=%v", report.Failed, report.Skipped)
	}
	if len(report.Insufficient) != 1 || report.Insufficient[0].TypeID != 36 {
		t.Fatalf("insufficient = %+v", report.Insufficient)
	}

	buy, sell := report.Candidates.Buy, report.Candidates.Sell
	if len(buy) != 1 || buy[0].TypeID != 34 || buy[0].ZScore >= -2 {
		t.Fatalf("buy = %+v", buy)
	}
	if len(sell) != 1 || sell[0].TypeID != 35 || sell[0].ZScore <= 2 {
		t.Fatalf("sell = %+v", sell)
	}
	if buy[0].AveragePrice != 4.00 || !buy[0].Date.Equal(dayN(20)) {
		t.Fatalf("buy candidate uses wrong day: %+v", buy[0])
	}

	runs, err := store.ListRecentRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != report.RunID || runs[0].BuyCount != 1 || runs[0].Insufficient != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunDailyIsIdempotent(t *testing.T) {
	store := &countingStore{SQLiteStore: openStore(t)}
	src := standardSource()
	svc := New(testOptions(), store, store, src, nil, nil, zerolog.Nop())
	cat := testCatalog(t, 34, 35, 36)
	ctx := context.Background()

	first, err := svc.RunDaily(ctx, cat, dayN(20))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	appendsAfterFirst := store.appends
	fetchesAfterFirst := src.callCount(34)

	second, err := svc.RunDaily(ctx, cat, dayN(20))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.NewRecords != 0 || second.Succeeded != first.Succeeded {
		t.Fatalf("second run: new_records=%d succeeded=%d", second.NewRecords, second.Succeeded)
	}
	if store.appends != appendsAfterFirst {
		t.Fatalf("second run wrote %d batches", store.appends-appendsAfterFirst)
	}
	if src.callCount(34) != fetchesAfterFirst {
		t.Fatal("fully ingested item should not be fetched again")
	}
	if len(second.Candidates.Buy) != 1 || second.Candidates.Buy[0].ZScore != first.Candidates.Buy[0].ZScore {
		t.Fatalf("candidates changed between runs: %+v vs %+v", first.Candidates, second.Candidates)
	}
}

func TestRunDailyFetchesOnlyMissingDays(t *testing.T) {
	store := openStore(t)
	src := standardSource()
	svc := New(testOptions(), store, store, src, nil, nil, zerolog.Nop())
	cat := testCatalog(t, 34)
	ctx := context.Background()

	if _, err := svc.RunDaily(ctx, cat, dayN(19)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := svc.RunDaily(ctx, cat, dayN(20))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.NewRecords != 1 {
		t.Fatalf("new_records = %d, want 1", report.NewRecords)
	}
	if len(report.Candidates.Buy) != 1 {
		t.Fatalf("buy = %+v", report.Candidates.Buy)
	}
}

func TestRunDailyFlatWindowIsNotACandidate(t *testing.T) {
	store := openStore(t)
	src := newFakeSource()
	src.history[34] = spikeHistory(5.00, 4.00)
	svc := New(testOptions(), store, store, src, nil, nil, zerolog.Nop())

	// as of day 19 the window is 20 flat days
	report, err := svc.RunDaily(context.Background(), testCatalog(t, 34), dayN(19))
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if report.Succeeded != 1 || len(report.Insufficient) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Candidates.Buy)+len(report.Candidates.Sell) != 0 {
		t.Fatalf("flat window produced candidates: %+v", report.Candidates)
	}
}

func TestRunDailyIsolatesFailures(t *testing.T) {
	store := openStore(t)
	src := standardSource()
	src.errs[35] = analysis.ErrUnavailable
	svc := New(testOptions(), store, store, src, nil, nil, zerolog.Nop())

	report, err := svc.RunDaily(context.Background(), testCatalog(t, 34, 35), dayN(20))
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("failed = %+v", report.Failed)
	}
	if f := report.Failed[0]; f.Item.TypeID != 35 || f.Reason != analysis.ReasonUnavailable {
		t.Fatalf("failure = %+v", f)
	}
	if report.Succeeded != 1 || len(report.Candidates.Buy) != 1 {
		t.Fatalf("healthy item should still be processed: %+v", report)
	}

	runs, _ := store.ListRecentRuns(context.Background(), 1)
	if len(runs) != 1 || runs[0].Failures[35] != analysis.ReasonUnavailable {
		t.Fatalf("run record failures = %+v", runs)
	}
}

func TestRunDailyRecordsItemOutcomes(t *testing.T) {
	store := openStore(t)
	src := standardSource()
	src.errs[35] = analysis.ErrUnavailable
	recorder := metrics.New()
	svc := New(testOptions(), store, store, src, nil, recorder, zerolog.Nop())

	if _, err := svc.RunDaily(context.Background(), testCatalog(t, 34, 35, 36), dayN(20)); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}

	expected := `
# HELP market_analyzer_items_total Items processed by ingestion runs, by outcome
# TYPE market_analyzer_items_total counter
market_analyzer_items_total{outcome="failed"} 1
market_analyzer_items_total{outcome="insufficient"} 1
market_analyzer_items_total{outcome="skipped"} 0
market_analyzer_items_total{outcome="succeeded"} 1
`
	if err := testutil.GatherAndCompare(recorder.Registry(), strings.NewReader(expected), "market_analyzer_items_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRunDailyRejectsMalformedBatch(t *testing.T) {
	cases := map[string][]analysis.PriceRecord{
		"out of order": {
			{Date: dayN(2), AveragePrice: 5, Volume: 10},
			{Date: dayN(1), AveragePrice: 5, Volume: 10},
		},
		"duplicate": {
			{Date: dayN(1), AveragePrice: 5, Volume: 10},
			{Date: dayN(1), AveragePrice: 5, Volume: 10},
		},
		"non-positive price": {
			{Date: dayN(1), AveragePrice: 0, Volume: 10},
		},
		"negative volume": {
			{Date: dayN(1), AveragePrice: 5, Volume: -1},
		},
		"after as of": {
			{Date: dayN(30), AveragePrice: 5, Volume: 10},
		},
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			store := openStore(t)
			src := newFakeSource()
			src.raw[34] = raw
			svc := New(testOptions(), store, store, src, nil, nil, zerolog.Nop())

			report, err := svc.RunDaily(context.Background(), testCatalog(t, 34), dayN(20))
			if err != nil {
				t.Fatalf("RunDaily: %v", err)
			}
			if len(report.Failed) != 1 || report.Failed[0].Reason != analysis.ReasonMalformedHistory {
				t.Fatalf("failed = %+v", report.Failed)
			}
			if _, ok, _ := store.LastDate(context.Background(), testRegion, 34); ok {
				t.Fatal("malformed batch must not be written")
			}
		})
	}
}

func TestRunDailyRejectsStaleRecords(t *testing.T) {
	store := openStore(t)
	src := standardSource()
	svc := New(testOptions(), store, store, src, nil, nil, zerolog.Nop())
	cat := testCatalog(t, 34)
	ctx := context.Background()

	if _, err := svc.RunDaily(ctx, cat, dayN(19)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	src.raw[34] = []analysis.PriceRecord{
		{Date: dayN(19), AveragePrice: 5, Volume: 1000},
		{Date: dayN(20), AveragePrice: 4, Volume: 1000},
	}
	report, err := svc.RunDaily(ctx, cat, dayN(20))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Reason != analysis.ReasonMalformedHistory {
		t.Fatalf("failed = %+v", report.Failed)
	}
	last, _, _ := store.LastDate(ctx, testRegion, 34)
	if !last.Equal(dayN(19)) {
		t.Fatalf("last date = %s, want unchanged", last)
	}
}

func TestRunDailyCancelledItemsAreSkipped(t *testing.T) {
	store := openStore(t)
	svc := New(testOptions(), store, store, standardSource(), nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.RunDaily(ctx, testCatalog(t, 34, 35, 36), dayN(20))
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(report.Skipped) != 3 || len(report.Failed) != 0 || report.Succeeded != 0 {
		t.Fatalf("report = %+v", report)
	}
	runs, _ := store.ListRecentRuns(context.Background(), 1)
	if len(runs) != 1 || runs[0].Skipped != 3 {
		t.Fatalf("cancelled run should still be recorded: %+v", runs)
	}
}

func TestRunDailyFetchTimeoutIsUnavailable(t *testing.T) {
	store := openStore(t)
	src := standardSource()
	src.block[35] = true
	opts := testOptions()
	opts.FetchTimeout = 20 * time.Millisecond
	svc := New(opts, store, store, src, nil, nil, zerolog.Nop())

	report, err := svc.RunDaily(context.Background(), testCatalog(t, 34, 35), dayN(20))
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Reason != analysis.ReasonUnavailable {
		t.Fatalf("failed = %+v", report.Failed)
	}
	if report.Succeeded != 1 {
		t.Fatalf("succeeded = %d", report.Succeeded)
	}
}

func TestRunDailyHonoursAdvisoryLock(t *testing.T) {
	store := lockedStore{openStore(t)}
	opts := testOptions()
	opts.AdvisoryLockKey = 42
	src := standardSource()
	svc := New(opts, store, store, src, nil, nil, zerolog.Nop())

	_, err := svc.RunDaily(context.Background(), testCatalog(t, 34), dayN(20))
	if !errors.Is(err, ErrRunLocked) {
		t.Fatalf("err = %v, want ErrRunLocked", err)
	}
	if src.callCount(34) != 0 {
		t.Fatal("locked run must not fetch")
	}
}

func TestRunDailyRejectsInvalidOptions(t *testing.T) {
	store := openStore(t)
	opts := testOptions()
	opts.Criteria.ZThreshold = 0
	svc := New(opts, store, store, standardSource(), nil, nil, zerolog.Nop())

	_, err := svc.RunDaily(context.Background(), testCatalog(t, 34), dayN(20))
	if !errors.Is(err, analysis.ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestCandidatesUsesCacheAndRunInvalidates(t *testing.T) {
	store := openStore(t)
	c := &countingCache{}
	svc := New(testOptions(), store, store, standardSource(), c, nil, zerolog.Nop())
	cat := testCatalog(t, 34, 35, 36)
	ctx := context.Background()
	crit := analysis.Criteria{MinVolume: 50, ZThreshold: 2, Limit: 10}

	empty, err := svc.Candidates(ctx, cat, crit)
	if err != nil {
		t.Fatalf("Candidates on empty store: %v", err)
	}
	if empty.Buy == nil || len(empty.Buy)+len(empty.Sell) != 0 {
		t.Fatalf("empty store result = %+v", empty)
	}

	if _, err := svc.RunDaily(ctx, cat, dayN(20)); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if c.invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", c.invalidated)
	}

	res, err := svc.Candidates(ctx, cat, crit)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(res.Buy) != 1 || res.Buy[0].TypeID != 34 || len(res.Sell) != 1 || res.Sell[0].TypeID != 35 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := svc.Candidates(ctx, cat, crit); err != nil {
		t.Fatalf("Candidates (cached): %v", err)
	}
	if c.hits != 1 {
		t.Fatalf("cache hits = %d, want 1", c.hits)
	}

	if _, err := svc.Candidates(ctx, cat, analysis.Criteria{MinVolume: -1, ZThreshold: 2, Limit: 1}); !errors.Is(err, analysis.ErrInvalidParameter) {
		t.Fatalf("invalid criteria err = %v", err)
	}
}

func TestSeriesFiltersByRange(t *testing.T) {
	store := openStore(t)
	svc := New(testOptions(), store, store, standardSource(), nil, nil, zerolog.Nop())
	ctx := context.Background()
	if _, err := svc.RunDaily(ctx, testCatalog(t, 34), dayN(20)); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}

	all, err := svc.Series(ctx, 34, storage.Range{})
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[0].ZScore != nil || all[1].ZScore == nil {
		t.Fatalf("flat day should have no z-score, spike day should: %+v", all)
	}

	from := dayN(20)
	tail, err := svc.Series(ctx, 34, storage.Range{From: &from})
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(tail) != 1 || !tail[0].Date.Equal(dayN(20)) {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestDefaultAsOf(t *testing.T) {
	got := DefaultAsOf(time.Date(2025, 3, 2, 11, 30, 0, 0, time.UTC))
	if !got.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("DefaultAsOf = %s", got)
	}
}
