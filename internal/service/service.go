package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/cache"
	"market-analyzer/internal/catalog"
	"market-analyzer/internal/config"
	"market-analyzer/internal/fetcher"
	"market-analyzer/internal/metrics"
	"market-analyzer/internal/scheduler"
	"market-analyzer/internal/storage"
)

// ErrRunLocked indicates another process holds the daily-run lock.
var ErrRunLocked = errors.New("service: daily run already in progress")

// Options tune the daily batch.
type Options struct {
	RegionID        int32
	Workers         int
	FetchTimeout    time.Duration
	LookbackDays    int
	Stats           analysis.StatsOptions
	Criteria        analysis.Criteria
	AdvisoryLockKey int64
}

// OptionsFromConfig extracts service options from runtime configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RegionID:        cfg.ESI.RegionID,
		Workers:         cfg.Ingest.Workers,
		FetchTimeout:    cfg.Ingest.FetchTimeout,
		LookbackDays:    cfg.Ingest.LookbackDays,
		Stats:           cfg.StatsOptions(),
		Criteria:        cfg.Criteria(),
		AdvisoryLockKey: cfg.Scheduler.AdvisoryLockKey,
	}
}

// Service coordinates ingestion, statistics, and classification.
type Service struct {
	opts    Options
	store   storage.HistoryStore
	runs    storage.RunStore
	source  fetcher.HistorySource
	cache   cache.CandidateCache
	metrics *metrics.Recorder
	locker  storage.AdvisoryLocker
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs the coordinator. runs, candidates, and recorder may be nil.
func New(opts Options, store storage.HistoryStore, runs storage.RunStore, source fetcher.HistorySource, candidates cache.CandidateCache, recorder *metrics.Recorder, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if candidates == nil {
		candidates = cache.Noop{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		opts:    opts,
		store:   store,
		runs:    runs,
		source:  source,
		cache:   candidates,
		metrics: recorder,
		locker:  locker,
		logger:  logger.With().Str("component", "service").Logger(),
		now:     time.Now,
	}
}

// Run drives RunDaily from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler, cat *catalog.Catalog) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		asOf := DefaultAsOf(tick)
		report, err := s.RunDaily(ctx, cat, asOf)
		if errors.Is(err, ErrRunLocked) {
			s.logger.Info().Time("as_of", asOf).Msg("skip run because advisory lock held elsewhere")
			return nil
		}
		if err != nil {
			return err
		}
		s.logger.Info().
			Str("run_id", report.RunID).
			Int("succeeded", report.Succeeded).
			Int("failed", len(report.Failed)).
			Msg("scheduled run finished")
		return nil
	})
}

// DefaultAsOf is the latest complete UTC day at time t.
func DefaultAsOf(t time.Time) time.Time {
	return analysis.Day(t).AddDate(0, 0, -1)
}

// RunDaily ingests missing days for every catalog item up to asOf, computes
// their statistics, and classifies the resulting snapshots. Per-item failures
// are recorded in the report; the returned error covers run-level problems only.
func (s *Service) RunDaily(ctx context.Context, cat *catalog.Catalog, asOf time.Time) (Report, error) {
	asOf = analysis.Day(asOf)
	if err := s.opts.Stats.Validate(); err != nil {
		return Report{}, err
	}
	if err := s.opts.Criteria.Validate(); err != nil {
		return Report{}, err
	}
	if s.source == nil {
		return Report{}, fmt.Errorf("%w: no history source configured", analysis.ErrInvalidParameter)
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		return Report{}, ErrRunLocked
	}
	if unlock != nil {
		defer unlock()
	}

	report := Report{
		RunID:     uuid.NewString(),
		AsOf:      asOf,
		StartedAt: s.now().UTC(),
	}
	logger := s.logger.With().Str("run_id", report.RunID).Time("as_of", asOf).Logger()
	logger.Info().Int("items", cat.Len()).Int("workers", s.opts.Workers).Msg("daily run started")

	items := cat.Items()
	results := make([]itemResult, len(items))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i] = s.processItem(ctx, item, asOf, logger)
			return nil
		})
	}
	_ = g.Wait()

	snapshots := report.collect(results)
	report.Candidates, err = analysis.Classify(snapshots, s.opts.Criteria)
	if err != nil {
		return report, err
	}
	report.FinishedAt = s.now().UTC()

	s.finish(ctx, &report, logger)
	return report, nil
}

func (s *Service) finish(ctx context.Context, report *Report, logger zerolog.Logger) {
	buy, sell := len(report.Candidates.Buy), len(report.Candidates.Sell)
	s.metrics.RecordRun(report.FinishedAt.Sub(report.StartedAt), report.NewRecords, buy, sell, report.FinishedAt)
	for outcome, n := range report.Outcomes() {
		s.metrics.RecordItems(outcome, n)
	}

	// bookkeeping must survive a cancelled run
	bg := context.WithoutCancel(ctx)
	if report.NewRecords > 0 {
		if err := s.cache.Invalidate(bg); err != nil {
			logger.Warn().Err(err).Msg("failed to invalidate candidate cache")
		}
	}
	if s.runs != nil {
		if err := s.runs.InsertRun(bg, report.record()); err != nil {
			logger.Error().Err(err).Msg("failed to persist run record")
		}
	}

	logger.Info().
		Int("succeeded", report.Succeeded).
		Int("new_records", report.NewRecords).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Int("insufficient", len(report.Insufficient)).
		Int("buy", buy).
		Int("sell", sell).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("daily run finished")
}

func (s *Service) processItem(ctx context.Context, item analysis.Item, asOf time.Time, logger zerolog.Logger) itemResult {
	res := itemResult{item: item}
	if ctx.Err() != nil {
		res.outcome = outcomeSkipped
		return res
	}
	logger = logger.With().Int32("type_id", item.TypeID).Logger()

	last, hasLast, err := s.store.LastDate(ctx, s.opts.RegionID, item.TypeID)
	if err != nil {
		return res.fail(ctx, fmt.Errorf("last date: %w", err), logger)
	}

	from := asOf.AddDate(0, 0, -(s.opts.LookbackDays - 1))
	if hasLast {
		from = last.AddDate(0, 0, 1)
	}

	if !from.After(asOf) {
		fetchCtx, cancel := s.fetchContext(ctx)
		started := time.Now()
		records, err := s.source.FetchHistory(fetchCtx, s.opts.RegionID, item.TypeID, from, asOf)
		s.metrics.RecordFetch(time.Since(started))
		if err != nil && ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: fetch timed out after %s: %w", analysis.ErrUnavailable, s.opts.FetchTimeout, err)
		}
		cancel()
		if err != nil {
			return res.fail(ctx, fmt.Errorf("fetch history: %w", err), logger)
		}
		if err := validateBatch(records, from, asOf); err != nil {
			return res.fail(ctx, err, logger)
		}
		if err := s.store.AppendHistory(ctx, s.opts.RegionID, item.TypeID, records); err != nil {
			return res.fail(ctx, fmt.Errorf("append history: %w", err), logger)
		}
		res.newRecords = len(records)
		if len(records) > 0 {
			logger.Debug().Int("records", len(records)).Msg("history appended")
		}
	}

	to := asOf
	history, err := s.store.ReadHistory(ctx, s.opts.RegionID, item.TypeID, storage.Range{To: &to})
	if err != nil {
		return res.fail(ctx, fmt.Errorf("read history: %w", err), logger)
	}

	stats, err := analysis.Compute(history, s.opts.Stats, asOf)
	if errors.Is(err, analysis.ErrInsufficientData) {
		logger.Debug().Int("records", len(history)).Msg("not enough history for a full window")
		res.outcome = outcomeInsufficient
		return res
	}
	if err != nil {
		return res.fail(ctx, err, logger)
	}

	res.outcome = outcomeSucceeded
	res.snapshot = analysis.Snapshot{Item: item, Stats: stats}
	return res
}

func (s *Service) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.FetchTimeout)
}

// validateBatch checks fetched records before they are written: ascending
// unique days inside [from, to], positive prices, non-negative volume.
func validateBatch(records []analysis.PriceRecord, from, to time.Time) error {
	if err := analysis.ValidateHistory(records); err != nil {
		return err
	}
	for _, rec := range records {
		day := analysis.Day(rec.Date)
		if day.Before(from) || day.After(to) {
			return fmt.Errorf("%w: record %s outside [%s, %s]", analysis.ErrMalformedHistory,
				day.Format(analysis.DateLayout), from.Format(analysis.DateLayout), to.Format(analysis.DateLayout))
		}
		if !(rec.AveragePrice > 0) {
			return fmt.Errorf("%w: non-positive price on %s", analysis.ErrMalformedHistory, day.Format(analysis.DateLayout))
		}
		if rec.Volume < 0 {
			return fmt.Errorf("%w: negative volume on %s", analysis.ErrMalformedHistory, day.Format(analysis.DateLayout))
		}
	}
	return nil
}

// Candidates classifies every catalog item as of its latest stored day.
// Results are served from the candidate cache when present.
func (s *Service) Candidates(ctx context.Context, cat *catalog.Catalog, criteria analysis.Criteria) (analysis.Result, error) {
	if err := criteria.Validate(); err != nil {
		return analysis.Result{}, err
	}

	if cached, err := s.cache.Get(ctx, criteria); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn().Err(err).Msg("candidate cache read failed")
	}

	snapshots, err := s.Snapshots(ctx, cat)
	if err != nil {
		return analysis.Result{}, err
	}
	res, err := analysis.Classify(snapshots, criteria)
	if err != nil {
		return analysis.Result{}, err
	}

	if err := s.cache.Set(ctx, criteria, res); err != nil {
		s.logger.Warn().Err(err).Msg("candidate cache write failed")
	}
	return res, nil
}

// Snapshots computes each item's statistics as of its latest stored day.
// Items without a full window are omitted.
func (s *Service) Snapshots(ctx context.Context, cat *catalog.Catalog) ([]analysis.Snapshot, error) {
	snapshots := make([]analysis.Snapshot, 0, cat.Len())
	for _, item := range cat.Items() {
		history, err := s.store.ReadHistory(ctx, s.opts.RegionID, item.TypeID, storage.Range{})
		if err != nil {
			return nil, fmt.Errorf("read history for %d: %w", item.TypeID, err)
		}
		if len(history) == 0 {
			continue
		}
		stats, err := analysis.Compute(history, s.opts.Stats, history[len(history)-1].Date)
		if errors.Is(err, analysis.ErrInsufficientData) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("compute stats for %d: %w", item.TypeID, err)
		}
		snapshots = append(snapshots, analysis.Snapshot{Item: item, Stats: stats})
	}
	return snapshots, nil
}

// Series returns the rolling statistics of one item for every day with a full window.
func (s *Service) Series(ctx context.Context, typeID int32, r storage.Range) ([]analysis.RollingStats, error) {
	history, err := s.store.ReadHistory(ctx, s.opts.RegionID, typeID, storage.Range{To: r.To})
	if err != nil {
		return nil, fmt.Errorf("read history for %d: %w", typeID, err)
	}
	series, err := analysis.Series(history, s.opts.Stats)
	if err != nil {
		return nil, err
	}
	if r.From == nil {
		return series, nil
	}
	from := analysis.Day(*r.From)
	out := series[:0]
	for _, st := range series {
		if !st.Date.Before(from) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
