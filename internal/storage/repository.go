package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"market-analyzer/internal/analysis"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const pgUniqueViolation = "23505"

const (
	pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS market_history (
    region_id   INTEGER     NOT NULL,
    type_id     INTEGER     NOT NULL,
    date        DATE        NOT NULL,
    average     NUMERIC     NOT NULL,
    highest     NUMERIC     NOT NULL DEFAULT 0,
    lowest      NUMERIC     NOT NULL DEFAULT 0,
    volume      BIGINT      NOT NULL,
    order_count BIGINT      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (region_id, type_id, date)
);

CREATE TABLE IF NOT EXISTS type_names (
    type_id INTEGER PRIMARY KEY,
    name    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
    id           UUID PRIMARY KEY,
    as_of        DATE        NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL,
    succeeded    INTEGER     NOT NULL,
    failed       INTEGER     NOT NULL,
    skipped      INTEGER     NOT NULL,
    insufficient INTEGER     NOT NULL,
    new_records  INTEGER     NOT NULL,
    buy_count    INTEGER     NOT NULL,
    sell_count   INTEGER     NOT NULL,
    failures     JSONB       NOT NULL DEFAULT '{}'::jsonb
);`

	lastDateSQL = `SELECT max(date) FROM market_history WHERE region_id = $1 AND type_id = $2;`

	readHistorySQL = `SELECT
        date,
        average::text,
        highest::text,
        lowest::text,
        volume,
        order_count
    FROM market_history
    WHERE region_id = $1
      AND type_id = $2
      AND ($3::date IS NULL OR date >= $3::date)
      AND ($4::date IS NULL OR date <= $4::date)
    ORDER BY date;`

	insertHistorySQL = `INSERT INTO market_history (
        region_id,
        type_id,
        date,
        average,
        highest,
        lowest,
        volume,
        order_count
    ) VALUES (
        $1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7,$8
    );`

	selectTypeNameSQL = `SELECT name FROM type_names WHERE type_id = $1;`

	upsertTypeNameSQL = `INSERT INTO type_names (type_id, name) VALUES ($1, $2)
    ON CONFLICT (type_id) DO UPDATE SET name = EXCLUDED.name;`

	insertRunSQL = `INSERT INTO ingestion_runs (
        id,
        as_of,
        started_at,
        finished_at,
        succeeded,
        failed,
        skipped,
        insufficient,
        new_records,
        buy_count,
        sell_count,
        failures
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	listRecentRunsSQL = `SELECT
        id::text,
        as_of,
        started_at,
        finished_at,
        succeeded,
        failed,
        skipped,
        insufficient,
        new_records,
        buy_count,
        sell_count,
        failures
    FROM ingestion_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HistoryStore is the authoritative per-item daily history.
type HistoryStore interface {
	LastDate(ctx context.Context, regionID, typeID int32) (time.Time, bool, error)
	ReadHistory(ctx context.Context, regionID, typeID int32, r Range) ([]analysis.PriceRecord, error)
	// AppendHistory writes records atomically; records must be strictly ascending
	// and newer than the last stored date, otherwise analysis.ErrConflict is returned.
	AppendHistory(ctx context.Context, regionID, typeID int32, records []analysis.PriceRecord) error
}

// TypeNameStore caches resolved item names.
type TypeNameStore interface {
	TypeName(ctx context.Context, typeID int32) (string, bool, error)
	SaveTypeName(ctx context.Context, typeID int32, name string) error
}

// RunStore records ingestion run summaries.
type RunStore interface {
	InsertRun(ctx context.Context, run RunRecord) error
	ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete storage implementation.
type Backend interface {
	HistoryStore
	TypeNameStore
	RunStore
	EnsureSchema(ctx context.Context) error
	Close()
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LastDate returns the newest stored day for an item.
func (s *Store) LastDate(ctx context.Context, regionID, typeID int32) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var last *time.Time
	if err := pool.QueryRow(ctx, lastDateSQL, regionID, typeID).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last date: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return analysis.Day(*last), true, nil
}

// ReadHistory lists an item's records ascending by date.
func (s *Store) ReadHistory(ctx context.Context, regionID, typeID int32, r Range) ([]analysis.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, readHistorySQL, regionID, typeID, dateArg(r.From), dateArg(r.To))
	if queryErr != nil {
		return nil, fmt.Errorf("read history: %w", queryErr)
	}
	defer rows.Close()

	records := make([]analysis.PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// AppendHistory inserts an item's new days in one transaction.
func (s *Store) AppendHistory(ctx context.Context, regionID, typeID int32, records []analysis.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := analysis.ValidateHistory(records); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last *time.Time
	if err := tx.QueryRow(ctx, lastDateSQL, regionID, typeID).Scan(&last); err != nil {
		return fmt.Errorf("last date: %w", err)
	}
	if last != nil && !analysis.Day(records[0].Date).After(analysis.Day(*last)) {
		return fmt.Errorf("%w: type %d already has %s", analysis.ErrConflict, typeID, analysis.Day(*last).Format(analysis.DateLayout))
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertHistorySQL,
			regionID,
			typeID,
			analysis.Day(rec.Date),
			decimal.NewFromFloat(rec.AveragePrice).String(),
			decimal.NewFromFloat(rec.Highest).String(),
			decimal.NewFromFloat(rec.Lowest).String(),
			rec.Volume,
			rec.OrderCount,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", analysis.ErrConflict, pgErr.Detail)
		}
		return fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// TypeName returns a cached item name.
func (s *Store) TypeName(ctx context.Context, typeID int32) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var name string
	if err := pool.QueryRow(ctx, selectTypeNameSQL, typeID).Scan(&name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select type name: %w", err)
	}
	return name, true, nil
}

// SaveTypeName caches an item name.
func (s *Store) SaveTypeName(ctx context.Context, typeID int32, name string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertTypeNameSQL, typeID, name); err != nil {
		return fmt.Errorf("save type name: %w", err)
	}
	return nil
}

// InsertRun persists a run summary.
func (s *Store) InsertRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	failures, err := encodeFailures(run.Failures)
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertRunSQL,
		run.ID,
		analysis.Day(run.AsOf),
		run.StartedAt,
		run.FinishedAt,
		run.Succeeded,
		run.Failed,
		run.Skipped,
		run.Insufficient,
		run.NewRecords,
		run.BuyCount,
		run.SellCount,
		failures,
	)
	if execErr != nil {
		return fmt.Errorf("insert run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists run summaries, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			run      RunRecord
			failures []byte
		)
		if err := rows.Scan(
			&run.ID,
			&run.AsOf,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Succeeded,
			&run.Failed,
			&run.Skipped,
			&run.Insufficient,
			&run.NewRecords,
			&run.BuyCount,
			&run.SellCount,
			&failures,
		); err != nil {
			return nil, err
		}
		if run.Failures, err = decodeFailures(failures); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func dateArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return analysis.Day(*t)
}

func scanPriceRecord(rows pgx.Rows) (analysis.PriceRecord, error) {
	var (
		date       time.Time
		averageStr string
		highestStr string
		lowestStr  string
		volume     int64
		orderCount int64
	)

	if err := rows.Scan(&date, &averageStr, &highestStr, &lowestStr, &volume, &orderCount); err != nil {
		return analysis.PriceRecord{}, err
	}

	average, err := decimal.NewFromString(averageStr)
	if err != nil {
		return analysis.PriceRecord{}, fmt.Errorf("parse average: %w", err)
	}
	highest, err := decimal.NewFromString(highestStr)
	if err != nil {
		return analysis.PriceRecord{}, fmt.Errorf("parse highest: %w", err)
	}
	lowest, err := decimal.NewFromString(lowestStr)
	if err != nil {
		return analysis.PriceRecord{}, fmt.Errorf("parse lowest: %w", err)
	}

	return analysis.PriceRecord{
		Date:         analysis.Day(date),
		AveragePrice: average.InexactFloat64(),
		Highest:      highest.InexactFloat64(),
		Lowest:       lowest.InexactFloat64(),
		Volume:       volume,
		OrderCount:   orderCount,
	}, nil
}

func encodeFailures(failures map[int32]string) ([]byte, error) {
	if failures == nil {
		failures = map[int32]string{}
	}
	data, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("encode failures: %w", err)
	}
	return data, nil
}

func decodeFailures(data []byte) (map[int32]string, error) {
	failures := map[int32]string{}
	if len(data) == 0 {
		return failures, nil
	}
	if err := json.Unmarshal(data, &failures); err != nil {
		return nil, fmt.Errorf("decode failures: %w", err)
	}
	return failures, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
