package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"market-analyzer/internal/analysis"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS market_history (
    region_id   INTEGER NOT NULL,
    type_id     INTEGER NOT NULL,
    date        TEXT    NOT NULL,
    average     REAL    NOT NULL,
    highest     REAL    NOT NULL DEFAULT 0,
    lowest      REAL    NOT NULL DEFAULT 0,
    volume      INTEGER NOT NULL,
    order_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (region_id, type_id, date)
);

CREATE TABLE IF NOT EXISTS type_names (
    type_id INTEGER PRIMARY KEY,
    name    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
    id           TEXT PRIMARY KEY,
    as_of        TEXT    NOT NULL,
    started_at   TEXT    NOT NULL,
    finished_at  TEXT    NOT NULL,
    succeeded    INTEGER NOT NULL,
    failed       INTEGER NOT NULL,
    skipped      INTEGER NOT NULL,
    insufficient INTEGER NOT NULL,
    new_records  INTEGER NOT NULL,
    buy_count    INTEGER NOT NULL,
    sell_count   INTEGER NOT NULL,
    failures     TEXT    NOT NULL DEFAULT '{}'
);`

// runTimeLayout sorts lexically in UTC.
const runTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore is the single-file backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path.
// ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureSchema creates tables when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// LastDate returns the newest stored day for an item.
func (s *SQLiteStore) LastDate(ctx context.Context, regionID, typeID int32) (time.Time, bool, error) {
	return sqliteLastDate(ctx, s.db, regionID, typeID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteLastDate(ctx context.Context, q queryRower, regionID, typeID int32) (time.Time, bool, error) {
	var last sql.NullString
	err := q.QueryRowContext(ctx,
		"SELECT max(date) FROM market_history WHERE region_id = ? AND type_id = ?",
		regionID, typeID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last date: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	day, err := analysis.ParseDay(last.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last date: %w", err)
	}
	return day, true, nil
}

// ReadHistory lists an item's records ascending by date.
func (s *SQLiteStore) ReadHistory(ctx context.Context, regionID, typeID int32, r Range) ([]analysis.PriceRecord, error) {
	query := "SELECT date, average, highest, lowest, volume, order_count FROM market_history WHERE region_id = ? AND type_id = ?"
	args := []any{regionID, typeID}
	if r.From != nil {
		query += " AND date >= ?"
		args = append(args, analysis.Day(*r.From).Format(analysis.DateLayout))
	}
	if r.To != nil {
		query += " AND date <= ?"
		args = append(args, analysis.Day(*r.To).Format(analysis.DateLayout))
	}
	query += " ORDER BY date"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	records := make([]analysis.PriceRecord, 0)
	for rows.Next() {
		var (
			rec  analysis.PriceRecord
			date string
		)
		if err := rows.Scan(&date, &rec.AveragePrice, &rec.Highest, &rec.Lowest, &rec.Volume, &rec.OrderCount); err != nil {
			return nil, err
		}
		if rec.Date, err = analysis.ParseDay(date); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendHistory inserts an item's new days in one transaction.
func (s *SQLiteStore) AppendHistory(ctx context.Context, regionID, typeID int32, records []analysis.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := analysis.ValidateHistory(records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, ok, err := sqliteLastDate(ctx, tx, regionID, typeID)
	if err != nil {
		return err
	}
	if ok && !analysis.Day(records[0].Date).After(last) {
		return fmt.Errorf("%w: type %d already has %s", analysis.ErrConflict, typeID, last.Format(analysis.DateLayout))
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO market_history (region_id, type_id, date, average, highest, lowest, volume, order_count) VALUES (?,?,?,?,?,?,?,?)")
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			regionID, typeID,
			analysis.Day(rec.Date).Format(analysis.DateLayout),
			rec.AveragePrice, rec.Highest, rec.Lowest,
			rec.Volume, rec.OrderCount,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %v", analysis.ErrConflict, err)
			}
			return fmt.Errorf("append history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// TypeName returns a cached item name.
func (s *SQLiteStore) TypeName(ctx context.Context, typeID int32) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM type_names WHERE type_id = ?", typeID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select type name: %w", err)
	}
	return name, true, nil
}

// SaveTypeName caches an item name.
func (s *SQLiteStore) SaveTypeName(ctx context.Context, typeID int32, name string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO type_names (type_id, name) VALUES (?, ?)", typeID, name); err != nil {
		return fmt.Errorf("save type name: %w", err)
	}
	return nil
}

// InsertRun persists a run summary.
func (s *SQLiteStore) InsertRun(ctx context.Context, run RunRecord) error {
	failures, err := encodeFailures(run.Failures)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, as_of, started_at, finished_at, succeeded, failed, skipped, insufficient, new_records, buy_count, sell_count, failures)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID,
		analysis.Day(run.AsOf).Format(analysis.DateLayout),
		run.StartedAt.UTC().Format(runTimeLayout),
		run.FinishedAt.UTC().Format(runTimeLayout),
		run.Succeeded, run.Failed, run.Skipped, run.Insufficient,
		run.NewRecords, run.BuyCount, run.SellCount,
		string(failures),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRecentRuns lists run summaries, newest first.
func (s *SQLiteStore) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, as_of, started_at, finished_at, succeeded, failed, skipped, insufficient, new_records, buy_count, sell_count, failures
		 FROM ingestion_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			run                         RunRecord
			asOf, started, finished, fj string
		)
		if err := rows.Scan(&run.ID, &asOf, &started, &finished,
			&run.Succeeded, &run.Failed, &run.Skipped, &run.Insufficient,
			&run.NewRecords, &run.BuyCount, &run.SellCount, &fj); err != nil {
			return nil, err
		}
		if run.AsOf, err = analysis.ParseDay(asOf); err != nil {
			return nil, fmt.Errorf("parse as_of: %w", err)
		}
		if run.StartedAt, err = time.Parse(runTimeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.FinishedAt, err = time.Parse(runTimeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		if run.Failures, err = decodeFailures([]byte(fj)); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

var _ Backend = (*SQLiteStore)(nil)
