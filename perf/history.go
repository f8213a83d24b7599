package perf

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHistory is an optional long-lived performance history store,
// supplementing the mandatory per-run CSV with a queryable record of every
// result ever reported. A single write connection avoids SQLITE_BUSY under
// concurrent test threads; reads go through a small separate pool.
type SQLiteHistory struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS performance_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	result_key TEXT NOT NULL,
	test_id TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT NOT NULL,
	bigger_is_better INTEGER NOT NULL,
	tolerance_std_devs REAL NOT NULL,
	samples INTEGER NOT NULL,
	std_dev REAL NOT NULL,
	reported_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_performance_history_result_key ON performance_history(result_key);
`

// OpenHistory opens (creating if absent) a SQLite performance history
// database at path, with the writer connection pinned to a single pool
// slot the way a single-writer WAL database must be used from Go's
// database/sql pooling model.
func OpenHistory(path string) (*SQLiteHistory, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open performance history writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if _, err := writer.Exec(historySchema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("init performance history schema: %w", err)
	}

	readerDSN := fmt.Sprintf("file:%s?_foreign_keys=on&mode=ro&_busy_timeout=5000&_journal_mode=WAL", path)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open performance history reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	return &SQLiteHistory{writer: writer, reader: reader}, nil
}

// Insert appends one reported result to the history table.
func (h *SQLiteHistory) Insert(ctx context.Context, rec Record) error {
	_, err := h.writer.ExecContext(ctx, `
		INSERT INTO performance_history
			(result_key, test_id, value, unit, bigger_is_better, tolerance_std_devs, samples, std_dev, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ResultKey, rec.TestID, rec.Value, rec.Unit.Name, rec.Unit.BiggerIsBetter,
		rec.ToleranceStdDevs, rec.Samples, rec.StdDev, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert performance history row: %w", err)
	}
	return nil
}

// Series returns every historical value recorded for resultKey, oldest
// first, for trend inspection by a caller (e.g. a status API endpoint).
func (h *SQLiteHistory) Series(ctx context.Context, resultKey string) ([]Record, error) {
	rows, err := h.reader.QueryxContext(ctx, `
		SELECT result_key, test_id, value, unit, bigger_is_better, tolerance_std_devs, samples, std_dev
		FROM performance_history WHERE result_key = ? ORDER BY id ASC`, resultKey)
	if err != nil {
		return nil, fmt.Errorf("query performance history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var unitName string
		var biggerIsBetter bool
		if err := rows.Scan(&r.ResultKey, &r.TestID, &r.Value, &unitName, &biggerIsBetter, &r.ToleranceStdDevs, &r.Samples, &r.StdDev); err != nil {
			return nil, fmt.Errorf("scan performance history row: %w", err)
		}
		r.Unit = Unit{Name: unitName, BiggerIsBetter: biggerIsBetter}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases both connection pools.
func (h *SQLiteHistory) Close() error {
	werr := h.writer.Close()
	rerr := h.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
