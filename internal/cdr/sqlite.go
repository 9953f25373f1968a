package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteSchema is the single-table CDR schema, applied idempotently at
// open. A migration ladder is overkill for one table.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS cdrs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id         TEXT NOT NULL,
	source             TEXT NOT NULL DEFAULT '',
	destination        TEXT NOT NULL DEFAULT '',
	start_time         DATETIME NOT NULL,
	answer_time        DATETIME,
	end_time           DATETIME NOT NULL,
	duration           INTEGER NOT NULL DEFAULT 0,
	billable_seconds   INTEGER NOT NULL DEFAULT 0,
	disposition        TEXT NOT NULL,
	hangup_by          TEXT NOT NULL DEFAULT '',
	hangup_cause_code  INTEGER NOT NULL DEFAULT 0,
	hangup_cause_text  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cdrs_start_time ON cdrs(start_time);
CREATE INDEX IF NOT EXISTS idx_cdrs_session_id ON cdrs(session_id);`

// SQLiteStore persists call detail records in a local SQLite database.
// It is the default store backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the CDR database under dataDir with WAL
// mode enabled.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "voxgate.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	slog.Info("cdr database opened", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

// Record inserts one terminal record.
func (s *SQLiteStore) Record(ctx context.Context, rec *Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cdrs (session_id, source, destination, start_time,
		 answer_time, end_time, duration, billable_seconds, disposition,
		 hangup_by, hangup_cause_code, hangup_cause_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Source, rec.Destination, rec.StartTime,
		nullTime(rec.AnswerTime), rec.EndTime, rec.Duration,
		rec.BillableSeconds, rec.Disposition, rec.HangupBy,
		rec.HangupCauseCode, rec.HangupCauseText,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// List returns records matching the filter plus the total match count.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	where := "1=1"
	args := []any{}
	if filter.Disposition != "" {
		where += " AND disposition = ?"
		args = append(args, filter.Disposition)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdrs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, source, destination, start_time,
		 answer_time, end_time, duration, billable_seconds, disposition,
		 hangup_by, hangup_cause_code, hangup_cause_text
		 FROM cdrs WHERE ` + where + ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var answer sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Source,
			&rec.Destination, &rec.StartTime, &answer, &rec.EndTime,
			&rec.Duration, &rec.BillableSeconds, &rec.Disposition,
			&rec.HangupBy, &rec.HangupCauseCode, &rec.HangupCauseText); err != nil {
			return nil, 0, fmt.Errorf("scanning cdr: %w", err)
		}
		if answer.Valid {
			rec.AnswerTime = answer.Time
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// Count returns the total number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdrs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cdrs: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullTime maps the zero time to SQL NULL (a call that was never
// answered has no answer timestamp).
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
