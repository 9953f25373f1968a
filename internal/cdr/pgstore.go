package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgSchema mirrors the SQLite schema for PostgreSQL deployments where
// records from multiple gateways are centralized.
const pgSchema = `CREATE TABLE IF NOT EXISTS cdrs (
	id                 BIGSERIAL PRIMARY KEY,
	session_id         TEXT NOT NULL,
	source             TEXT NOT NULL DEFAULT '',
	destination        TEXT NOT NULL DEFAULT '',
	start_time         TIMESTAMPTZ NOT NULL,
	answer_time        TIMESTAMPTZ,
	end_time           TIMESTAMPTZ NOT NULL,
	duration           BIGINT NOT NULL DEFAULT 0,
	billable_seconds   BIGINT NOT NULL DEFAULT 0,
	disposition        TEXT NOT NULL,
	hangup_by          TEXT NOT NULL DEFAULT '',
	hangup_cause_code  INTEGER NOT NULL DEFAULT 0,
	hangup_cause_text  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cdrs_start_time ON cdrs(start_time);
CREATE INDEX IF NOT EXISTS idx_cdrs_session_id ON cdrs(session_id)`

// PGStore persists call detail records in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a PostgreSQL connection with the given DSN and ensures
// the schema exists.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	slog.Info("postgresql cdr store opened")
	return &PGStore{db: db}, nil
}

// Record inserts one terminal record.
func (s *PGStore) Record(ctx context.Context, rec *Record) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cdrs (session_id, source, destination, start_time,
		 answer_time, end_time, duration, billable_seconds, disposition,
		 hangup_by, hangup_cause_code, hangup_cause_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		rec.SessionID, rec.Source, rec.Destination, rec.StartTime,
		nullTime(rec.AnswerTime), rec.EndTime, rec.Duration,
		rec.BillableSeconds, rec.Disposition, rec.HangupBy,
		rec.HangupCauseCode, rec.HangupCauseText,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// List returns records matching the filter plus the total match count.
func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	where := "TRUE"
	args := []any{}
	if filter.Disposition != "" {
		args = append(args, filter.Disposition)
		where += fmt.Sprintf(" AND disposition = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdrs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT id, session_id, source, destination,
		 start_time, answer_time, end_time, duration, billable_seconds,
		 disposition, hangup_by, hangup_cause_code, hangup_cause_text
		 FROM cdrs WHERE %s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

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
func (s *PGStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdrs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cdrs: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *PGStore) Close() error {
	return s.db.Close()
}
