// Package cdr defines the call detail record produced at session
// termination and the Recorder interface that consumes it. Storage
// backends (log, sqlite, postgres) implement Recorder; the session layer
// guarantees exactly one record per session.
package cdr

import (
	"context"
	"log/slog"
	"time"
)

// Disposition classifies the outcome of a terminated call.
const (
	DispositionAnswered = "answered"
	DispositionNoAnswer = "no_answer"
	DispositionFailed   = "failed"
)

// Record is the terminal summary of a completed session.
type Record struct {
	ID              int64
	SessionID       string
	Source          string
	Destination     string
	StartTime       time.Time
	AnswerTime      time.Time // zero if never answered
	EndTime         time.Time
	Duration        int64 // seconds, end - offer
	BillableSeconds int64 // seconds, end - answer; zero if never answered
	Disposition     string
	HangupBy        string
	HangupCauseCode int
	HangupCauseText string
}

// Recorder consumes one terminal record per session. Implementations must
// honor the context deadline; a recorder failure is reported to the caller
// but never reopens the session.
type Recorder interface {
	Record(ctx context.Context, rec *Record) error
}

// ListFilter narrows a CDR listing.
type ListFilter struct {
	Disposition string
	Limit       int
	Offset      int
}

// Store is a Recorder with query support for the admin API and metrics.
type Store interface {
	Recorder
	List(ctx context.Context, filter ListFilter) ([]Record, int, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// LogRecorder writes records to the structured log and keeps nothing.
// It is the default backend when no store is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a recorder that emits each record as a log line.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With("subsystem", "cdr")}
}

func (r *LogRecorder) Record(_ context.Context, rec *Record) error {
	r.logger.Info("call detail record",
		"session_id", rec.SessionID,
		"source", rec.Source,
		"destination", rec.Destination,
		"start_time", rec.StartTime,
		"end_time", rec.EndTime,
		"duration", rec.Duration,
		"billable_seconds", rec.BillableSeconds,
		"disposition", rec.Disposition,
		"hangup_by", rec.HangupBy,
		"hangup_cause_code", rec.HangupCauseCode,
		"hangup_cause_text", rec.HangupCauseText,
	)
	return nil
}
