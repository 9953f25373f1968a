package cdr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testRecord(sessionID string, answered bool) *Record {
	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	rec := &Record{
		SessionID:       sessionID,
		Source:          "15551234567",
		Destination:     "18005550100",
		StartTime:       start,
		EndTime:         start.Add(30 * time.Second),
		Duration:        30,
		Disposition:     DispositionNoAnswer,
		HangupBy:        "peer",
		HangupCauseCode: 16,
		HangupCauseText: "normal clearing",
	}
	if answered {
		rec.AnswerTime = start.Add(2 * time.Second)
		rec.BillableSeconds = 28
		rec.Disposition = DispositionAnswered
	}
	return rec
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("s1", true)
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ID == 0 {
		t.Error("insert did not assign an id")
	}

	out, total, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(out) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(out))
	}

	got := out[0]
	if got.SessionID != "s1" || got.Source != "15551234567" || got.Destination != "18005550100" {
		t.Errorf("identity fields wrong: %+v", got)
	}
	if got.Disposition != DispositionAnswered || got.BillableSeconds != 28 {
		t.Errorf("billing fields wrong: %+v", got)
	}
	if got.AnswerTime.IsZero() {
		t.Error("answer time lost in round trip")
	}
	if got.HangupCauseCode != 16 || got.HangupCauseText != "normal clearing" {
		t.Errorf("cause fields wrong: %+v", got)
	}
}

func TestSQLiteUnansweredNullAnswerTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, testRecord("s1", false)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	out, _, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !out[0].AnswerTime.IsZero() {
		t.Errorf("answer time = %v for unanswered call, want zero", out[0].AnswerTime)
	}
	if out[0].BillableSeconds != 0 {
		t.Errorf("billable seconds = %d, want 0", out[0].BillableSeconds)
	}
}

func TestSQLiteListFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, testRecord(fmt.Sprintf("answered-%d", i), true)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Record(ctx, testRecord("missed", false)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	out, total, err := s.List(ctx, ListFilter{Disposition: DispositionAnswered})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(out) != 3 {
		t.Errorf("answered total=%d len=%d, want 3/3", total, len(out))
	}

	out, total, err = s.List(ctx, ListFilter{Disposition: DispositionAnswered, Limit: 2})
	if err != nil {
		t.Fatalf("List with limit: %v", err)
	}
	if total != 3 || len(out) != 2 {
		t.Errorf("limited total=%d len=%d, want 3/2", total, len(out))
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}
}

func TestSQLiteSchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Record(context.Background(), testRecord("s1", true)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	s1.Close()

	// Reopening against the same file must preserve existing rows.
	s2, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	n, err := s2.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewLogRecorder(logger)

	if err := r.Record(context.Background(), testRecord("s1", true)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"s1", "answered", "session_id"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
