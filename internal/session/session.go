// Package session implements the per-call state machine and the registry
// that owns session lifecycles. A session is created when an incoming_call
// event is sent or received, walks the Offered → Active → Terminated
// machine, and is removed from the registry only after its terminal record
// has been handed to the call detail recorder.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/cdr"
)

var (
	// ErrInvalidTransition reports an event that is not valid in the
	// session's current state. The caller logs and discards the event.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDuplicateSession reports a create for an already-live session ID.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrSessionNotFound reports a lookup for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
)

// Hangup cause codes follow Q.850 where a close match exists.
const (
	CauseNormalClearing = 16
	CauseConnectionLost = 27 // destination out of order
	CauseIdleTimeout    = 102 // recovery on timer expiry
)

// Initiator values for hangup attribution.
const (
	InitiatorLocal = "local"
	InitiatorPeer  = "peer"
)

// Hooks lets the surrounding application react to state transitions.
// All hooks are invoked synchronously from the transition; a nil hook is
// skipped. OnActive fires at the exact Offered → Active edge, which is
// the moment the media pipeline for the session must start. OnTerminated
// fires after the terminal record has been handed to the recorder.
type Hooks struct {
	OnActive     func(s *Session)
	OnTerminated func(s *Session, rec *cdr.Record)
}

// Session tracks one logical call through its state machine.
// A session's state is mutated only by its owning connection's dispatch
// goroutine; the mutex exists for cross-connection reads (admin API,
// idle reaper).
type Session struct {
	ID        string
	CallerID  string
	DIDNumber string

	recorder   cdr.Recorder
	recTimeout time.Duration
	hooks      Hooks
	logger     *slog.Logger

	mu           sync.Mutex
	state        State
	offeredAt    time.Time
	answeredAt   time.Time
	endedAt      time.Time
	hangupCode   int
	hangupText   string
	hangupBy     string
	lastActivity time.Time
	record       *cdr.Record // set once, on entering Terminated
}

// Snapshot is a read-only view of a session for the admin API.
type Snapshot struct {
	ID         string    `json:"id"`
	CallerID   string    `json:"callerId"`
	DIDNumber  string    `json:"didNumber"`
	State      string    `json:"state"`
	OfferedAt  time.Time `json:"offeredAt"`
	AnsweredAt time.Time `json:"answeredAt,omitzero"`
}

// SetHooks installs the transition hooks. Call it before the session is
// registered; hooks installed later may miss transitions.
func (s *Session) SetHooks(hooks Hooks) {
	s.mu.Lock()
	s.hooks = hooks
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's observable fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.ID,
		CallerID:   s.CallerID,
		DIDNumber:  s.DIDNumber,
		State:      s.state.String(),
		OfferedAt:  s.offeredAt,
		AnsweredAt: s.answeredAt,
	}
}

// Touch records activity for the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent event or media frame,
// or the offer time if nothing has happened since creation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActivity.IsZero() {
		return s.offeredAt
	}
	return s.lastActivity
}

// Answer transitions Offered → Active and records the answer timestamp.
// Entering Active invokes the OnActive hook, which starts the media
// pipeline for this session.
func (s *Session) Answer() error {
	s.mu.Lock()
	if !s.state.CanTransitionTo(StateActive) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: answer in state %s", ErrInvalidTransition, state)
	}
	s.state = StateActive
	s.answeredAt = time.Now()
	s.lastActivity = s.answeredAt
	onActive := s.hooks.OnActive
	s.mu.Unlock()

	s.logger.Info("session answered")
	if onActive != nil {
		onActive(s)
	}
	return nil
}

// DTMF validates that a digit event is acceptable in the current state.
// It does not change state; digits outside Active are rejected.
func (s *Session) DTMF(digit string, duration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%w: dtmf in state %s", ErrInvalidTransition, s.state)
	}
	s.lastActivity = time.Now()
	s.logger.Info("dtmf received", "digit", digit, "duration_ms", duration)
	return nil
}

// Interrupt validates that a playback-interrupt event is acceptable.
// Like DTMF, it is valid only while Active and does not change state.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%w: interrupt in state %s", ErrInvalidTransition, s.state)
	}
	s.lastActivity = time.Now()
	return nil
}

// Hangup transitions the session to Terminated from either Offered (early
// hangup) or Active, records cause and initiator, builds the terminal
// record, and synchronously hands it to the recorder under a bounded
// timeout. Hangup is idempotent: a second call against an already
// terminated session is a no-op returning the existing record.
func (s *Session) Hangup(causeCode int, causeText, initiator string) (*cdr.Record, error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		rec := s.record
		s.mu.Unlock()
		s.logger.Debug("hangup on terminated session ignored")
		return rec, nil
	}
	if !s.state.CanTransitionTo(StateTerminated) {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: hangup in state %s", ErrInvalidTransition, state)
	}

	if causeCode == 0 {
		causeCode = CauseNormalClearing
	}
	if causeText == "" {
		causeText = "normal clearing"
	}
	if initiator == "" {
		initiator = InitiatorPeer
	}

	s.state = StateTerminated
	s.endedAt = time.Now()
	s.hangupCode = causeCode
	s.hangupText = causeText
	s.hangupBy = initiator

	rec := s.buildRecordLocked()
	s.record = rec
	onTerminated := s.hooks.OnTerminated
	s.mu.Unlock()

	s.logger.Info("session terminated",
		"cause_code", causeCode,
		"cause_text", causeText,
		"initiator", initiator,
		"disposition", rec.Disposition,
		"duration", rec.Duration,
		"billable_seconds", rec.BillableSeconds,
	)

	// Deliver the record before returning control to the dispatcher.
	// A slow or failing recorder must not wedge teardown, so the call
	// runs under a bounded timeout. Record loss is acceptable here;
	// reopening the session is not.
	ctx, cancel := context.WithTimeout(context.Background(), s.recTimeout)
	defer cancel()
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Error("recorder failed, terminal record lost", "error", err)
	}

	if onTerminated != nil {
		onTerminated(s, rec)
	}
	return rec, nil
}

// buildRecordLocked assembles the terminal record. Caller holds s.mu.
func (s *Session) buildRecordLocked() *cdr.Record {
	rec := &cdr.Record{
		SessionID:       s.ID,
		Source:          s.CallerID,
		Destination:     s.DIDNumber,
		StartTime:       s.offeredAt,
		AnswerTime:      s.answeredAt,
		EndTime:         s.endedAt,
		Duration:        int64(s.endedAt.Sub(s.offeredAt).Seconds()),
		HangupBy:        s.hangupBy,
		HangupCauseCode: s.hangupCode,
		HangupCauseText: s.hangupText,
	}
	if s.answeredAt.IsZero() {
		rec.BillableSeconds = 0
		rec.Disposition = cdr.DispositionNoAnswer
		if s.hangupCode != CauseNormalClearing {
			rec.Disposition = cdr.DispositionFailed
		}
	} else {
		rec.BillableSeconds = int64(s.endedAt.Sub(s.answeredAt).Seconds())
		rec.Disposition = cdr.DispositionAnswered
	}
	return rec
}
