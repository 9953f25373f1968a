// Package protocol implements the wire codec for the voxgate signaling
// protocol. Each message on the transport is either a control frame (a JSON
// object with an "event" discriminator) or a media frame (opaque binary
// audio). The codec classifies, decodes, and encodes both kinds; it never
// inspects media payload bytes.
package protocol

import (
	"fmt"
	"time"
)

// EventType identifies a control event on the wire.
type EventType string

const (
	EventIncomingCall EventType = "incoming_call"
	EventAnswer       EventType = "answer"
	EventDTMF         EventType = "dtmf"
	EventInterrupt    EventType = "interrupt"
	EventHangup       EventType = "hangup"
	EventCDR          EventType = "cdr"
)

// Event is implemented by all control-event variants.
type Event interface {
	// Type returns the wire discriminator for the event.
	Type() EventType
	// Session returns the session identifier carried by the event.
	// Empty for events on connections configured for implicit sessions.
	Session() string
}

// IncomingCall establishes a new call session. It is the only event that
// may introduce a session identifier the receiver has not seen.
type IncomingCall struct {
	CallerID  string `json:"callerId"`
	DIDNumber string `json:"didNumber"`
	SessionID string `json:"sessionId"`
}

func (e *IncomingCall) Type() EventType { return EventIncomingCall }
func (e *IncomingCall) Session() string { return e.SessionID }

// Answer transitions an offered call to active.
type Answer struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (e *Answer) Type() EventType { return EventAnswer }
func (e *Answer) Session() string { return e.SessionID }

// DTMF carries a single keypad digit. Valid only while the call is active.
type DTMF struct {
	SessionID string `json:"sessionId,omitempty"`
	Digit     string `json:"digit"`
	// Duration is the tone duration in milliseconds, 1-1000 inclusive.
	Duration int `json:"duration"`
}

func (e *DTMF) Type() EventType { return EventDTMF }
func (e *DTMF) Session() string { return e.SessionID }

// Interrupt asks the receiver to stop any in-progress playback.
// Valid only while the call is active.
type Interrupt struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (e *Interrupt) Type() EventType { return EventInterrupt }
func (e *Interrupt) Session() string { return e.SessionID }

// Hangup terminates a call from either peer. Cause fields are optional;
// absent values mean "normal clearing".
type Hangup struct {
	SessionID string `json:"sessionId,omitempty"`
	CauseCode int    `json:"causeCode,omitempty"`
	CauseText string `json:"causeText,omitempty"`
	Initiator string `json:"initiator,omitempty"`
}

func (e *Hangup) Type() EventType { return EventHangup }
func (e *Hangup) Session() string { return e.SessionID }

// CDR is the terminal summary record for a completed session, emitted
// exactly once at or after hangup.
type CDR struct {
	SessionID       string    `json:"sessionId"`
	Source          string    `json:"source"`
	Destination     string    `json:"destination"`
	StartTime       time.Time `json:"startTime"`
	AnswerTime      time.Time `json:"answerTime,omitzero"`
	EndTime         time.Time `json:"endTime"`
	Duration        int64     `json:"duration"`
	BillableSeconds int64     `json:"billableSeconds"`
	Disposition     string    `json:"disposition"`
	HangupBy        string    `json:"hangupBy"`
	HangupCauseCode int       `json:"hangupCauseCode"`
	HangupCauseText string    `json:"hangupCauseText"`
}

func (e *CDR) Type() EventType { return EventCDR }
func (e *CDR) Session() string { return e.SessionID }

// UnknownEvent is returned for a well-formed control frame whose
// discriminator the codec does not recognize. Receivers log and ignore it;
// unknown events are forward-compatible, never fatal.
type UnknownEvent struct {
	Name      string
	SessionID string
}

func (e *UnknownEvent) Type() EventType { return EventType(e.Name) }
func (e *UnknownEvent) Session() string { return e.SessionID }

// MediaFrame is an opaque binary audio frame. The codec passes payload
// bytes through untouched in both directions.
type MediaFrame struct {
	Data []byte
}

// validDigit reports whether s is a single DTMF digit: 0-9, * or #.
func validDigit(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#'
}

// Validate checks the DTMF digit set and duration range from the wire schema.
func (e *DTMF) Validate() error {
	if !validDigit(e.Digit) {
		return fmt.Errorf("dtmf digit must be 0-9, * or #; got %q", e.Digit)
	}
	if e.Duration < 1 || e.Duration > 1000 {
		return fmt.Errorf("dtmf duration must be 1-1000 ms, got %d", e.Duration)
	}
	return nil
}
