package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport message kinds, re-exported so callers outside the transport
// layer need not import the websocket package for classification.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// DecodeError reports a malformed control frame. The dispatcher logs the
// error and discards the message; it never closes the connection.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding control frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding control frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the minimal shape every control frame must have: the
// discriminator plus the session identifier, read before dispatching to
// the variant-specific decoder.
type envelope struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
}

// Decode classifies a raw transport message. Binary messages pass through
// untouched as media frames. Text messages are parsed as JSON control
// frames and must carry an "event" discriminator. Unknown discriminators
// decode to *UnknownEvent rather than an error.
//
// Decode is a pure function of its input; it has no side effects.
func Decode(messageType int, data []byte) (any, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return &MediaFrame{Data: data}, nil
	case websocket.TextMessage:
		return decodeControl(data)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported message type %d", messageType)}
	}
}

// decodeControl parses a JSON control frame into its typed event variant.
func decodeControl(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "not a json object", Err: err}
	}
	if env.Event == "" {
		return nil, &DecodeError{Reason: "missing event discriminator"}
	}

	var ev Event
	switch EventType(env.Event) {
	case EventIncomingCall:
		ev = &IncomingCall{}
	case EventAnswer:
		ev = &Answer{}
	case EventDTMF:
		ev = &DTMF{}
	case EventInterrupt:
		ev = &Interrupt{}
	case EventHangup:
		ev = &Hangup{}
	case EventCDR:
		ev = &CDR{}
	default:
		return &UnknownEvent{Name: env.Event, SessionID: env.SessionID}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed %s event", env.Event), Err: err}
	}

	if d, ok := ev.(*DTMF); ok {
		if err := d.Validate(); err != nil {
			return nil, &DecodeError{Reason: "invalid dtmf event", Err: err}
		}
	}

	return ev, nil
}

// Encode serializes a control event to a text message. The returned
// message type distinguishes it from media on the transport.
func Encode(ev Event) (messageType int, data []byte, err error) {
	// The discriminator rides alongside the variant's own fields in a
	// single flat JSON object, matching the wire schema.
	fields, err := json.Marshal(ev)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}

	flat := make(map[string]json.RawMessage)
	if err := json.Unmarshal(fields, &flat); err != nil {
		return 0, nil, fmt.Errorf("flattening %s event: %w", ev.Type(), err)
	}
	disc, _ := json.Marshal(string(ev.Type()))
	flat["event"] = disc

	data, err = json.Marshal(flat)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}

	return websocket.TextMessage, data, nil
}

// EncodeMedia serializes a media frame to a binary message, payload
// untouched.
func EncodeMedia(frame *MediaFrame) (messageType int, data []byte) {
	return websocket.BinaryMessage, frame.Data
}
