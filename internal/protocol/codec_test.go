package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeControlEvents(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "incoming call",
			raw:  `{"event":"incoming_call","callerId":"15551234567","didNumber":"18005550100","sessionId":"abc-123"}`,
			check: func(t *testing.T, ev Event) {
				ic, ok := ev.(*IncomingCall)
				if !ok {
					t.Fatalf("got %T, want *IncomingCall", ev)
				}
				if ic.CallerID != "15551234567" || ic.DIDNumber != "18005550100" || ic.SessionID != "abc-123" {
					t.Errorf("unexpected fields: %+v", ic)
				}
			},
		},
		{
			name: "answer",
			raw:  `{"event":"answer","sessionId":"abc-123"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(*Answer); !ok {
					t.Fatalf("got %T, want *Answer", ev)
				}
				if ev.Session() != "abc-123" {
					t.Errorf("session = %q, want abc-123", ev.Session())
				}
			},
		},
		{
			name: "dtmf",
			raw:  `{"event":"dtmf","sessionId":"abc-123","digit":"#","duration":250}`,
			check: func(t *testing.T, ev Event) {
				d, ok := ev.(*DTMF)
				if !ok {
					t.Fatalf("got %T, want *DTMF", ev)
				}
				if d.Digit != "#" || d.Duration != 250 {
					t.Errorf("unexpected fields: %+v", d)
				}
			},
		},
		{
			name: "interrupt without session",
			raw:  `{"event":"interrupt"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(*Interrupt); !ok {
					t.Fatalf("got %T, want *Interrupt", ev)
				}
				if ev.Session() != "" {
					t.Errorf("session = %q, want empty", ev.Session())
				}
			},
		},
		{
			name: "hangup with cause",
			raw:  `{"event":"hangup","sessionId":"abc-123","causeCode":16,"causeText":"normal clearing","initiator":"peer"}`,
			check: func(t *testing.T, ev Event) {
				h, ok := ev.(*Hangup)
				if !ok {
					t.Fatalf("got %T, want *Hangup", ev)
				}
				if h.CauseCode != 16 || h.Initiator != "peer" {
					t.Errorf("unexpected fields: %+v", h)
				}
			},
		},
		{
			name: "hangup without cause",
			raw:  `{"event":"hangup","sessionId":"abc-123"}`,
			check: func(t *testing.T, ev Event) {
				h := ev.(*Hangup)
				if h.CauseCode != 0 || h.CauseText != "" {
					t.Errorf("cause fields should be zero when absent: %+v", h)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(TextMessage, []byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			ev, ok := got.(Event)
			if !ok {
				t.Fatalf("Decode returned %T, want Event", got)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `this is not json`},
		{"missing discriminator", `{"sessionId":"abc"}`},
		{"wrong field type", `{"event":"dtmf","digit":"5","duration":"fast"}`},
		{"dtmf bad digit", `{"event":"dtmf","digit":"X","duration":100}`},
		{"dtmf duration too long", `{"event":"dtmf","digit":"5","duration":2000}`},
		{"dtmf duration zero", `{"event":"dtmf","digit":"5","duration":0}`},
		{"dtmf multi char digit", `{"event":"dtmf","digit":"12","duration":100}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(TextMessage, []byte(tt.raw))
			if err == nil {
				t.Fatal("Decode succeeded, want error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error is %T, want *DecodeError", err)
			}
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	got, err := Decode(TextMessage, []byte(`{"event":"transfer","sessionId":"abc-123","target":"1002"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ue, ok := got.(*UnknownEvent)
	if !ok {
		t.Fatalf("got %T, want *UnknownEvent", got)
	}
	if ue.Name != "transfer" {
		t.Errorf("name = %q, want transfer", ue.Name)
	}
	if ue.SessionID != "abc-123" {
		t.Errorf("sessionId = %q, want abc-123", ue.SessionID)
	}
}

func TestDecodeMediaPassthrough(t *testing.T) {
	payload := []byte{0xff, 0x00, 0x7f, 0x80}
	got, err := Decode(BinaryMessage, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	frame, ok := got.(*MediaFrame)
	if !ok {
		t.Fatalf("got %T, want *MediaFrame", got)
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Errorf("payload changed: got %x, want %x", frame.Data, payload)
	}
}

func TestDecodeUnsupportedMessageType(t *testing.T) {
	if _, err := Decode(9, []byte("ping")); err == nil {
		t.Fatal("Decode of unsupported message type succeeded, want error")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	events := []Event{
		&IncomingCall{CallerID: "15551234567", DIDNumber: "18005550100", SessionID: "s1"},
		&Answer{SessionID: "s1"},
		&DTMF{SessionID: "s1", Digit: "9", Duration: 180},
		&Interrupt{SessionID: "s1"},
		&Hangup{SessionID: "s1", CauseCode: 16, CauseText: "normal clearing", Initiator: "local"},
	}

	for _, ev := range events {
		t.Run(string(ev.Type()), func(t *testing.T) {
			mt, data, err := Encode(ev)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if mt != TextMessage {
				t.Errorf("message type = %d, want text", mt)
			}

			var flat map[string]any
			if err := json.Unmarshal(data, &flat); err != nil {
				t.Fatalf("encoded frame is not a json object: %v", err)
			}
			if flat["event"] != string(ev.Type()) {
				t.Errorf("discriminator = %v, want %s", flat["event"], ev.Type())
			}

			back, err := Decode(TextMessage, data)
			if err != nil {
				t.Fatalf("Decode of encoded frame: %v", err)
			}
			got, ok := back.(Event)
			if !ok {
				t.Fatalf("round trip returned %T", back)
			}
			if got.Type() != ev.Type() || got.Session() != ev.Session() {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, ev)
			}
		})
	}
}

func TestEncodeCDRAnswerTime(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	rec := &CDR{
		SessionID:   "s1",
		StartTime:   start,
		EndTime:     start.Add(10 * time.Second),
		Disposition: "no_answer",
	}

	_, data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("decoding encoded frame: %v", err)
	}
	if _, ok := flat["answerTime"]; ok {
		t.Errorf("unanswered cdr carries answerTime: %s", flat["answerTime"])
	}

	rec.AnswerTime = start.Add(2 * time.Second)
	_, data, err = Encode(rec)
	if err != nil {
		t.Fatalf("Encode answered: %v", err)
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("decoding encoded frame: %v", err)
	}
	if _, ok := flat["answerTime"]; !ok {
		t.Error("answered cdr missing answerTime")
	}
}

func TestEncodeMedia(t *testing.T) {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	mt, data := EncodeMedia(&MediaFrame{Data: payload})
	if mt != BinaryMessage {
		t.Errorf("message type = %d, want binary", mt)
	}
	if !bytes.Equal(data, payload) {
		t.Error("payload changed on encode")
	}
}

func TestValidDigits(t *testing.T) {
	for _, d := range []string{"0", "5", "9", "*", "#"} {
		ev := &DTMF{Digit: d, Duration: 100}
		if err := ev.Validate(); err != nil {
			t.Errorf("digit %q rejected: %v", d, err)
		}
	}
	for _, d := range []string{"", "a", "A", "10", "-", " "} {
		ev := &DTMF{Digit: d, Duration: 100}
		if err := ev.Validate(); err == nil {
			t.Errorf("digit %q accepted, want error", d)
		}
	}
}
