// voxcall is a vendor-side test dialer. It connects to a voxgate server,
// offers a call, and once answered streams paced media frames, sends a
// DTMF digit, and hangs up after a deadline. It exercises the full
// signaling and media path of a real vendor peer.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/internal/protocol"
)

// writer serializes writes from the signaling loop, the hangup timer and
// the audio pacer; the websocket connection permits one writer at a time.
type writer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *writer) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:4143/ws", "voxgate websocket URL")
		callerID   = flag.String("caller-id", "15551234567", "caller id for the offered call")
		didNumber  = flag.String("did", "18005550100", "destination DID number")
		callTime   = flag.Duration("call-time", 8*time.Second, "how long to hold the call after answer")
		frameBytes = flag.Int("frame-bytes", 160, "media frame size")
		frameEvery = flag.Duration("frame-interval", 20*time.Millisecond, "media pacing interval")
		sendDigit  = flag.String("dtmf", "1", "digit to send once active (empty disables)")
		interAfter = flag.Duration("interrupt-after", 0, "send an interrupt this long after answer (0 disables)")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*serverURL, *callerID, *didNumber, *sendDigit, *callTime, *interAfter, *frameBytes, *frameEvery); err != nil {
		slog.Error("call failed", "error", err)
		os.Exit(1)
	}
}

func run(serverURL, callerID, didNumber, digit string, callTime, interAfter time.Duration, frameBytes int, frameEvery time.Duration) error {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", serverURL, err)
	}
	defer conn.Close()
	w := &writer{conn: conn}

	sessionID := uuid.NewString()
	slog.Info("connected, offering call",
		"server", serverURL,
		"session_id", sessionID,
		"caller_id", callerID,
		"did", didNumber,
	)

	if err := sendEvent(w, &protocol.IncomingCall{
		CallerID:  callerID,
		DIDNumber: didNumber,
		SessionID: sessionID,
	}); err != nil {
		return err
	}

	// stopAudio signals the pacing goroutine to exit; doneCh reports it
	// has exited, so the frame stream provably stops with the call.
	stopAudio := make(chan struct{})
	audioDone := make(chan struct{})
	hangupTimer := time.NewTimer(callTime)
	hangupTimer.Stop()
	audioStarted := false

	defer func() {
		if audioStarted {
			close(stopAudio)
			<-audioDone
		}
	}()

	hangupSent := false
	go func() {
		<-hangupTimer.C
		slog.Info("call time reached, hanging up", "session_id", sessionID)
		sendEvent(w, &protocol.Hangup{SessionID: sessionID})
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if hangupSent {
				return nil // server closed after the call ended
			}
			return fmt.Errorf("reading message: %w", err)
		}

		decoded, err := protocol.Decode(msgType, data)
		if err != nil {
			slog.Warn("ignoring malformed message", "error", err)
			continue
		}

		switch ev := decoded.(type) {
		case *protocol.MediaFrame:
			slog.Debug("received media", "bytes", len(ev.Data))

		case *protocol.Answer:
			slog.Info("call answered, streaming media", "session_id", sessionID)
			audioStarted = true
			go streamAudio(w, frameBytes, frameEvery, stopAudio, audioDone)

			if digit != "" {
				if err := sendEvent(w, &protocol.DTMF{SessionID: sessionID, Digit: digit, Duration: 200}); err != nil {
					return err
				}
			}
			if interAfter > 0 {
				go func() {
					time.Sleep(interAfter)
					slog.Info("sending interrupt", "session_id", sessionID)
					sendEvent(w, &protocol.Interrupt{SessionID: sessionID})
				}()
			}
			hangupTimer.Reset(callTime)

		case *protocol.Hangup:
			slog.Info("remote hangup", "session_id", ev.SessionID, "cause", ev.CauseText)
			hangupSent = true

		case *protocol.CDR:
			slog.Info("call detail record",
				"session_id", ev.SessionID,
				"disposition", ev.Disposition,
				"duration", ev.Duration,
				"billable_seconds", ev.BillableSeconds,
				"hangup_by", ev.HangupBy,
			)
			return nil

		default:
			slog.Debug("event received", "event", decoded)
		}
	}
}

// streamAudio sends random PCM frames at the configured cadence until
// told to stop, mimicking a vendor's live audio feed.
func streamAudio(w *writer, frameBytes int, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, frameBytes)
	sent := 0
	for {
		select {
		case <-stop:
			slog.Info("audio stream stopped", "frames_sent", sent)
			return
		case <-ticker.C:
			rand.Read(frame)
			if err := w.write(websocket.BinaryMessage, frame); err != nil {
				slog.Warn("audio write failed", "error", err)
				return
			}
			sent++
		}
	}
}

// sendEvent encodes and transmits one control event.
func sendEvent(w *writer, ev protocol.Event) error {
	msgType, data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := w.write(msgType, data); err != nil {
		return fmt.Errorf("sending %s event: %w", ev.Type(), err)
	}
	return nil
}
