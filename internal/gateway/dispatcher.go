// Package gateway implements the per-connection event dispatcher: it
// reads the transport, routes control frames to the session state machine
// and media frames to the media pipeline, and writes outbound control and
// media back without letting either starve the other. Connection loss
// terminates every session the connection hosts.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/cdr"
	"github.com/voxgate/voxgate/internal/media"
	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/internal/session"
)

const (
	// controlQueueSize bounds pending outbound control events. Control is
	// low-volume; a full queue indicates a wedged transport.
	controlQueueSize = 32

	// mediaQueueSize bounds pending outbound media frames. At the default
	// 20ms cadence this holds just over one second of audio; beyond that,
	// frames are dropped to preserve real-time pacing.
	mediaQueueSize = 64
)

// Handler lets the application layer react to call signaling. Methods are
// invoked synchronously from the connection's dispatch goroutine; a nil
// Handler leaves call control entirely to the remote peer.
type Handler interface {
	// OnOffered fires when an incoming_call creates a session.
	OnOffered(c *Conn, s *session.Session)
	// OnDTMF fires for a digit accepted in the active state.
	OnDTMF(c *Conn, s *session.Session, digit string, duration int)
}

// Options configures a dispatcher connection.
type Options struct {
	// Media holds the frame size and cadence for session pipelines.
	Media media.Config

	// AllowImplicitSession permits events without a sessionId on a
	// connection hosting exactly one session. This must be an explicit
	// deployment choice, never a default.
	AllowImplicitSession bool

	// EventRate and EventBurst bound the control-event rate per
	// connection. Zero rate disables limiting.
	EventRate  rate.Limit
	EventBurst int

	// NewSink builds the audio sink for an answered session. Nil wires
	// the echo sink.
	NewSink func(w media.FrameWriter, s *session.Session) media.Sink

	// NewSource builds the outbound frame source for an answered
	// session. Nil disables local pacing (the peer streams, we consume).
	NewSource func(s *session.Session) media.Source

	// Handler receives application callbacks. May be nil.
	Handler Handler

	// Stats receives dispatcher counters. May be nil.
	Stats *Stats
}

// call pairs a session with its media pipeline for the life of the call.
type call struct {
	sess *session.Session
	pipe *media.Pipeline
}

// Conn dispatches one transport connection. All control events are
// processed on the read goroutine, which gives FIFO ordering per session;
// the write pump runs concurrently and interleaves control and media
// fairly via select.
type Conn struct {
	transport Transport
	registry  *session.Registry
	opts      Options
	logger    *slog.Logger
	limiter   *rate.Limiter
	stats     *Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	controlCh chan []byte
	mediaCh   chan []byte

	mu    sync.Mutex
	calls map[string]*call
}

// NewConn creates a dispatcher for one accepted transport connection.
func NewConn(transport Transport, registry *session.Registry, opts Options, logger *slog.Logger) *Conn {
	stats := opts.Stats
	if stats == nil {
		stats = &Stats{}
	}
	c := &Conn{
		transport: transport,
		registry:  registry,
		opts:      opts,
		logger:    logger.With("subsystem", "dispatcher"),
		stats:     stats,
		controlCh: make(chan []byte, controlQueueSize),
		mediaCh:   make(chan []byte, mediaQueueSize),
		calls:     make(map[string]*call),
	}
	if opts.EventRate > 0 {
		c.limiter = rate.NewLimiter(opts.EventRate, opts.EventBurst)
	}
	return c
}

// Run serves the connection until the transport fails or ctx is
// cancelled. On return every session hosted by the connection has been
// terminated, its pipeline cancelled and awaited, and the transport
// closed.
func (c *Conn) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.stats.activeConnections.Add(1)
	defer c.stats.activeConnections.Add(-1)

	c.wg.Add(1)
	go c.writePump()

	c.readLoop()

	// Transport is gone (or shutdown): force-terminate in-flight
	// sessions before releasing the connection.
	c.teardown()

	c.cancel()
	c.transport.Close()
	c.wg.Wait()
	c.logger.Info("connection closed")
}

// SendEvent serializes and queues an outbound control event. It blocks
// only while the control queue is full and the connection is alive.
func (c *Conn) SendEvent(ev protocol.Event) error {
	msgType, data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	_ = msgType // control events are always text frames
	select {
	case c.controlCh <- data:
		return nil
	case <-c.ctx.Done():
		return errors.New("connection closed")
	}
}

// WriteFrame queues one outbound media frame, reporting false if the
// queue is full. Implements media.FrameWriter: frames are dropped rather
// than queued unboundedly, favoring real-time pacing.
func (c *Conn) WriteFrame(frame []byte) bool {
	select {
	case c.mediaCh <- frame:
		return true
	default:
		c.stats.framesDropped.Add(1)
		return false
	}
}

// DrainFrames discards all queued outbound media frames, returning the
// number dropped. Used by interrupt to cut off in-progress playback.
func (c *Conn) DrainFrames() int {
	n := 0
	for {
		select {
		case <-c.mediaCh:
			n++
		default:
			return n
		}
	}
}

// AnswerSession answers a locally-offered call: the session transitions
// to active (starting its media pipeline) and the peer is notified.
// Safe to call from application goroutines.
func (c *Conn) AnswerSession(sessionID string) error {
	cl, err := c.resolveCall(sessionID)
	if err != nil {
		return err
	}
	if err := cl.sess.Answer(); err != nil {
		return err
	}
	return c.SendEvent(&protocol.Answer{SessionID: cl.sess.ID})
}

// HangupSession terminates a call from the local side: the peer is
// notified first, then the session terminates and its record is emitted.
func (c *Conn) HangupSession(sessionID string, causeCode int, causeText string) error {
	cl, err := c.resolveCall(sessionID)
	if err != nil {
		return err
	}
	if err := c.SendEvent(&protocol.Hangup{
		SessionID: cl.sess.ID,
		CauseCode: causeCode,
		CauseText: causeText,
		Initiator: session.InitiatorLocal,
	}); err != nil {
		c.logger.Warn("hangup event not delivered", "session_id", cl.sess.ID, "error", err)
	}
	_, err = cl.sess.Hangup(causeCode, causeText, session.InitiatorLocal)
	return err
}

// readLoop reads and routes every inbound message until transport error.
func (c *Conn) readLoop() {
	for {
		msgType, data, err := c.transport.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Info("transport closed", "error", err)
			}
			return
		}

		decoded, err := protocol.Decode(msgType, data)
		if err != nil {
			// A malformed frame costs that frame, never the connection.
			c.stats.decodeErrors.Add(1)
			c.logger.Warn("discarding malformed message", "error", err)
			continue
		}

		switch m := decoded.(type) {
		case *protocol.MediaFrame:
			c.routeMedia(m)
		case protocol.Event:
			c.handleEvent(m)
		}

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// writePump transmits queued control and media frames. The select
// interleaves the two queues fairly: when both are ready, neither can be
// starved for more than one scheduling quantum. Periodic pings keep the
// connection alive.
func (c *Conn) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.controlCh:
			if err := c.transport.WriteMessage(protocol.TextMessage, data); err != nil {
				c.logger.Warn("control write failed", "error", err)
				c.cancel()
				return
			}
		case frame := <-c.mediaCh:
			if err := c.transport.WriteMessage(protocol.BinaryMessage, frame); err != nil {
				c.logger.Warn("media write failed", "error", err)
				c.cancel()
				return
			}
			c.stats.framesForwarded.Add(1)
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// handleEvent routes one decoded control event through the session state
// machine. Per-event errors are contained to that event and session.
func (c *Conn) handleEvent(ev protocol.Event) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.stats.eventsDropped.Add(1)
		c.logger.Warn("control event rate exceeded, dropping", "event", ev.Type())
		return
	}
	c.stats.eventsProcessed.Add(1)

	switch e := ev.(type) {
	case *protocol.IncomingCall:
		c.handleIncomingCall(e)
	case *protocol.Answer:
		c.withSession(ev, func(cl *call) {
			if err := cl.sess.Answer(); err != nil {
				c.rejectEvent(ev, err)
			}
		})
	case *protocol.DTMF:
		c.withSession(ev, func(cl *call) {
			if err := cl.sess.DTMF(e.Digit, e.Duration); err != nil {
				c.rejectEvent(ev, err)
				return
			}
			if c.opts.Handler != nil {
				c.opts.Handler.OnDTMF(c, cl.sess, e.Digit, e.Duration)
			}
		})
	case *protocol.Interrupt:
		c.withSession(ev, func(cl *call) {
			if err := cl.sess.Interrupt(); err != nil {
				c.rejectEvent(ev, err)
				return
			}
			cl.pipe.Interrupt()
		})
	case *protocol.Hangup:
		c.withSession(ev, func(cl *call) {
			initiator := e.Initiator
			if initiator == "" {
				initiator = session.InitiatorPeer
			}
			if _, err := cl.sess.Hangup(e.CauseCode, e.CauseText, initiator); err != nil {
				c.rejectEvent(ev, err)
			}
		})
	case *protocol.CDR:
		// Peers record their own CDRs; an inbound one is informational.
		c.logger.Info("peer cdr received", "session_id", e.SessionID, "disposition", e.Disposition)
	case *protocol.UnknownEvent:
		c.logger.Warn("ignoring unknown event", "event", e.Name)
	}
}

// handleIncomingCall materializes a new session in the registry and wires
// its media pipeline. A server-originated offer without a session ID gets
// a generated one, which is echoed in every subsequent event.
func (c *Conn) handleIncomingCall(e *protocol.IncomingCall) {
	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Build the session and its pipeline fully before the session becomes
	// visible to the reaper or other goroutines; the hooks reference the
	// pipeline and must never observe it half-wired.
	sess := c.registry.NewSession(sessionID, e.CallerID, e.DIDNumber)
	cl := &call{sess: sess, pipe: c.newPipeline(sess)}
	sess.SetHooks(session.Hooks{
		OnActive: func(*session.Session) {
			cl.pipe.Start(c.ctx)
		},
		OnTerminated: func(s *session.Session, rec *cdr.Record) {
			// Emit the terminal record to the peer, stop the pipeline
			// (awaited, so no pacer outlives the session), then release
			// the session. Emission is best-effort on a dying connection.
			if err := c.SendEvent(cdrEvent(rec)); err != nil {
				c.logger.Warn("cdr event not delivered", "session_id", s.ID, "error", err)
			} else {
				c.stats.cdrsEmitted.Add(1)
			}
			cl.pipe.Stop()
			c.mu.Lock()
			delete(c.calls, s.ID)
			c.mu.Unlock()
			c.registry.Remove(s.ID)
		},
	})

	if err := c.registry.Register(sess); err != nil {
		c.logger.Warn("rejecting incoming call", "session_id", sessionID, "error", err)
		return
	}

	c.mu.Lock()
	c.calls[sessionID] = cl
	c.mu.Unlock()

	if c.opts.Handler != nil {
		c.opts.Handler.OnOffered(c, sess)
	}
}

// routeMedia forwards an inbound media frame to the connection's active
// session. Media frames carry no session header; on connections hosting
// multiple sessions they are attributed to the single active one, and
// dropped (logged, never fatal) when no session or more than one is
// active.
func (c *Conn) routeMedia(frame *protocol.MediaFrame) {
	cl := c.activeCall()
	if cl == nil {
		c.stats.framesDropped.Add(1)
		c.logger.Debug("dropping media frame with no active session", "bytes", len(frame.Data))
		return
	}
	cl.sess.Touch()
	if !cl.pipe.HandleInbound(frame.Data) {
		c.stats.framesDropped.Add(1)
	}
}

// activeCall returns the connection's sole active call, or nil.
func (c *Conn) activeCall() *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *call
	for _, cl := range c.calls {
		if cl.sess.State() == session.StateActive {
			if found != nil {
				return nil // ambiguous: more than one active session
			}
			found = cl
		}
	}
	return found
}

// withSession resolves the event's session and runs fn against it.
// Resolution failures are logged and the event discarded; they never
// affect other sessions or the connection.
func (c *Conn) withSession(ev protocol.Event, fn func(*call)) {
	cl, err := c.resolveCall(ev.Session())
	if err != nil {
		c.logger.Warn("discarding event for unknown session",
			"event", ev.Type(),
			"session_id", ev.Session(),
			"error", err,
		)
		return
	}
	cl.sess.Touch()
	fn(cl)
}

// resolveCall maps a session ID to this connection's call. An empty ID is
// legal only under AllowImplicitSession with exactly one hosted session.
func (c *Conn) resolveCall(sessionID string) (*call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID == "" {
		if !c.opts.AllowImplicitSession {
			return nil, errors.New("event missing sessionId")
		}
		if len(c.calls) != 1 {
			return nil, errors.New("implicit session requires exactly one live session")
		}
		for _, cl := range c.calls {
			return cl, nil
		}
	}

	cl, ok := c.calls[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return cl, nil
}

// rejectEvent logs an event that is invalid for the session's current
// state. The event is discarded; no state changes.
func (c *Conn) rejectEvent(ev protocol.Event, err error) {
	c.stats.invalidTransitions.Add(1)
	c.logger.Warn("rejecting event",
		"event", ev.Type(),
		"session_id", ev.Session(),
		"error", err,
	)
}

// newPipeline wires the media pipeline for a session using the configured
// sink and source factories.
func (c *Conn) newPipeline(s *session.Session) *media.Pipeline {
	var sink media.Sink
	if c.opts.NewSink != nil {
		sink = c.opts.NewSink(c, s)
	} else {
		sink = media.NewEcho(c)
	}
	var source media.Source
	if c.opts.NewSource != nil {
		source = c.opts.NewSource(s)
	}
	return media.NewPipeline(sink, source, c, c.opts.Media, c.logger.With("session_id", s.ID))
}

// cdrEvent converts a terminal record to its wire representation.
func cdrEvent(rec *cdr.Record) *protocol.CDR {
	return &protocol.CDR{
		SessionID:       rec.SessionID,
		Source:          rec.Source,
		Destination:     rec.Destination,
		StartTime:       rec.StartTime,
		AnswerTime:      rec.AnswerTime,
		EndTime:         rec.EndTime,
		Duration:        rec.Duration,
		BillableSeconds: rec.BillableSeconds,
		Disposition:     rec.Disposition,
		HangupBy:        rec.HangupBy,
		HangupCauseCode: rec.HangupCauseCode,
		HangupCauseText: rec.HangupCauseText,
	}
}

// teardown force-terminates every session hosted by this connection with
// cause "connection lost", cancels and awaits each pipeline, and removes
// the sessions from the registry.
func (c *Conn) teardown() {
	c.mu.Lock()
	calls := make([]*call, 0, len(c.calls))
	for _, cl := range c.calls {
		calls = append(calls, cl)
	}
	c.calls = make(map[string]*call)
	c.mu.Unlock()

	for _, cl := range calls {
		if !cl.sess.State().IsTerminal() {
			if _, err := cl.sess.Hangup(session.CauseConnectionLost, "connection lost", session.InitiatorPeer); err != nil {
				c.logger.Error("terminating session on connection loss", "session_id", cl.sess.ID, "error", err)
			}
		}
		cl.pipe.Stop()
		c.registry.Remove(cl.sess.ID)
	}
}
