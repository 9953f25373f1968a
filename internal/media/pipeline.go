// Package media implements the per-session duplex pipeline: inbound
// audio frames are forwarded to a pluggable sink, and a pacing loop emits
// outbound frames at a fixed real-time cadence while the session is
// active. Payload bytes are opaque; the pipeline never decodes audio.
package media

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultFrameBytes is one frame of 8 kHz / 20 ms / 16-bit mono audio.
	DefaultFrameBytes = 160

	// DefaultFrameInterval is the media clock cadence.
	DefaultFrameInterval = 20 * time.Millisecond
)

// FrameWriter carries outbound media toward the transport. WriteFrame
// must not block beyond one pacing interval: implementations report false
// for a dropped frame instead of queueing unboundedly. DrainFrames
// discards any queued outbound frames and returns how many were dropped.
type FrameWriter interface {
	WriteFrame(frame []byte) bool
	DrainFrames() int
}

// Sink consumes every inbound media frame while the session is active.
// The reference sink is Echo, which re-emits the frame outbound; real
// deployments plug in a recognizer or recorder here.
type Sink interface {
	HandleFrame(frame []byte)
}

// Source supplies outbound frames for the pacing loop. Fill writes one
// frame into buf and reports whether a frame was produced; returning
// false skips the tick without stopping the pacer.
type Source interface {
	Fill(buf []byte) bool
}

// Echo re-emits every inbound frame outbound through the writer.
type Echo struct {
	w FrameWriter
}

// NewEcho creates the echo sink.
func NewEcho(w FrameWriter) *Echo {
	return &Echo{w: w}
}

func (e *Echo) HandleFrame(frame []byte) {
	// Frame contents pass through untouched. A full transport drops the
	// frame rather than stalling the read path.
	e.w.WriteFrame(frame)
}

// Silence produces all-zero frames, used when no application source is
// attached. PCM16 silence is the zero byte.
type Silence struct{}

func (Silence) Fill(buf []byte) bool {
	for i := range buf {
		buf[i] = 0
	}
	return true
}

// Pipeline manages the concurrent media flow for one active session.
// Start spawns the pacing goroutine; Stop cancels it and waits for it to
// exit, so no pacer outlives its session. Stop is terminal: a stopped
// pipeline refuses to start again, whatever the ordering of the two
// calls. A per-session pipeline runs at most once.
type Pipeline struct {
	sink     Sink
	source   Source
	writer   FrameWriter
	interval time.Duration
	frame    int
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	framesIn      atomic.Uint64
	framesOut     atomic.Uint64
	framesDropped atomic.Uint64
}

// Config holds the pipeline's media clock parameters.
type Config struct {
	FrameBytes    int
	FrameInterval time.Duration
}

// NewPipeline creates a pipeline for one session. sink may be nil to
// discard inbound audio; source may be nil to disable outbound pacing
// until the application attaches one.
func NewPipeline(sink Sink, source Source, writer FrameWriter, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = DefaultFrameBytes
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	return &Pipeline{
		sink:     sink,
		source:   source,
		writer:   writer,
		interval: cfg.FrameInterval,
		frame:    cfg.FrameBytes,
		logger:   logger.With("subsystem", "media"),
	}
}

// Start begins the pacing loop. Called at the exact moment the session
// enters the active state. Starting twice, or starting a pipeline that
// has already been stopped, is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	if p.source != nil {
		p.wg.Add(1)
		go p.paceLoop(ctx)
	}
	p.running.Store(true)
	p.mu.Unlock()

	p.logger.Info("media pipeline started",
		"frame_bytes", p.frame,
		"frame_interval", p.interval,
	)
}

// Stop cancels the pacing loop, waits for it to exit, and marks the
// pipeline terminally stopped so no later Start can revive it. Stopping
// a pipeline that never started, or stopping twice, is safe. After Stop
// returns no goroutine holds a reference to the writer.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	first := !p.stopped
	p.stopped = true
	wasRunning := p.running.Swap(false)
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	if first && wasRunning {
		p.logger.Info("media pipeline stopped",
			"frames_in", p.framesIn.Load(),
			"frames_out", p.framesOut.Load(),
			"frames_dropped", p.framesDropped.Load(),
		)
	}
}

// Running reports whether the pipeline is between Start and Stop.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// HandleInbound forwards one inbound frame to the sink. Frames arriving
// while the pipeline is not running are dropped and counted; the caller
// logs the protocol violation.
func (p *Pipeline) HandleInbound(frame []byte) bool {
	if !p.running.Load() {
		p.framesDropped.Add(1)
		return false
	}
	p.framesIn.Add(1)
	if p.sink != nil {
		p.sink.HandleFrame(frame)
	}
	return true
}

// Interrupt discards any outbound frames queued toward the transport,
// cutting off in-progress playback without touching session state.
func (p *Pipeline) Interrupt() {
	dropped := p.writer.DrainFrames()
	p.logger.Info("playback interrupted", "frames_drained", dropped)
}

// Stats returns the pipeline's frame counters.
func (p *Pipeline) Stats() (in, out, dropped uint64) {
	return p.framesIn.Load(), p.framesOut.Load(), p.framesDropped.Load()
}

// paceLoop emits one frame per interval until cancelled. Cancellation is
// observed within one interval via the select. A writer that cannot take
// a frame within the interval costs that frame, not the cadence: real-time
// pacing is favored over completeness.
func (p *Pipeline) paceLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	buf := make([]byte, p.frame)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.source.Fill(buf) {
				continue
			}
			// Copy out: the writer may hold the frame past this tick.
			frame := make([]byte, len(buf))
			copy(frame, buf)
			if p.writer.WriteFrame(frame) {
				p.framesOut.Add(1)
			} else {
				p.framesDropped.Add(1)
			}
		}
	}
}
