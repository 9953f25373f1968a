package gateway

import "sync/atomic"

// Stats aggregates dispatcher counters across all connections. Fields are
// updated atomically on the hot paths; the getters satisfy the metrics
// collector's provider interface and are read at scrape time.
type Stats struct {
	activeConnections  atomic.Int64
	eventsProcessed    atomic.Uint64
	eventsDropped      atomic.Uint64
	decodeErrors       atomic.Uint64
	invalidTransitions atomic.Uint64
	framesForwarded    atomic.Uint64
	framesDropped      atomic.Uint64
	cdrsEmitted        atomic.Uint64
}

func (s *Stats) Connections() int64         { return s.activeConnections.Load() }
func (s *Stats) EventsProcessed() uint64    { return s.eventsProcessed.Load() }
func (s *Stats) EventsDropped() uint64      { return s.eventsDropped.Load() }
func (s *Stats) DecodeErrors() uint64       { return s.decodeErrors.Load() }
func (s *Stats) InvalidTransitions() uint64 { return s.invalidTransitions.Load() }
func (s *Stats) FramesForwarded() uint64    { return s.framesForwarded.Load() }
func (s *Stats) FramesDropped() uint64      { return s.framesDropped.Load() }
func (s *Stats) CDRsEmitted() uint64        { return s.cdrsEmitted.Load() }
