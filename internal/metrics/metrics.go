// Package metrics exposes gateway counters to Prometheus. The collector
// queries its providers at scrape time rather than maintaining registered
// counters, keeping the hot paths free of metrics plumbing.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes the number of live call sessions.
type SessionCounter interface {
	Count() int
}

// DispatcherStats exposes aggregate dispatcher counters.
type DispatcherStats interface {
	Connections() int64
	EventsProcessed() uint64
	EventsDropped() uint64
	DecodeErrors() uint64
	InvalidTransitions() uint64
	FramesForwarded() uint64
	FramesDropped() uint64
	CDRsEmitted() uint64
}

// CDRCounter returns the number of stored call detail records.
type CDRCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers voxgate metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	sessions   SessionCounter
	dispatcher DispatcherStats
	cdrs       CDRCounter
	startTime  time.Time

	sessionsDesc           *prometheus.Desc
	connectionsDesc        *prometheus.Desc
	eventsDesc             *prometheus.Desc
	eventsDroppedDesc      *prometheus.Desc
	decodeErrorsDesc       *prometheus.Desc
	invalidTransitionsDesc *prometheus.Desc
	framesForwardedDesc    *prometheus.Desc
	framesDroppedDesc      *prometheus.Desc
	cdrsEmittedDesc        *prometheus.Desc
	cdrsStoredDesc         *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates the metrics collector.
func NewCollector(sessions SessionCounter, dispatcher DispatcherStats, cdrs CDRCounter, startTime time.Time) *Collector {
	return &Collector{
		sessions:   sessions,
		dispatcher: dispatcher,
		cdrs:       cdrs,
		startTime:  startTime,

		sessionsDesc: prometheus.NewDesc(
			"voxgate_sessions_active",
			"Number of live call sessions",
			nil, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			"voxgate_connections_active",
			"Number of connected vendor peers",
			nil, nil,
		),
		eventsDesc: prometheus.NewDesc(
			"voxgate_control_events_total",
			"Total control events processed",
			nil, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"voxgate_control_events_dropped_total",
			"Total control events dropped by the rate limiter",
			nil, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			"voxgate_decode_errors_total",
			"Total malformed control frames discarded",
			nil, nil,
		),
		invalidTransitionsDesc: prometheus.NewDesc(
			"voxgate_invalid_transitions_total",
			"Total events rejected as invalid for the session state",
			nil, nil,
		),
		framesForwardedDesc: prometheus.NewDesc(
			"voxgate_media_frames_forwarded_total",
			"Total outbound media frames written to the transport",
			nil, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"voxgate_media_frames_dropped_total",
			"Total media frames dropped (backpressure or inactive session)",
			nil, nil,
		),
		cdrsEmittedDesc: prometheus.NewDesc(
			"voxgate_cdrs_emitted_total",
			"Total terminal records emitted to peers",
			nil, nil,
		),
		cdrsStoredDesc: prometheus.NewDesc(
			"voxgate_cdrs_stored",
			"Total call detail records in the store",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxgate_uptime_seconds",
			"Seconds since the voxgate process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.connectionsDesc
	ch <- c.eventsDesc
	ch <- c.eventsDroppedDesc
	ch <- c.decodeErrorsDesc
	ch <- c.invalidTransitionsDesc
	ch <- c.framesForwardedDesc
	ch <- c.framesDroppedDesc
	ch <- c.cdrsEmittedDesc
	ch <- c.cdrsStoredDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}

	if c.dispatcher != nil {
		ch <- prometheus.MustNewConstMetric(
			c.connectionsDesc, prometheus.GaugeValue,
			float64(c.dispatcher.Connections()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsDesc, prometheus.CounterValue,
			float64(c.dispatcher.EventsProcessed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue,
			float64(c.dispatcher.EventsDropped()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.decodeErrorsDesc, prometheus.CounterValue,
			float64(c.dispatcher.DecodeErrors()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.invalidTransitionsDesc, prometheus.CounterValue,
			float64(c.dispatcher.InvalidTransitions()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesForwardedDesc, prometheus.CounterValue,
			float64(c.dispatcher.FramesForwarded()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDroppedDesc, prometheus.CounterValue,
			float64(c.dispatcher.FramesDropped()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.cdrsEmittedDesc, prometheus.CounterValue,
			float64(c.dispatcher.CDRsEmitted()),
		)
	}

	if c.cdrs != nil {
		count, err := c.cdrs.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count stored cdrs", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.cdrsStoredDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
