package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type stubSessions struct{ n int }

func (s stubSessions) Count() int { return s.n }

type stubDispatcher struct{}

func (stubDispatcher) Connections() int64         { return 2 }
func (stubDispatcher) EventsProcessed() uint64    { return 100 }
func (stubDispatcher) EventsDropped() uint64      { return 3 }
func (stubDispatcher) DecodeErrors() uint64       { return 1 }
func (stubDispatcher) InvalidTransitions() uint64 { return 4 }
func (stubDispatcher) FramesForwarded() uint64    { return 5000 }
func (stubDispatcher) FramesDropped() uint64      { return 7 }
func (stubDispatcher) CDRsEmitted() uint64        { return 9 }

type stubCDRs struct{ n int64 }

func (s stubCDRs) Count(context.Context) (int64, error) { return s.n, nil }

func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("registering collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering: %v", err)
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[mf.GetName()] = metricValue(m)
		}
	}
	return out
}

func metricValue(m *dto.Metric) float64 {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}
	return m.GetCounter().GetValue()
}

func TestCollectorGathersAllProviders(t *testing.T) {
	c := NewCollector(stubSessions{n: 3}, stubDispatcher{}, stubCDRs{n: 42}, time.Now().Add(-time.Minute))
	got := gather(t, c)

	want := map[string]float64{
		"voxgate_sessions_active":              3,
		"voxgate_connections_active":           2,
		"voxgate_control_events_total":         100,
		"voxgate_control_events_dropped_total": 3,
		"voxgate_decode_errors_total":          1,
		"voxgate_invalid_transitions_total":    4,
		"voxgate_media_frames_forwarded_total": 5000,
		"voxgate_media_frames_dropped_total":   7,
		"voxgate_cdrs_emitted_total":           9,
		"voxgate_cdrs_stored":                  42,
	}
	for name, val := range want {
		if got[name] != val {
			t.Errorf("%s = %v, want %v", name, got[name], val)
		}
	}
	if got["voxgate_uptime_seconds"] < 59 {
		t.Errorf("uptime = %v, want at least a minute", got["voxgate_uptime_seconds"])
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	got := gather(t, c)

	if _, ok := got["voxgate_uptime_seconds"]; !ok {
		t.Error("uptime missing with nil providers")
	}
	for name := range got {
		if name != "voxgate_uptime_seconds" && !strings.HasPrefix(name, "voxgate_") {
			t.Errorf("unexpected metric %s", name)
		}
	}
	if _, ok := got["voxgate_sessions_active"]; ok {
		t.Error("sessions metric emitted with nil provider")
	}
}
