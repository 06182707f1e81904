package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegisterAndCount(t *testing.T) {
	m := New("chan-test")

	m.StaleFrameBleeds.Inc()
	m.PadWhileDepthHigh.Inc()
	m.PadWhileDepthHigh.Inc()
	m.FramesEmitted.WithLabelValues("content").Add(30)
	m.BoundaryDelta.Observe(12)

	if got := testutil.ToFloat64(m.StaleFrameBleeds); got != 1 {
		t.Fatalf("stale frame bleeds %v", got)
	}
	if got := testutil.ToFloat64(m.PadWhileDepthHigh); got != 2 {
		t.Fatalf("pad while depth high %v", got)
	}
	if got := testutil.ToFloat64(m.FramesEmitted.WithLabelValues("content")); got != 30 {
		t.Fatalf("frames emitted %v", got)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"playout_boundary_delta_ms",
		"playout_prefeed_lead_time_ms",
		"playout_content_deficit_duration_ms",
		"playout_boundary_violations_total",
		"playout_stale_frame_bleeds_total",
		"playout_pad_while_depth_high_total",
	} {
		if !names[want] {
			t.Fatalf("metric %s not registered", want)
		}
	}
}

func TestSessionsDoNotShareRegistries(t *testing.T) {
	a := New("chan-a")
	b := New("chan-b")
	a.StaleFrameBleeds.Inc()
	if got := testutil.ToFloat64(b.StaleFrameBleeds); got != 0 {
		t.Fatalf("registries shared state: %v", got)
	}
}
