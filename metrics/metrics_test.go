package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestIncIncrementsNamedCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Inc("cer_accepted")
	m.Inc("cer_accepted")
	m.Inc("election_lost")

	if got := counterValue(t, m.Events.With(prometheus.Labels{"event": "cer_accepted"})); got != 2 {
		t.Fatalf("expected cer_accepted count 2, got %v", got)
	}
	if got := counterValue(t, m.Events.With(prometheus.Labels{"event": "election_lost"})); got != 1 {
		t.Fatalf("expected election_lost count 1, got %v", got)
	}
}

func TestSetConnectionCountSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnectionCount("ready", 3)

	var out dto.Metric
	if err := m.Connections.With(prometheus.Labels{"state": "ready"}).Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.GetGauge().GetValue() != 3 {
		t.Fatalf("expected gauge value 3, got %v", out.GetGauge().GetValue())
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return out.GetCounter().GetValue()
}
