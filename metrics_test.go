package bam

import (
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics()
	m.LinksOpened.Add(3)
	m.LinksClosed.Add(1)
	m.QueryTimeouts.Add(2)

	snap := m.Snapshot()
	if snap["links_opened"] != 3 || snap["query_timeouts"] != 2 {
		t.Fatalf("snapshot = %v", snap)
	}
	if snap["links_active"] != 2 {
		t.Errorf("links_active = %d, want 2", snap["links_active"])
	}
	if len(snap) != len(m.counters())+1 {
		t.Errorf("snapshot has %d entries, want %d", len(snap), len(m.counters())+1)
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	m.PacketsIn.Add(5)

	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	if values["bam_packets_in_total"] != 5 {
		t.Errorf("bam_packets_in_total = %v, want 5", values["bam_packets_in_total"])
	}
	if _, ok := values["bam_links_active"]; !ok {
		t.Error("bam_links_active not exported")
	}
	for name := range values {
		if !strings.HasPrefix(name, "bam_") {
			t.Errorf("unexpected metric %s", name)
		}
	}

	if err := m.Register(reg); err == nil {
		t.Error("second Register into the same registry succeeded")
	}
}

func TestNewLink_DefaultMetricsShared(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := NewLink("m1", c1, NewRouter("bus"))
	b := NewLink("m2", c2, NewRouter("bus"))
	if a.cfg.metrics == nil || a.cfg.metrics != b.cfg.metrics {
		t.Fatal("links without WithMetrics do not share one Metrics")
	}

	own := NewMetrics()
	c := NewLink("m3", c1, NewRouter("bus"), WithMetrics(own))
	if c.cfg.metrics != own {
		t.Error("WithMetrics ignored")
	}
}
