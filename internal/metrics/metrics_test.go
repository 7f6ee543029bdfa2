package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_CountersIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BridgeOpened("tcp")
	m.BridgeOpened("tcp")
	m.BridgeClosed("tcp")
	m.SetPortsInUse(3)
	m.Frame("tcp", "up")
	m.Bytes("tcp", "up", 42)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	active := byName["tunneld_tunnel_active_bridges"]
	if active == nil || active.Metric[0].GetGauge().GetValue() != 1 {
		t.Fatalf("active_bridges = %+v, want 1", active)
	}

	ports := byName["tunneld_tunnel_ports_in_use"]
	if ports == nil || ports.Metric[0].GetGauge().GetValue() != 3 {
		t.Fatalf("ports_in_use = %+v, want 3", ports)
	}

	bytesTotal := byName["tunneld_tunnel_bytes_total"]
	if bytesTotal == nil || bytesTotal.Metric[0].GetCounter().GetValue() != 42 {
		t.Fatalf("bytes_total = %+v, want 42", bytesTotal)
	}
}

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.BridgeOpened("tcp")
	m.BridgeClosed("tcp")
	m.SetPortsInUse(1)
	m.Frame("tcp", "up")
	m.Bytes("tcp", "up", 1)
}
