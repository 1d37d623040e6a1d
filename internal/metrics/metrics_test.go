package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"pluginhost_plugin_state",
		"pluginhost_plugin_restarts_total",
		"pluginhost_scheduler_job_runs_total",
		"pluginhost_scheduler_job_duration_seconds",
		"pluginhost_ipc_pending_calls",
	} {
		if !names[want] {
			t.Errorf("missing registered metric family %q", want)
		}
	}
}

func TestSetPluginStateSetsExactlyOneStateToOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetPluginState("calc", "running")

	on := gaugeValue(t, c.PluginState.WithLabelValues("calc", "running"))
	if on != 1 {
		t.Fatalf("running gauge = %v, want 1", on)
	}
	for _, s := range []string{"unloaded", "loaded", "starting", "failing", "stopping", "stopped"} {
		off := gaugeValue(t, c.PluginState.WithLabelValues("calc", s))
		if off != 0 {
			t.Fatalf("%s gauge = %v, want 0", s, off)
		}
	}
}

func TestSetPluginStateMovingStatesFlipsThePreviousOneOff(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetPluginState("calc", "starting")
	c.SetPluginState("calc", "running")

	if v := gaugeValue(t, c.PluginState.WithLabelValues("calc", "starting")); v != 0 {
		t.Fatalf("starting gauge = %v, want 0 after moving to running", v)
	}
	if v := gaugeValue(t, c.PluginState.WithLabelValues("calc", "running")); v != 1 {
		t.Fatalf("running gauge = %v, want 1", v)
	}
}
