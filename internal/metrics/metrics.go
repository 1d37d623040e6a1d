// Package metrics exposes the host's Prometheus collectors: plugin state,
// restarts, job runs/latency, and IPC pending-call depth. This is ambient
// observability, not excluded by any spec Non-goal.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the host publishes. The host composer
// constructs one instance and threads it through the plugin manager (into
// each supervisor) and the scheduler explicitly (same "no package-level
// singleton" discipline as the service registry, §9). IPCPendingCalls is
// registered with the others, but no package sets it.
type Collectors struct {
	PluginState     *prometheus.GaugeVec
	PluginRestarts  *prometheus.CounterVec
	JobRuns         *prometheus.CounterVec
	JobLatency      *prometheus.HistogramVec
	IPCPendingCalls *prometheus.GaugeVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PluginState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pluginhost",
			Name:      "plugin_state",
			Help:      "1 if the plugin is currently in the labeled state, 0 otherwise.",
		}, []string{"plugin", "state"}),
		PluginRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluginhost",
			Name:      "plugin_restarts_total",
			Help:      "Total number of times a plugin's supervisor restarted it.",
		}, []string{"plugin"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluginhost",
			Name:      "scheduler_job_runs_total",
			Help:      "Total scheduler job runs by outcome.",
		}, []string{"job", "outcome"}),
		JobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pluginhost",
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		IPCPendingCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pluginhost",
			Name:      "ipc_pending_calls",
			Help:      "Number of in-flight IPC calls per plugin.",
		}, []string{"plugin"}),
	}
	reg.MustRegister(c.PluginState, c.PluginRestarts, c.JobRuns, c.JobLatency, c.IPCPendingCalls)
	return c
}

// SetPluginState zeroes every other known state for plugin and sets the
// current one to 1, so a Prometheus query for plugin_state==1 always
// names exactly one state per plugin.
func (c *Collectors) SetPluginState(plugin, state string) {
	for _, s := range []string{"unloaded", "loaded", "starting", "running", "failing", "stopping", "stopped"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.PluginState.WithLabelValues(plugin, s).Set(v)
	}
}
