// Package metrics holds the server's Prometheus instrumentation and the
// host probe backing status announcements.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metrics bundles every collector the server updates. Construct one per
// process with New; tests pass their own registry so parallel packages do
// not collide on the default registerer.
type Metrics struct {
	JobsSubmitted    prometheus.Counter
	JobsCompleted    *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	UpdatesPublished prometheus.Counter
	StoreFailures    prometheus.Counter

	RunningJobs      prometheus.Gauge
	QueuedJobs       prometheus.Gauge
	ConnectedClients prometheus.Gauge

	HostCPUPercent prometheus.Gauge
	HostMemPercent prometheus.Gauge
}

// New registers all collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "enginefarm_jobs_submitted_total",
			Help: "Analysis jobs accepted for scheduling",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enginefarm_jobs_completed_total",
			Help: "Jobs that reached a terminal state, by outcome",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enginefarm_job_duration_seconds",
			Help:    "Wall time from engine start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		UpdatesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "enginefarm_job_updates_total",
			Help: "job_update frames published to subscribers",
		}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "enginefarm_store_write_failures_total",
			Help: "Persistence writes that failed and were logged instead",
		}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enginefarm_running_jobs",
			Help: "Jobs with a live engine process",
		}),
		QueuedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enginefarm_queued_jobs",
			Help: "Jobs waiting for a free engine slot",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enginefarm_connected_clients",
			Help: "Attached control connections across all transports",
		}),
		HostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enginefarm_host_cpu_percent",
			Help: "Host CPU utilization percentage",
		}),
		HostMemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enginefarm_host_mem_percent",
			Help: "Host memory utilization percentage",
		}),
	}
}

// ObserveHost refreshes the host utilization gauges. Probe errors leave the
// previous values in place; utilization is advisory.
func (m *Metrics) ObserveHost() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.HostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.HostMemPercent.Set(vm.UsedPercent)
	}
}

// LogicalCores reports the host's logical CPU count for status frames.
// Falls back to the Go runtime's view if the probe fails.
func LogicalCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
