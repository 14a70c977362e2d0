// Package telemetry exposes orchestrator state as Prometheus metrics.
package telemetry

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/galaxy-org/galaxy/internal/constellation"
	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/device"
)

// GraphSource supplies the current constellation snapshot.
type GraphSource interface {
	Snapshot() *constellation.Snapshot
}

// FleetSource supplies the current device registry state.
type FleetSource interface {
	Views() []device.View
}

// BusSource reports event bus health.
type BusSource interface {
	Dropped() uint64
}

// Collector implements prometheus.Collector. Graph and fleet state is pulled
// at scrape time; attempt counters are pushed via Observe, which is meant to
// be subscribed to the event bus.
type Collector struct {
	startTime time.Time
	version   string
	graph     GraphSource
	fleet     FleetSource
	bus       BusSource

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	infoDesc     *prometheus.Desc
	uptimeDesc   *prometheus.Desc
	tasksDesc    *prometheus.Desc
	devicesDesc  *prometheus.Desc
	revisionDesc *prometheus.Desc
	droppedDesc  *prometheus.Desc
	attemptsDesc *prometheus.Desc
}

// NewCollector creates a metrics collector. Any source may be nil; its
// metrics are simply not reported.
func NewCollector(version string, graph GraphSource, fleet FleetSource, bus BusSource) *Collector {
	return &Collector{
		startTime: time.Now(),
		version:   version,
		graph:     graph,
		fleet:     fleet,
		bus:       bus,

		infoDesc: prometheus.NewDesc(
			"galaxy_info",
			"Galaxy build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"galaxy_uptime_seconds",
			"Time since orchestrator start",
			nil,
			nil,
		),
		tasksDesc: prometheus.NewDesc(
			"galaxy_tasks",
			"Number of task stars by status",
			[]string{"status"},
			nil,
		),
		devicesDesc: prometheus.NewDesc(
			"galaxy_devices",
			"Number of registered devices by status",
			[]string{"status"},
			nil,
		),
		revisionDesc: prometheus.NewDesc(
			"galaxy_constellation_revision",
			"Committed mutation batches of the current constellation",
			nil,
			nil,
		),
		droppedDesc: prometheus.NewDesc(
			"galaxy_bus_dropped_events_total",
			"Events dropped on full subscriber inboxes",
			nil,
			nil,
		),
		attemptsDesc: prometheus.NewDesc(
			"galaxy_task_attempts_total",
			"Task attempts by outcome",
			[]string{"outcome"},
			nil,
		),
	}
}

// Observe counts task attempt events. Subscribe it to the bus for
// task_started, task_completed and task_failed kinds.
func (c *Collector) Observe(event core.Event) {
	switch event.Kind() {
	case core.EventTaskStarted:
		c.started.Add(1)
	case core.EventTaskCompleted:
		c.completed.Add(1)
	case core.EventTaskFailed:
		c.failed.Add(1)
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.tasksDesc
	ch <- c.devicesDesc
	ch <- c.revisionDesc
	ch <- c.droppedDesc
	ch <- c.attemptsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.infoDesc,
		prometheus.GaugeValue,
		1,
		c.version,
		runtime.Version(),
	)
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc,
		prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)

	if c.graph != nil {
		if snap := c.graph.Snapshot(); snap != nil {
			c.collectGraph(ch, snap)
		}
	}

	if c.fleet != nil {
		counts := make(map[core.DeviceStatus]float64)
		for _, view := range c.fleet.Views() {
			counts[view.Status]++
		}
		for status, count := range counts {
			ch <- prometheus.MustNewConstMetric(
				c.devicesDesc,
				prometheus.GaugeValue,
				count,
				string(status),
			)
		}
	}

	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(
			c.droppedDesc,
			prometheus.CounterValue,
			float64(c.bus.Dropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.attemptsDesc, prometheus.CounterValue, float64(c.started.Load()), "started")
	ch <- prometheus.MustNewConstMetric(
		c.attemptsDesc, prometheus.CounterValue, float64(c.completed.Load()), "completed")
	ch <- prometheus.MustNewConstMetric(
		c.attemptsDesc, prometheus.CounterValue, float64(c.failed.Load()), "failed")
}

func (c *Collector) collectGraph(ch chan<- prometheus.Metric, snap *constellation.Snapshot) {
	for status, count := range snap.CountByStatus() {
		ch <- prometheus.MustNewConstMetric(
			c.tasksDesc,
			prometheus.GaugeValue,
			float64(count),
			string(status),
		)
	}
	ch <- prometheus.MustNewConstMetric(
		c.revisionDesc,
		prometheus.GaugeValue,
		float64(snap.Revision),
	)
}

// NewRegistry creates a Prometheus registry with the Galaxy collector plus
// the standard Go runtime collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
