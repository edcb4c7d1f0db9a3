package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the ring buffer's latest sample as prometheus gauges,
// so an operator's existing Prometheus scrape config picks up the same
// counters spec.md §4.11 puts in the in-memory ring buffer.
type Metrics struct {
	processCPU    prometheus.Gauge
	workingSet    prometheus.Gauge
	gcHeap        prometheus.Gauge
	threadCount   prometheus.Gauge
	goroutines    prometheus.Gauge
	systemCPU     prometheus.Gauge
	systemMem     prometheus.Gauge
}

// NewMetrics registers the gauges against reg (pass
// prometheus.DefaultRegisterer for the process-global registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "process", Name: "cpu_percent",
			Help: "Process CPU usage percent, most recent sample.",
		}),
		workingSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "process", Name: "working_set_bytes",
			Help: "Process resident set size in bytes, most recent sample.",
		}),
		gcHeap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "process", Name: "gc_heap_bytes",
			Help: "Go runtime heap allocation in bytes, most recent sample.",
		}),
		threadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "process", Name: "thread_count",
			Help: "OS thread count, most recent sample.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "process", Name: "goroutine_count",
			Help: "Goroutine count, most recent sample.",
		}),
		systemCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "system", Name: "cpu_percent",
			Help: "Host-wide CPU usage percent, most recent sample.",
		}),
		systemMem: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truthgate", Subsystem: "system", Name: "mem_percent",
			Help: "Host-wide memory usage percent, most recent sample.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.processCPU, m.workingSet, m.gcHeap, m.threadCount, m.goroutines, m.systemCPU, m.systemMem,
	} {
		reg.MustRegister(c)
	}
	return m
}

// Observe updates every gauge from s.
func (m *Metrics) Observe(s Sample) {
	m.processCPU.Set(s.ProcessCPUPct)
	m.workingSet.Set(float64(s.WorkingSetBytes))
	m.gcHeap.Set(float64(s.GCHeapBytes))
	m.threadCount.Set(float64(s.ThreadCount))
	m.goroutines.Set(float64(s.GoroutineCount))
	m.systemCPU.Set(s.SystemCPUPct)
	m.systemMem.Set(s.SystemMemPct)
}
