package pool

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsState holds the atomic counters backing a Pool's MetricsCollector,
// grounded on the teacher's package-level atomic.Uint64 counters in
// internal/database/metrics.go, generalized to per-Pool instances since a
// Registry may hold many Pools at once.
type metricsState struct {
	dbName string

	readQueueDepth  atomic.Int64
	writeQueueDepth atomic.Int64
	readGrants      atomic.Uint64
	writeGrants     atomic.Uint64
}

func newMetricsState(dbName string) *metricsState {
	return &metricsState{dbName: dbName}
}

func (m *metricsState) setQueueDepth(kind LockKind, depth int) {
	if kind == Write {
		m.writeQueueDepth.Store(int64(depth))
	} else {
		m.readQueueDepth.Store(int64(depth))
	}
}

func (m *metricsState) incGrants(kind LockKind) {
	if kind == Write {
		m.writeGrants.Add(1)
	} else {
		m.readGrants.Add(1)
	}
}

var (
	waitQueueDepthDesc = prometheus.NewDesc(
		"sqlitepool_wait_queue_depth",
		"Number of context IDs currently waiting for a lock grant.",
		[]string{"db", "kind"}, nil,
	)
	grantsTotalDesc = prometheus.NewDesc(
		"sqlitepool_grants_total",
		"Total number of lock grants issued.",
		[]string{"db", "kind"}, nil,
	)
)

// MetricsCollector exposes one Pool's wait-queue depth and grant counters
// to Prometheus, grounded on internal/database/metrics.go's
// MetricsCollector/Describe/Collect pattern.
type MetricsCollector struct {
	pool *Pool
}

// Metrics returns a prometheus.Collector for this Pool. Callers register
// it with their own prometheus.Registry.
func (p *Pool) Metrics() *MetricsCollector {
	return &MetricsCollector{pool: p}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- waitQueueDepthDesc
	ch <- grantsTotalDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.pool.metrics

	ch <- prometheus.MustNewConstMetric(waitQueueDepthDesc, prometheus.GaugeValue,
		float64(m.readQueueDepth.Load()), m.dbName, "read")
	ch <- prometheus.MustNewConstMetric(waitQueueDepthDesc, prometheus.GaugeValue,
		float64(m.writeQueueDepth.Load()), m.dbName, "write")
	ch <- prometheus.MustNewConstMetric(grantsTotalDesc, prometheus.CounterValue,
		float64(m.readGrants.Load()), m.dbName, "read")
	ch <- prometheus.MustNewConstMetric(grantsTotalDesc, prometheus.CounterValue,
		float64(m.writeGrants.Load()), m.dbName, "write")
}
