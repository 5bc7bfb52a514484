// Package metrics collects and exposes Prometheus metrics for the storage
// engine. All collectors are optional wiring: a nil *Metrics is safe to call,
// so the core never needs to know whether observability is attached.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine's Prometheus collectors.
type Metrics struct {
	commits     prometheus.Counter
	flushes     prometheus.Counter
	compactions prometheus.Counter
	journalWr   prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	deviceRd    prometheus.Counter
	deviceWr    prometheus.Counter
	openStores  prometheus.Gauge
}

// New creates a metrics collector registered against reg. A nil registerer
// falls back to a private registry, which keeps tests isolated from the
// process-global default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "commits_total",
			Help: "Committed transactions.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "layer_flushes_total",
			Help: "Mutable layers sealed into immutable layers.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "compactions_total",
			Help: "Immutable layer compactions.",
		}),
		journalWr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "journal_bytes_total",
			Help: "Bytes appended to store journals.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "layer_cache_hits_total",
			Help: "Immutable-layer block cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "layer_cache_misses_total",
			Help: "Immutable-layer block cache misses.",
		}),
		deviceRd: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "device_read_bytes_total",
			Help: "Bytes read from the block device.",
		}),
		deviceWr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keelfs", Name: "device_written_bytes_total",
			Help: "Bytes written to the block device.",
		}),
		openStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keelfs", Name: "open_stores",
			Help: "Object stores currently open.",
		}),
	}
	reg.MustRegister(
		m.commits, m.flushes, m.compactions, m.journalWr,
		m.cacheHits, m.cacheMisses, m.deviceRd, m.deviceWr, m.openStores,
	)
	return m
}

// RecordCommit records a committed transaction.
func (m *Metrics) RecordCommit() {
	if m != nil {
		m.commits.Inc()
	}
}

// RecordFlush records a mutable-layer seal.
func (m *Metrics) RecordFlush() {
	if m != nil {
		m.flushes.Inc()
	}
}

// RecordCompaction records a layer compaction.
func (m *Metrics) RecordCompaction() {
	if m != nil {
		m.compactions.Inc()
	}
}

// RecordJournalWrite records bytes appended to a journal.
func (m *Metrics) RecordJournalWrite(n int) {
	if m != nil {
		m.journalWr.Add(float64(n))
	}
}

// RecordCacheHit records a layer block cache hit.
func (m *Metrics) RecordCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// RecordCacheMiss records a layer block cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// RecordDeviceRead records bytes read from the device.
func (m *Metrics) RecordDeviceRead(n int) {
	if m != nil {
		m.deviceRd.Add(float64(n))
	}
}

// RecordDeviceWrite records bytes written to the device.
func (m *Metrics) RecordDeviceWrite(n int) {
	if m != nil {
		m.deviceWr.Add(float64(n))
	}
}

// SetOpenStores sets the open-store gauge.
func (m *Metrics) SetOpenStores(n int) {
	if m != nil {
		m.openStores.Set(float64(n))
	}
}
