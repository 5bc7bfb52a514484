package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCommit()
	m.RecordCommit()
	m.RecordJournalWrite(1000)
	m.RecordJournalWrite(500)
	m.RecordFlush()
	m.SetOpenStores(3)

	require.Equal(t, float64(2), testutil.ToFloat64(m.commits))
	require.Equal(t, float64(1500), testutil.ToFloat64(m.journalWr))
	require.Equal(t, float64(1), testutil.ToFloat64(m.flushes))
	require.Equal(t, float64(3), testutil.ToFloat64(m.openStores))
}

func TestMetrics_NilSafe(t *testing.T) {
	// The core calls collectors unconditionally; a nil receiver must be a
	// no-op rather than a crash.
	var m *Metrics
	m.RecordCommit()
	m.RecordFlush()
	m.RecordCompaction()
	m.RecordJournalWrite(10)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordDeviceRead(10)
	m.RecordDeviceWrite(10)
	m.SetOpenStores(1)
}
