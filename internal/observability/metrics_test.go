package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsMerges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveMerge("top_movers", "written", 20*time.Millisecond)
	m.ObserveMerge("top_movers", "written", 30*time.Millisecond)
	m.ObserveMerge("top_movers", "aborted", time.Millisecond)
	m.AddConflicts("top_movers", "deny", 3)
	m.AddConflicts("top_movers", "allow", 0)
	m.SetArchiveRows("top_movers", 42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("top_movers", "written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("top_movers", "aborted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MergeConflicts.WithLabelValues("top_movers", "deny")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.MergeRowsWritten.WithLabelValues("top_movers")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MergeDuration))
}

func TestMetrics_RecordsBackfill(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncBackfillTask("ok")
	m.IncBackfillTask("extract_error")
	m.IncIndexRequest("retry")
	m.IncMirrorTransfer("push", "ok")
	m.ObserveBackfill(time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackfillTasks.WithLabelValues("extract_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRequests.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorTransfers.WithLabelValues("push", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackfillDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMerge("x", "written", time.Second)
		m.AddConflicts("x", "deny", 1)
		m.SetArchiveRows("x", 1)
		m.IncBackfillTask("ok")
		m.ObserveBackfill(time.Second)
		m.IncIndexRequest("ok")
		m.IncMirrorTransfer("pull", "error")
	})
}
