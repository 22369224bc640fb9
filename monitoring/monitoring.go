// Package monitoring exports heap counters and gauges through
// VictoriaMetrics. Metric handles are package-level and cheap to
// increment; WritePrometheus exposes them to a scrape handler.
package monitoring

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/hupe1980/tierheap/source"
)

var (
	faultIns    = metrics.NewCounter("tierheap_faultins_total")
	evictions   = metrics.NewCounter("tierheap_evictions_total")
	compactions = metrics.NewCounter("tierheap_compactions_total")
	txCommits   = metrics.NewCounter("tierheap_tx_commits_total")
	txAborts    = metrics.NewCounter("tierheap_tx_aborts_total")
	txConflicts = metrics.NewCounter("tierheap_tx_conflicts_total")
)

// IncFaultIn counts one block fault-in.
func IncFaultIn() { faultIns.Inc() }

// IncEviction counts one evicted extent.
func IncEviction() { evictions.Inc() }

// IncCompaction counts one completed extent compaction.
func IncCompaction() { compactions.Inc() }

// IncCommit counts one committed transaction.
func IncCommit() { txCommits.Inc() }

// IncAbort counts one aborted transaction.
func IncAbort() { txAborts.Inc() }

// IncConflict counts one write or read-for-write conflict.
func IncConflict() { txConflicts.Inc() }

// HeapObserver satisfies the las and engine observer interfaces,
// forwarding fault-in, eviction and compaction events to the exported
// counters.
type HeapObserver struct{}

// OnFaultIn implements las.Observer.
func (HeapObserver) OnFaultIn() { IncFaultIn() }

// OnEviction implements engine.MetricsObserver.
func (HeapObserver) OnEviction(int) { IncEviction() }

// OnCompaction implements engine.MetricsObserver.
func (HeapObserver) OnCompaction() { IncCompaction() }

// SourceObserver implements source.Observer with per-source read/write
// counters.
type SourceObserver struct{}

// OnRead implements source.Observer.
func (SourceObserver) OnRead(src source.ID, bytes int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tierheap_source_reads_total{source="%d"}`, src)).Inc()
	metrics.GetOrCreateCounter(fmt.Sprintf(`tierheap_source_read_bytes_total{source="%d"}`, src)).Add(bytes)
}

// OnWrite implements source.Observer.
func (SourceObserver) OnWrite(src source.ID, bytes int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tierheap_source_writes_total{source="%d"}`, src)).Inc()
	metrics.GetOrCreateCounter(fmt.Sprintf(`tierheap_source_write_bytes_total{source="%d"}`, src)).Add(bytes)
}

// SetResidentBytes updates the resident-bytes gauge.
func SetResidentBytes(v int64) {
	metrics.GetOrCreateCounter("tierheap_resident_bytes").Set(uint64(v))
}

// SetCandidateCount updates the eviction-candidate gauge.
func SetCandidateCount(v int) {
	metrics.GetOrCreateCounter("tierheap_eviction_candidates").Set(uint64(v))
}

// WritePrometheus dumps all metrics in Prometheus text format.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
