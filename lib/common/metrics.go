package common

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Metric names
// --------------------------------------------------------------------------

// Counters are registered lazily in the default VictoriaMetrics set.
// Label values are quoted by fmt, so callers pass plain strings.

// AdapterErrors counts swallowed failures of an adapter data method
func AdapterErrors(backend, op string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`deposit_adapter_errors_total{backend=%q,op=%q}`, backend, op))
}

// ExpiredEvictions counts expired records removed by a read
func ExpiredEvictions(backend string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`deposit_expired_evictions_total{backend=%q}`, backend))
}

// CorruptRecords counts stored values that could not be decoded and were dropped
func CorruptRecords(backend string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`deposit_corrupt_records_total{backend=%q}`, backend))
}

// QueryFetches counts full table fetches issued by query builders
func QueryFetches() *metrics.Counter {
	return metrics.GetOrCreateCounter(`deposit_query_fetches_total`)
}

// QueryMemoHits counts query executions answered from the memo cache
func QueryMemoHits() *metrics.Counter {
	return metrics.GetOrCreateCounter(`deposit_query_memo_hits_total`)
}

// Transactions counts finished transactions by result ("committed" or "failed")
func Transactions(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`deposit_transactions_total{result=%q}`, result))
}

// WriteMetrics writes all counters in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
