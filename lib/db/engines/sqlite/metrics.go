package sqlite

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"io"
	"time"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

// All stores of a process share the metrics below, they are exposed with WritePrometheus.
var (
	cursorsOpened = metrics.GetOrCreateCounter(`sqlkv_cursors_opened_total`)
	cursorsClosed = metrics.GetOrCreateCounter(`sqlkv_cursors_closed_total`)
	cursorsLeaked = metrics.GetOrCreateCounter(`sqlkv_cursors_leaked_total`)
	rowsWritten   = metrics.GetOrCreateCounter(`sqlkv_rows_written_total`)
	rowsDeleted   = metrics.GetOrCreateCounter(`sqlkv_rows_deleted_total`)
	rowsRead      = metrics.GetOrCreateCounter(`sqlkv_rows_read_total`)
)

// observe counts one execution of op and records its latency. It returns the error unchanged.
//
//	defer func() { err = observe("getByIds", start, err) }()
func observe(op string, start time.Time, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`sqlkv_operations_total{op=%q,status=%q}`, op, status)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`sqlkv_operation_duration_seconds{op=%q}`, op)).UpdateDuration(start)
	return err
}

// WritePrometheus writes all metrics of this package in Prometheus text format
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
