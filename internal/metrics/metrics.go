// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from the conversion pipeline.
//
// The package is intentionally minimal and opinionated:
//
//   - It exposes a narrow interface (Backend) focused on counters and
//     distribution-style observations.
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems live in subpackages (prompush), keeping the
//     pipeline itself free of Prometheus imports.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a distribution-style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep is a convenience for the common pattern:
// measure latency + success/failure per pipeline step.
//
// Typical steps: "rotate", "commit", "worker", "run".
func RecordStep(step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"step":   step,
		"status": status,
	}

	backend.IncCounter("jsoncsv_step_total", 1, lbls)
	backend.ObserveHistogram("jsoncsv_step_duration_seconds", d.Seconds(), lbls)
}

// RecordRecords increments the record-level counter for a kind.
//
// Typical kinds mirror the run summary fields:
//   - "processed"
//   - "skipped"
//   - "quarantined"
//   - "parse_error"
//   - "transform_error"
func RecordRecords(kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("jsoncsv_records_total", float64(delta), Labels{
		"kind": kind,
	})
}

// RecordChunk records one finalized chunk and its size distribution.
func RecordChunk(rows, bytes int64) {
	backend.IncCounter("jsoncsv_chunks_total", 1, nil)
	backend.ObserveHistogram("jsoncsv_chunk_rows", float64(rows), nil)
	backend.ObserveHistogram("jsoncsv_chunk_bytes", float64(bytes), nil)
}
