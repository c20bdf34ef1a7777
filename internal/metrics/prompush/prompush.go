// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// This package adapts the generic metrics.Backend interface to Prometheus by:
//
//   - Using client_golang CounterVec and SummaryVec collectors.
//   - Mapping the pipeline labels (step, status, kind) onto Prometheus labels.
//   - Pushing collected metrics to a Prometheus Pushgateway instance instead of
//     exposing an HTTP scrape endpoint, which suits a batch process that exits
//     when the conversion finishes.
//
// The package intentionally contains all Prometheus-specific dependencies so
// that the rest of the project remains decoupled from Prometheus and can swap
// to alternative backends without changes to the core pipeline.
package prompush

import (
	"fmt"

	"jsoncsv/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	runID      string // optional run_id grouping label
	reg        *prometheus.Registry

	// Step-level metrics
	stepCounter  *prometheus.CounterVec // "jsoncsv_step_total"
	stepDuration *prometheus.SummaryVec // "jsoncsv_step_duration_seconds"

	// Record- and chunk-level metrics
	recordCounter *prometheus.CounterVec // "jsoncsv_records_total"
	chunkCounter  prometheus.Counter     // "jsoncsv_chunks_total"
	chunkRows     prometheus.Summary     // "jsoncsv_chunk_rows"
	chunkBytes    prometheus.Summary     // "jsoncsv_chunk_bytes"
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name. gatewayURL: base URL of the
// Pushgateway server. runID: optional grouping label tying pushed series to
// one conversion run; empty disables the label.
func NewBackend(jobName, gatewayURL, runID string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "jsoncsv"
	}

	reg := prometheus.NewRegistry()

	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsoncsv_step_total",
			Help: "Total number of pipeline step executions, partitioned by step and status.",
		},
		[]string{"step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "jsoncsv_step_duration_seconds",
			Help:       "Duration of pipeline steps in seconds, partitioned by step and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"step", "status"},
	)

	// RECORD metrics: kind (processed, skipped, parse_error, ...).
	recordCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsoncsv_records_total",
			Help: "Record-level counts per kind (processed, skipped, parse_error, etc.).",
		},
		[]string{"kind"},
	)

	// CHUNK metrics: count plus size distributions of finalized chunks.
	chunkCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsoncsv_chunks_total",
			Help: "Total number of finalized CSV chunks.",
		},
	)
	chunkRows := prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "jsoncsv_chunk_rows",
			Help: "Data rows per finalized chunk.",
		},
	)
	chunkBytes := prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "jsoncsv_chunk_bytes",
			Help: "Bytes per finalized chunk, header included.",
		},
	)

	if err := reg.Register(stepCounter); err != nil {
		return nil, fmt.Errorf("prompush: register step counter: %w", err)
	}
	if err := reg.Register(stepDuration); err != nil {
		return nil, fmt.Errorf("prompush: register step summary: %w", err)
	}
	if err := reg.Register(recordCounter); err != nil {
		return nil, fmt.Errorf("prompush: register record counter: %w", err)
	}
	if err := reg.Register(chunkCounter); err != nil {
		return nil, fmt.Errorf("prompush: register chunk counter: %w", err)
	}
	if err := reg.Register(chunkRows); err != nil {
		return nil, fmt.Errorf("prompush: register chunk rows summary: %w", err)
	}
	if err := reg.Register(chunkBytes); err != nil {
		return nil, fmt.Errorf("prompush: register chunk bytes summary: %w", err)
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		runID:         runID,
		reg:           reg,
		stepCounter:   stepCounter,
		stepDuration:  stepDuration,
		recordCounter: recordCounter,
		chunkCounter:  chunkCounter,
		chunkRows:     chunkRows,
		chunkBytes:    chunkBytes,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "jsoncsv_step_total":
		if b.stepCounter == nil {
			return
		}
		step := labels["step"]
		status := labels["status"]
		b.stepCounter.WithLabelValues(step, status).Add(delta)

	case "jsoncsv_records_total":
		if b.recordCounter == nil {
			return
		}
		kind := labels["kind"]
		b.recordCounter.WithLabelValues(kind).Add(delta)

	case "jsoncsv_chunks_total":
		if b.chunkCounter == nil {
			return
		}
		b.chunkCounter.Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case "jsoncsv_step_duration_seconds":
		if b.stepDuration == nil {
			return
		}
		step := labels["step"]
		status := labels["status"]
		b.stepDuration.WithLabelValues(step, status).Observe(value)

	case "jsoncsv_chunk_rows":
		if b.chunkRows == nil {
			return
		}
		b.chunkRows.Observe(value)

	case "jsoncsv_chunk_bytes":
		if b.chunkBytes == nil {
			return
		}
		b.chunkBytes.Observe(value)
	}
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	p := push.New(b.gatewayURL, b.jobName).Gatherer(b.reg)
	if b.runID != "" {
		p = p.Grouping("run_id", b.runID)
	}
	return p.Push()
}
