// Package metadata accumulates run accounting and serializes the two
// report documents: metadata.json (counters, error summary, chunk
// manifest) and schema.json (per-worker final schema plus evolution log).
//
// Counters are updated from all workers via atomics; the error sampler
// keeps only the first N proper errors so a pathological input cannot grow
// the report without bound.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jsoncsv/internal/schema"
	"jsoncsv/internal/writer"
)

// NewRunID returns the uuid stamped into reports, checkpoints and metrics
// labels for one process run.
func NewRunID() string { return uuid.NewString() }

// Error kind labels used in counters, quarantine rows and metrics.
const (
	KindParse      = "parse_error"
	KindTransform  = "transform_error"
	KindSchema     = "schema_conflict"
	KindIO         = "io_error"
	KindCheckpoint = "checkpoint_corruption"
)

// Counters is the cross-worker accounting. All fields are safe for
// concurrent update.
type Counters struct {
	Processed   atomic.Int64
	Skipped     atomic.Int64
	Quarantined atomic.Int64

	ParseErrors     atomic.Int64
	TransformErrors atomic.Int64
}

// CountError bumps the typed counter for kind. Unknown kinds are ignored;
// fatal kinds are reported through the run summary, not counted here.
func (c *Counters) CountError(kind string) {
	switch kind {
	case KindParse:
		c.ParseErrors.Add(1)
	case KindTransform:
		c.TransformErrors.Add(1)
	}
}

// ErrorCounts returns the nonzero typed counters keyed by kind label.
func (c *Counters) ErrorCounts() map[string]int64 {
	m := make(map[string]int64)
	if n := c.ParseErrors.Load(); n > 0 {
		m[KindParse] = n
	}
	if n := c.TransformErrors.Load(); n > 0 {
		m[KindTransform] = n
	}
	return m
}

// Sample is one retained error with enough context for external diagnosis.
type Sample struct {
	Kind   string `json:"kind"`
	Worker int    `json:"worker"`
	Offset int64  `json:"offset"`
	Detail string `json:"detail"`
}

// ErrorSampler retains the first max errors and counts the rest.
type ErrorSampler struct {
	mu      sync.Mutex
	max     int
	total   int64
	samples []Sample
}

// NewErrorSampler builds a sampler retaining at most max errors (32 when
// max is not positive).
func NewErrorSampler(max int) *ErrorSampler {
	if max <= 0 {
		max = 32
	}
	return &ErrorSampler{max: max}
}

// Add records one error.
func (s *ErrorSampler) Add(kind string, worker int, off int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.samples) < s.max {
		s.samples = append(s.samples, Sample{
			Kind:   kind,
			Worker: worker,
			Offset: off,
			Detail: err.Error(),
		})
	}
}

// Total returns how many errors were offered, retained or not.
func (s *ErrorSampler) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Samples returns the retained errors in arrival order.
func (s *ErrorSampler) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// WorkerSchema is one worker range's final schema and evolution history.
// Ranges matter because workers infer independently; reconciling their
// column sets is the consumer's job.
type WorkerSchema struct {
	Worker     int              `json:"worker"`
	RangeStart int64            `json:"range_start"`
	RangeEnd   int64            `json:"range_end,omitempty"`
	Final      *schema.Snapshot `json:"final"`
	Events     []schema.Event   `json:"evolution,omitempty"`
}

// SchemaDoc is the schema.json document.
type SchemaDoc struct {
	RunID   string         `json:"run_id"`
	Source  string         `json:"source"`
	Workers []WorkerSchema `json:"workers"`
}

// Report is the metadata.json document, the serialized form of the run's
// ProcessingMetadata.
type Report struct {
	RunID   string    `json:"run_id"`
	Source  string    `json:"source"`
	Start   time.Time `json:"start_time"`
	End     time.Time `json:"end_time"`
	Workers int       `json:"workers"`
	Resumed bool      `json:"resumed,omitempty"`

	RecordsProcessed   int64 `json:"records_processed"`
	RecordsSkipped     int64 `json:"records_skipped"`
	RecordsQuarantined int64 `json:"records_quarantined,omitempty"`

	ErrorCounts  map[string]int64 `json:"error_counts,omitempty"`
	ErrorSamples []Sample         `json:"error_samples,omitempty"`

	ChunkManifest []writer.ChunkInfo `json:"chunk_manifest"`
	SchemaLog     []WorkerSchema     `json:"schema_evolution"`

	Fatal string `json:"fatal_error,omitempty"`
}

// CheckConsistency cross-checks the counters against the chunk manifest.
// Only meaningful for a clean, non-resumed run: a partial run legitimately
// has rows in no finalized chunk, and a resumed run closes a chunk whose
// earlier rows were counted by the previous process.
func (r *Report) CheckConsistency() error {
	if r.Fatal != "" || r.Resumed {
		return nil
	}
	var rows int64
	for _, c := range r.ChunkManifest {
		rows += c.Rows
	}
	if rows != r.RecordsProcessed {
		return fmt.Errorf("manifest holds %d rows, counters processed %d", rows, r.RecordsProcessed)
	}
	return nil
}

// Write serializes the report to path.
func (r *Report) Write(path string) error {
	return writeJSON(path, r)
}

// Write serializes the schema document to path.
func (d *SchemaDoc) Write(path string) error {
	return writeJSON(path, d)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
