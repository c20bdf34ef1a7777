// Package checkpoint persists pipeline progress as a single atomically
// replaced JSON document, and restores it on resume.
//
// The document carries one entry per worker range: source offset of the
// next unprocessed record, chunk numbering progress, the schema snapshot to
// reinstall, and (for mid-chunk commits) the open chunk's durable state.
// The payload is wrapped in an envelope with an xxh3 checksum; a file that
// fails the checksum, or decodes into an inconsistent document, is reported
// as a *CorruptionError and never partially trusted.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"jsoncsv/internal/schema"
	"jsoncsv/internal/writer"
)

// CorruptionError means the checkpoint file cannot be trusted. Resume must
// not guess a recovery point past one of these; the operator either starts
// fresh or supplies an explicit offset override.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// WorkerState is one worker range's committed progress. Offset is the byte
// offset of the next unprocessed record; everything before it is durably in
// chunk files. OpenChunk is set only by mid-chunk commits, after the chunk's
// bytes were fsynced.
type WorkerState struct {
	Worker     int              `json:"worker"`
	RangeStart int64            `json:"range_start"`
	RangeEnd   int64            `json:"range_end,omitempty"`
	Offset     int64            `json:"offset"`
	Records    int64            `json:"records"`
	LastChunk  int64            `json:"last_chunk"`
	OpenChunk  *writer.State    `json:"open_chunk,omitempty"`
	Snapshot   *schema.Snapshot `json:"schema,omitempty"`
	Done       bool             `json:"done,omitempty"`
}

// Checkpoint is the persisted document. Mode is the resolved decoder mode
// name; resume verifies it against the source before seeking, since a mode
// flip means the source is not the one the checkpoint describes.
type Checkpoint struct {
	RunID       string        `json:"run_id"`
	Source      string        `json:"source"`
	Mode        string        `json:"mode,omitempty"`
	Workers     []WorkerState `json:"workers"`
	CommittedAt time.Time     `json:"committed_at"`
}

// Worker returns the entry for one worker id.
func (c *Checkpoint) Worker(id int) (WorkerState, bool) {
	for _, w := range c.Workers {
		if w.Worker == id {
			return w, true
		}
	}
	return WorkerState{}, false
}

// LastChunk returns the highest chunk index any worker has allocated, the
// seed for the shared sequence on resume.
func (c *Checkpoint) LastChunk() int64 {
	var max int64
	for _, w := range c.Workers {
		if w.LastChunk > max {
			max = w.LastChunk
		}
		if w.OpenChunk != nil && w.OpenChunk.Index > max {
			max = w.OpenChunk.Index
		}
	}
	return max
}

// envelope is the on-disk wrapper. The checksum covers the compact form of
// the payload, so re-indentation by the encoder cannot invalidate it.
type envelope struct {
	Checksum string          `json:"xxh3"`
	Payload  json.RawMessage `json:"payload"`
}

// Store serializes commits from all workers into one checkpoint file.
type Store struct {
	path   string
	runID  string
	source string
	mode   string

	mu      sync.Mutex
	workers map[int]WorkerState
}

// NewStore builds a Store writing to path. runID, source and the resolved
// decoder mode are stamped into every committed document.
func NewStore(path, runID, source, mode string) *Store {
	return &Store{
		path:    path,
		runID:   runID,
		source:  source,
		mode:    mode,
		workers: make(map[int]WorkerState),
	}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

// Adopt seeds the store with a previous run's worker entries, so the first
// commit of a resumed run does not erase the progress of workers it has not
// touched yet.
func (s *Store) Adopt(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range cp.Workers {
		s.workers[w.Worker] = w
	}
}

// Commit upserts one worker's state and atomically replaces the checkpoint
// file with the full document.
func (s *Store) Commit(ws WorkerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[ws.Worker] = ws
	return s.persist()
}

func (s *Store) persist() error {
	doc := Checkpoint{
		RunID:       s.runID,
		Source:      s.source,
		Mode:        s.mode,
		CommittedAt: time.Now().UTC(),
	}
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		doc.Workers = append(doc.Workers, s.workers[id])
	}

	payload, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	env := envelope{
		Checksum: fmt.Sprintf("%016x", xxh3.Hash(payload)),
		Payload:  payload,
	}
	out, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	out = append(out, '\n')

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	// Directory sync is best effort; the rename already guarantees the file
	// is either the old or the new document.
	if d, err := os.Open(filepath.Dir(s.path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load reads and verifies the checkpoint at path. A missing file returns
// (nil, nil): there is nothing to resume, which is not an error. Every
// other failure to produce a verified document is a *CorruptionError.
func Load(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &CorruptionError{Path: path, Reason: "unreadable", Err: err}
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "not a checkpoint document", Err: err}
	}
	if len(env.Payload) == 0 {
		return nil, &CorruptionError{Path: path, Reason: "missing payload"}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "malformed payload", Err: err}
	}
	if got := fmt.Sprintf("%016x", xxh3.Hash(compact.Bytes())); got != env.Checksum {
		return nil, &CorruptionError{
			Path:   path,
			Reason: fmt.Sprintf("payload checksum %s, recorded %s", got, env.Checksum),
		}
	}
	var cp Checkpoint
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "payload decode", Err: err}
	}
	if err := validate(&cp); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "inconsistent document", Err: err}
	}
	return &cp, nil
}

func validate(cp *Checkpoint) error {
	seen := make(map[int]struct{}, len(cp.Workers))
	for _, w := range cp.Workers {
		if _, dup := seen[w.Worker]; dup {
			return fmt.Errorf("worker %d appears twice", w.Worker)
		}
		seen[w.Worker] = struct{}{}
		if w.Offset < 0 {
			return fmt.Errorf("worker %d: negative offset %d", w.Worker, w.Offset)
		}
		if w.RangeEnd != 0 && w.RangeEnd < w.RangeStart {
			return fmt.Errorf("worker %d: range [%d, %d) is inverted", w.Worker, w.RangeStart, w.RangeEnd)
		}
		if w.Offset < w.RangeStart {
			return fmt.Errorf("worker %d: offset %d precedes range start %d", w.Worker, w.Offset, w.RangeStart)
		}
		if w.OpenChunk != nil {
			if w.Snapshot == nil {
				return fmt.Errorf("worker %d: open chunk without a schema snapshot", w.Worker)
			}
			if w.OpenChunk.SchemaVersion != w.Snapshot.Version {
				return fmt.Errorf("worker %d: open chunk snapshot version %d, schema version %d",
					w.Worker, w.OpenChunk.SchemaVersion, w.Snapshot.Version)
			}
		}
	}
	return nil
}
