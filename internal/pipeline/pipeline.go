// Package pipeline drives one worker's pass over the source: decode
// records, track the schema, transform each record against the snapshot
// its chunk was opened with, and append the row to the chunk writer.
// Chunk rotation and checkpoint commits happen between records, so a
// crash never invalidates a closed chunk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"jsoncsv/internal/checkpoint"
	"jsoncsv/internal/config"
	"jsoncsv/internal/decoder"
	"jsoncsv/internal/metadata"
	"jsoncsv/internal/metrics"
	"jsoncsv/internal/quarantine"
	"jsoncsv/internal/schema"
	"jsoncsv/internal/transformer"
	"jsoncsv/internal/writer"
)

// Config describes one worker's slice of the conversion. RangeEnd == 0
// means "to end of stream"; the caller bounds the reader itself (a
// SectionReader for range workers), so the pipeline never reads past it.
type Config struct {
	Worker     int
	RangeStart int64
	RangeEnd   int64

	// Mode must be explicit (not auto) whenever the pipeline has to seek:
	// range workers, resume, and force-offset all position the stream.
	Mode           decoder.Mode
	ReadAhead      int
	AllowTruncated bool

	Policy string
	Arrays schema.ArrayMode
	Names  schema.NameMode
	Rules  transformer.Rules
	Writer writer.Config

	// CheckpointEvery adds time-based commits between rotations; zero
	// commits only at rotation and completion. ProgressEvery logs a
	// progress line every N records; zero disables.
	CheckpointEvery time.Duration
	ProgressEvery   int64

	// Resume restores a previous run's worker state: seek to its offset,
	// reinstall its schema snapshot, and reopen its unfinished chunk.
	Resume *checkpoint.WorkerState

	// ForceOffset starts a fresh pass at the given offset, advancing to
	// the next record boundary when the offset cannot be proven aligned.
	// It is the manual escape hatch for a lost or corrupt checkpoint.
	ForceOffset int64
}

// Result is what one worker hands back to the scheduler. Records is
// cumulative across resumed runs; Chunks covers only chunks closed by
// this process.
type Result struct {
	Worker   int
	Records  int64
	Offset   int64
	Chunks   []writer.ChunkInfo
	Snapshot *schema.Snapshot
	Events   []schema.Event
}

// Pipeline is not safe for concurrent use; the scheduler runs one per
// worker goroutine. The checkpoint store, counters, sampler and sink are
// the shared, concurrency-safe collaborators.
type Pipeline struct {
	cfg      Config
	dec      *decoder.Decoder
	tr       *schema.Tracker
	xf       *transformer.Transformer
	w        *writer.Writer
	store    *checkpoint.Store
	counters *metadata.Counters
	sampler  *metadata.ErrorSampler
	sink     *quarantine.Sink

	clock func() time.Time

	// chunkSnap is the snapshot the open chunk's header was written from.
	// Rows appended to that chunk are shaped by it even when the tracker
	// has already observed newer fields.
	chunkSnap  *schema.Snapshot
	records    int64
	lastChunk  int64
	chunks     int
	done       bool
	pending    int64
	lastCommit time.Time
}

// New wires one worker. sink may be nil; it is only consulted under the
// quarantine policy.
func New(src io.Reader, cfg Config, store *checkpoint.Store, counters *metadata.Counters, sampler *metadata.ErrorSampler, sink *quarantine.Sink) *Pipeline {
	dec := decoder.New(src, decoder.Config{
		Mode:           cfg.Mode,
		ReadAhead:      cfg.ReadAhead,
		AllowTruncated: cfg.AllowTruncated,
	})
	return &Pipeline{
		cfg:      cfg,
		dec:      dec,
		tr:       schema.NewTracker(cfg.Arrays, cfg.Names),
		xf:       transformer.New(cfg.Rules),
		w:        writer.New(cfg.Writer),
		store:    store,
		counters: counters,
		sampler:  sampler,
		sink:     sink,
		clock:    time.Now,
	}
}

// Run processes the worker's range to completion. On a fatal error it
// syncs the open chunk, commits a checkpoint describing the durable
// state, and returns the error; the partial Result is still valid.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	p.lastCommit = p.clock()
	if err := p.begin(); err != nil {
		return p.result(), err
	}
	if err := p.loop(ctx); err != nil {
		p.abort(err)
		return p.result(), err
	}
	if err := p.finish(); err != nil {
		return p.result(), err
	}
	return p.result(), nil
}

// begin positions the stream and restores prior state for resumed runs.
func (p *Pipeline) begin() error {
	if ws := p.cfg.Resume; ws != nil {
		return p.restore(ws)
	}
	if off := p.cfg.ForceOffset; off > 0 {
		return p.seekForced(off)
	}
	if p.cfg.RangeStart > 0 {
		aligned, err := p.dec.Seek(p.cfg.RangeStart)
		if err != nil {
			return fmt.Errorf("worker %d: seek to range start %d: %w", p.cfg.Worker, p.cfg.RangeStart, err)
		}
		if !aligned {
			return fmt.Errorf("worker %d: range start %d is not a record boundary", p.cfg.Worker, p.cfg.RangeStart)
		}
	}
	return nil
}

func (p *Pipeline) restore(ws *checkpoint.WorkerState) error {
	aligned, err := p.dec.Seek(ws.Offset)
	if errors.Is(err, decoder.ErrNotSeekable) {
		aligned, err = p.dec.RescanTo(ws.Offset)
	}
	if err != nil {
		return fmt.Errorf("worker %d: resume at offset %d: %w", p.cfg.Worker, ws.Offset, err)
	}
	if !aligned {
		return &checkpoint.CorruptionError{
			Path:   p.store.Path(),
			Reason: fmt.Sprintf("worker %d offset %d is not a record boundary", ws.Worker, ws.Offset),
		}
	}
	if ws.Snapshot != nil {
		p.tr = schema.Restore(ws.Snapshot, p.cfg.Arrays, p.cfg.Names)
	}
	p.records = ws.Records
	p.lastChunk = ws.LastChunk
	if ws.OpenChunk != nil {
		snap := p.tr.Snapshot()
		if err := p.w.Reopen(*ws.OpenChunk, snap); err != nil {
			return fmt.Errorf("worker %d: reopen %s: %w", p.cfg.Worker, ws.OpenChunk.Path, err)
		}
		p.chunkSnap = snap
		p.lastChunk = ws.OpenChunk.Index
	}
	log.Printf("[pipeline] worker=%d resumed offset=%d records=%d open_chunk=%v",
		p.cfg.Worker, ws.Offset, ws.Records, ws.OpenChunk != nil)
	return nil
}

func (p *Pipeline) seekForced(off int64) error {
	aligned, err := p.dec.Seek(off)
	if errors.Is(err, decoder.ErrNotSeekable) {
		aligned, err = p.dec.RescanTo(off)
	}
	if err != nil {
		return fmt.Errorf("worker %d: force offset %d: %w", p.cfg.Worker, off, err)
	}
	if !aligned {
		adjusted, err := p.dec.AlignForward()
		if err != nil {
			return fmt.Errorf("worker %d: align forward from %d: %w", p.cfg.Worker, off, err)
		}
		log.Printf("[pipeline] worker=%d force offset %d not on a record boundary, starting at %d",
			p.cfg.Worker, off, adjusted)
	}
	return nil
}

func (p *Pipeline) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := p.dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var pe *decoder.ParseError
			if errors.As(err, &pe) && !pe.Fatal && p.cfg.Policy != config.PolicyStrict {
				if derr := p.drop(metadata.KindParse, pe.Offset, pe.Raw, err); derr != nil {
					return derr
				}
				continue
			}
			return err
		}

		flat := schema.Flatten(rec.Val, p.cfg.Arrays)
		flat = p.xf.Filter(flat)
		if _, err := p.tr.ObserveFlat(rec.Val, flat, rec.Start); err != nil {
			return err
		}
		if !p.w.Active() {
			p.chunkSnap = p.tr.Snapshot()
			if err := p.w.Open(p.chunkSnap); err != nil {
				return err
			}
			p.lastChunk = p.w.State().Index
		}

		row, err := p.xf.Apply(flat, rec.Start, p.chunkSnap)
		if err != nil {
			if p.cfg.Policy == config.PolicyStrict {
				return err
			}
			if derr := p.drop(metadata.KindTransform, rec.Start, rec.Raw, err); derr != nil {
				return derr
			}
			continue
		}
		err = p.w.Append(row)
		row.Free()
		if err != nil {
			return err
		}
		p.records++
		p.pending++
		p.counters.Processed.Add(1)

		now := p.clock()
		switch {
		case p.w.ShouldRotate(now):
			if err := p.rotate(); err != nil {
				return err
			}
		case p.cfg.CheckpointEvery > 0 && now.Sub(p.lastCommit) >= p.cfg.CheckpointEvery:
			if err := p.commitOpen(); err != nil {
				return err
			}
		}
		if p.cfg.ProgressEvery > 0 && p.records%p.cfg.ProgressEvery == 0 {
			log.Printf("[pipeline] worker=%d processed=%d offset=%d chunks=%d",
				p.cfg.Worker, p.records, p.dec.Offset(), p.chunks)
		}
	}
}

// drop records one rejected input record under a lenient policy. Raw
// bytes go to the quarantine sink when one is wired; otherwise the
// record is counted and skipped.
func (p *Pipeline) drop(kind string, off int64, raw []byte, cause error) error {
	p.counters.CountError(kind)
	p.sampler.Add(kind, p.cfg.Worker, off, cause)
	metrics.RecordRecords(kind, 1)
	if p.sink != nil {
		p.counters.Quarantined.Add(1)
		metrics.RecordRecords("quarantined", 1)
		if err := p.sink.Add(off, kind, cause.Error(), raw); err != nil {
			return fmt.Errorf("worker %d: quarantine record at %d: %w", p.cfg.Worker, off, err)
		}
		return nil
	}
	p.counters.Skipped.Add(1)
	metrics.RecordRecords("skipped", 1)
	return nil
}

// rotate closes the open chunk and commits a checkpoint at the rotation
// boundary. The next chunk is opened lazily by the next record, from the
// tracker's state at that point.
func (p *Pipeline) rotate() error {
	t0 := p.clock()
	info, err := p.w.Close()
	metrics.RecordStep("rotate", err, p.clock().Sub(t0))
	if err != nil {
		return err
	}
	metrics.RecordChunk(info.Rows, info.Bytes)
	p.chunks++
	p.chunkSnap = nil
	p.lastChunk = info.Index
	log.Printf("[pipeline] worker=%d closed chunk=%s rows=%d bytes=%d schema_version=%d",
		p.cfg.Worker, info.Path, info.Rows, info.Bytes, info.SchemaVersion)
	return p.commit(p.dec.Offset(), nil)
}

// commitOpen snapshots mid-chunk progress: sync the chunk so the
// recorded byte count is durable, then commit with the open-chunk state.
func (p *Pipeline) commitOpen() error {
	if !p.w.Active() {
		return p.commit(p.dec.Offset(), nil)
	}
	if err := p.w.Sync(); err != nil {
		return err
	}
	st := p.w.State()
	return p.commit(p.dec.Offset(), &st)
}

func (p *Pipeline) commit(off int64, open *writer.State) error {
	ws := checkpoint.WorkerState{
		Worker:     p.cfg.Worker,
		RangeStart: p.cfg.RangeStart,
		RangeEnd:   p.cfg.RangeEnd,
		Offset:     off,
		Records:    p.records,
		LastChunk:  p.lastChunk,
		OpenChunk:  open,
		Done:       p.done,
	}
	if open != nil {
		ws.Snapshot = p.chunkSnap
	} else {
		ws.Snapshot = p.tr.Snapshot()
	}
	t0 := p.clock()
	err := p.store.Commit(ws)
	metrics.RecordStep("commit", err, p.clock().Sub(t0))
	if err != nil {
		return fmt.Errorf("worker %d: commit checkpoint: %w", p.cfg.Worker, err)
	}
	p.lastCommit = p.clock()
	p.flushRecordMetrics()
	return nil
}

// finish closes the trailing chunk, if any, and commits the worker as
// done.
func (p *Pipeline) finish() error {
	if p.w.Active() {
		t0 := p.clock()
		info, err := p.w.Close()
		metrics.RecordStep("rotate", err, p.clock().Sub(t0))
		if err != nil {
			return err
		}
		metrics.RecordChunk(info.Rows, info.Bytes)
		p.chunks++
		p.chunkSnap = nil
		p.lastChunk = info.Index
	}
	p.done = true
	return p.commit(p.dec.Offset(), nil)
}

// abort makes the open chunk durable and records where processing
// stopped. The committed offset points at the failing record when the
// error names one, so a lenient re-run picks it up instead of silently
// losing it. Commit problems here are logged, not returned; the original
// cause wins.
func (p *Pipeline) abort(cause error) {
	off := errOffset(cause, p.dec.Offset())
	if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		kind := errKind(cause)
		p.counters.CountError(kind)
		p.sampler.Add(kind, p.cfg.Worker, off, cause)
		metrics.RecordRecords(kind, 1)
	}
	var open *writer.State
	if p.w.Active() {
		if err := p.w.Sync(); err != nil {
			// The chunk's tail may not be durable; leave the previous
			// checkpoint standing rather than commit unverifiable state.
			log.Printf("[pipeline] worker=%d sync during abort failed: %v", p.cfg.Worker, err)
			p.flushRecordMetrics()
			return
		}
		st := p.w.State()
		open = &st
	}
	if err := p.commit(off, open); err != nil {
		log.Printf("[pipeline] worker=%d checkpoint during abort failed: %v", p.cfg.Worker, err)
	}
}

func (p *Pipeline) flushRecordMetrics() {
	if p.pending > 0 {
		metrics.RecordRecords("processed", p.pending)
		p.pending = 0
	}
}

func (p *Pipeline) result() Result {
	return Result{
		Worker:   p.cfg.Worker,
		Records:  p.records,
		Offset:   p.dec.Offset(),
		Chunks:   p.w.Manifest(),
		Snapshot: p.tr.Snapshot(),
		Events:   p.tr.Log(),
	}
}

func errKind(err error) string {
	var (
		pe *decoder.ParseError
		re *transformer.RowError
		se *schema.ConflictError
		ce *checkpoint.CorruptionError
	)
	switch {
	case errors.As(err, &pe):
		return metadata.KindParse
	case errors.As(err, &re):
		return metadata.KindTransform
	case errors.As(err, &se):
		return metadata.KindSchema
	case errors.As(err, &ce):
		return metadata.KindCheckpoint
	}
	return metadata.KindIO
}

// errOffset pulls the failing record's offset out of errors that carry
// one; fallback is the decoder position.
func errOffset(err error, fallback int64) int64 {
	var (
		pe *decoder.ParseError
		re *transformer.RowError
		se *schema.ConflictError
	)
	switch {
	case errors.As(err, &pe):
		return pe.Offset
	case errors.As(err, &re):
		return re.Offset
	case errors.As(err, &se):
		return se.Offset
	}
	return fallback
}
