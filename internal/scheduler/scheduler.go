// Package scheduler fans one conversion out across workers. It resolves
// the decoder mode, splits the source into record-aligned byte ranges,
// wires every worker to the shared chunk sequence, checkpoint store and
// counters, and supervises the pipelines under one errgroup. On resume
// the ranges come from the checkpoint, never from a fresh split: a
// re-split against a grown source could hand two workers the same bytes.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"jsoncsv/internal/checkpoint"
	"jsoncsv/internal/config"
	"jsoncsv/internal/datasource"
	"jsoncsv/internal/decoder"
	"jsoncsv/internal/metadata"
	"jsoncsv/internal/metrics"
	"jsoncsv/internal/pipeline"
	"jsoncsv/internal/quarantine"
	"jsoncsv/internal/schema"
	"jsoncsv/internal/transformer"
	"jsoncsv/internal/writer"
)

// Options carries run identity and command-line overrides that do not
// belong in the config file.
type Options struct {
	RunID string

	// Workers overrides the worker count when positive; env and config
	// are consulted otherwise.
	Workers int

	// ForceOffset starts a single worker at the given byte offset,
	// ignoring any checkpoint. The manual recovery path.
	ForceOffset int64
}

// Result is the aggregate outcome of a run, failed or not.
type Result struct {
	RunID    string
	Source   string
	Mode     decoder.Mode
	Workers  int
	Resumed  bool
	Counters *metadata.Counters
	Sampler  *metadata.ErrorSampler
	Manifest []writer.ChunkInfo
	Schemas  []metadata.WorkerSchema
}

// minRangeBytes floors the per-worker range size. Below this, worker
// startup and chunk churn cost more than the parallelism buys. Variable
// so tests can split small fixtures.
var minRangeBytes int64 = 1 << 20

// runtimeConfig resolves tuning knobs once per run: explicit flag wins,
// then the environment, then the config file.
type runtimeConfig struct {
	workers       int
	readAhead     int
	progressEvery int64
}

func newRuntimeConfig(cfg config.Conversion, opts Options) runtimeConfig {
	return runtimeConfig{
		workers:       pickInt(opts.Workers, pickInt(getenvInt("JSONCSV_WORKERS", 0), cfg.ParallelWorkers)),
		readAhead:     pickInt(getenvInt("JSONCSV_READAHEAD_BYTES", 0), int(cfg.ChunkSizeBytes)),
		progressEvery: int64(getenvInt("JSONCSV_PROGRESS_EVERY", 100000)),
	}
}

func getenvInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

// job pairs one worker's pipeline config with its reader.
type job struct {
	cfg pipeline.Config
	src io.Reader
}

// Run executes the conversion described by cfg. The returned Result is
// valid even when err is non-nil: it describes the partial progress that
// is durable on disk.
func Run(ctx context.Context, cfg config.Conversion, opts Options) (*Result, error) {
	rt := newRuntimeConfig(cfg, opts)
	start := time.Now()

	src, err := datasource.Open(ctx, cfg.Source.Path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if err := src.AdviseSequential(); err != nil {
		log.Printf("[scheduler] fadvise %s: %v", src.Path(), err)
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	mode, reader, err := resolveMode(cfg, src)
	if err != nil {
		return nil, err
	}
	size, sized := src.Size()

	workers := rt.workers
	switch {
	case workers > 1 && (!src.Seekable() || !sized):
		log.Printf("[scheduler] source %s is not seekable, dropping %d workers to 1", src.Path(), workers)
		workers = 1
	case workers > 1 && opts.ForceOffset > 0:
		log.Printf("[scheduler] force-offset runs a single worker")
		workers = 1
	}

	ckptPath := filepath.Join(cfg.Output.Dir, "checkpoint.json")
	var cp *checkpoint.Checkpoint
	if cfg.Resume && opts.ForceOffset <= 0 {
		cp, err = checkpoint.Load(ckptPath)
		if err != nil {
			return nil, err
		}
	}
	if cp != nil {
		if cp.Source != cfg.Source.Path {
			return nil, fmt.Errorf("checkpoint %s describes source %q, config names %q",
				ckptPath, cp.Source, cfg.Source.Path)
		}
		if cp.Mode != "" && cp.Mode != mode.String() {
			return nil, fmt.Errorf("checkpoint %s describes a %s source, this one resolved to %s",
				ckptPath, cp.Mode, mode)
		}
		// Chunks past the committed high-water mark never survived a
		// commit; their rows replay from the checkpoint offsets.
		if err := removeOrphans(cfg.Output.Dir, cfg.Output.Prefix, cp.LastChunk()); err != nil {
			return nil, err
		}
	}

	seq := writer.NewSequence(0)
	if cp != nil {
		seq = writer.NewSequence(cp.LastChunk())
	}
	store := checkpoint.NewStore(ckptPath, opts.RunID, cfg.Source.Path, mode.String())
	if cp != nil {
		store.Adopt(cp)
	}

	counters := &metadata.Counters{}
	sampler := metadata.NewErrorSampler(0)
	var sink *quarantine.Sink
	if cfg.ErrorPolicy == config.PolicyQuarantine {
		sink = quarantine.NewSink(filepath.Join(cfg.Output.Dir, cfg.Output.QuarantineFile))
	}

	base, err := basePipelineConfig(cfg, mode, rt, seq)
	if err != nil {
		return nil, err
	}

	jobs, err := buildJobs(src, reader, base, cp, workers, size, sized, opts.ForceOffset)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:    opts.RunID,
		Source:   cfg.Source.Path,
		Mode:     mode,
		Workers:  len(jobs),
		Resumed:  cp != nil,
		Counters: counters,
		Sampler:  sampler,
	}
	if len(jobs) == 0 {
		log.Printf("[scheduler] run=%s nothing to do, all workers already done", opts.RunID)
		return res, nil
	}
	log.Printf("[scheduler] run=%s source=%s mode=%s workers=%d resume=%v",
		opts.RunID, src.Path(), mode, len(jobs), cp != nil)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]pipeline.Result, len(jobs))
	for i, jb := range jobs {
		g.Go(func() error {
			t0 := time.Now()
			p := pipeline.New(jb.src, jb.cfg, store, counters, sampler, sink)
			r, err := p.Run(gctx)
			metrics.RecordStep("worker", err, time.Since(t0))
			results[i] = r
			if err != nil {
				log.Printf("[scheduler] worker=%d failed at offset=%d: %v", jb.cfg.Worker, r.Offset, err)
			}
			return err
		})
	}
	runErr := g.Wait()

	if sink != nil {
		if cerr := sink.Close(); cerr != nil && runErr == nil {
			runErr = cerr
		}
	}

	for i, r := range results {
		res.Manifest = append(res.Manifest, r.Chunks...)
		res.Schemas = append(res.Schemas, metadata.WorkerSchema{
			Worker:     r.Worker,
			RangeStart: jobs[i].cfg.RangeStart,
			RangeEnd:   jobs[i].cfg.RangeEnd,
			Final:      r.Snapshot,
			Events:     r.Events,
		})
	}
	logSummary(res, time.Since(start), runErr)
	return res, runErr
}

// basePipelineConfig translates the conversion config into the shared
// part of every worker's pipeline config.
func basePipelineConfig(cfg config.Conversion, mode decoder.Mode, rt runtimeConfig, seq *writer.Sequence) (pipeline.Config, error) {
	arrays, err := schema.ParseArrayMode(cfg.ArrayFlattenMode)
	if err != nil {
		return pipeline.Config{}, err
	}
	names, err := schema.ParseNameMode(cfg.ColumnNameMode)
	if err != nil {
		return pipeline.Config{}, err
	}
	rules := transformer.Rules{
		NullHandling: cfg.NullHandling,
		Include:      cfg.IncludeFields,
		Exclude:      cfg.ExcludeFields,
		Types:        cfg.FieldTypes,
		DateFields:   cfg.DateFields,
		DateFormat:   cfg.DateFormat,
		DateLayouts:  cfg.DateLayouts,
		Precision:    cfg.NumericPrecision,
	}
	if err := transformer.ValidateRules(rules); err != nil {
		return pipeline.Config{}, err
	}
	delim := ','
	if r := []rune(cfg.Delimiter); len(r) > 0 {
		delim = r[0]
	}
	return pipeline.Config{
		Mode:      mode,
		ReadAhead: rt.readAhead,
		Policy:    cfg.ErrorPolicy,
		Arrays:    arrays,
		Names:     names,
		Rules:     rules,
		Writer: writer.Config{
			Dir:       cfg.Output.Dir,
			Prefix:    cfg.Output.Prefix,
			Delimiter: delim,
			Limits: writer.Limits{
				Bytes:   cfg.OutputChunkSizeBytes,
				Rows:    cfg.OutputChunkRows,
				Seconds: cfg.OutputChunkSeconds,
			},
			Seq: seq,
		},
		CheckpointEvery: time.Duration(cfg.CheckpointSeconds) * time.Second,
		ProgressEvery:   rt.progressEvery,
	}, nil
}

// buildJobs decides who reads what. Resume replays the checkpoint's
// ranges; a fresh parallel run splits the source at record boundaries.
func buildJobs(src *datasource.Stream, reader io.Reader, base pipeline.Config, cp *checkpoint.Checkpoint, workers int, size int64, sized bool, forceOffset int64) ([]job, error) {
	mode := base.Mode
	ra, hasRA := src.ReaderAt()

	sectionTo := func(end int64) io.Reader {
		if !hasRA {
			return reader
		}
		if end <= 0 || end > size {
			end = size
		}
		return io.NewSectionReader(ra, 0, end)
	}

	if cp != nil {
		var jobs []job
		for _, ws := range cp.Workers {
			if ws.Done {
				log.Printf("[scheduler] worker=%d already done, skipping", ws.Worker)
				continue
			}
			j := base
			j.Worker = ws.Worker
			j.RangeStart = ws.RangeStart
			j.RangeEnd = ws.RangeEnd
			j.Resume = &ws
			j.AllowTruncated = mode == decoder.ModeArray && ws.RangeEnd > 0 && ws.RangeEnd < size
			jobs = append(jobs, job{cfg: j, src: sectionTo(ws.RangeEnd)})
		}
		return jobs, nil
	}

	if workers <= 1 {
		j := base
		j.Worker = 0
		j.ForceOffset = forceOffset
		if !sized {
			return []job{{cfg: j, src: reader}}, nil
		}
		return []job{{cfg: j, src: sectionTo(size)}}, nil
	}

	ranges, err := splitRanges(ra, size, workers, mode, minRangeBytes)
	if err != nil {
		return nil, err
	}
	if len(ranges) < workers {
		log.Printf("[scheduler] source supports %d aligned ranges, dropping %d workers to %d",
			len(ranges), workers, len(ranges))
	}
	jobs := make([]job, 0, len(ranges))
	for i, r := range ranges {
		j := base
		j.Worker = i
		j.RangeStart = r.start
		j.RangeEnd = r.end
		j.AllowTruncated = mode == decoder.ModeArray && r.end < size
		jobs = append(jobs, job{cfg: j, src: sectionTo(r.end)})
	}
	return jobs, nil
}

// resolveMode settles the record framing before any worker starts. The
// configured format wins; otherwise the first non-whitespace byte
// decides. For non-seekable input the sniffed bytes are stitched back in
// front of the returned reader.
func resolveMode(cfg config.Conversion, src *datasource.Stream) (decoder.Mode, io.Reader, error) {
	mode, err := decoder.ParseMode(cfg.Source.Format)
	if err != nil {
		return 0, nil, err
	}
	if mode != decoder.ModeAuto {
		return mode, src.Reader(), nil
	}
	if ra, ok := src.ReaderAt(); ok {
		c, err := firstByte(ra)
		if err != nil {
			return 0, nil, fmt.Errorf("detect format of %s: %w", src.Path(), err)
		}
		return modeFor(c), src.Reader(), nil
	}
	head, c, err := sniffHead(src.Reader())
	if err != nil {
		return 0, nil, fmt.Errorf("detect format of %s: %w", src.Path(), err)
	}
	return modeFor(c), io.MultiReader(bytes.NewReader(head), src.Reader()), nil
}

func modeFor(c byte) decoder.Mode {
	if c == '[' {
		return decoder.ModeArray
	}
	return decoder.ModeNDJSON
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// firstByte returns the first non-whitespace byte, or 0 for an empty or
// all-whitespace source.
func firstByte(ra io.ReaderAt) (byte, error) {
	buf := make([]byte, 4096)
	var off int64
	for {
		n, err := ra.ReadAt(buf, off)
		for _, c := range buf[:n] {
			if !isSpace(c) {
				return c, nil
			}
		}
		off += int64(n)
		if err == io.EOF {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// sniffHead reads a pipe until the first non-whitespace byte and returns
// everything consumed so it can be stitched back in front of the stream.
func sniffHead(r io.Reader) ([]byte, byte, error) {
	var head []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		head = append(head, buf[:n]...)
		for _, c := range buf[:n] {
			if !isSpace(c) {
				return head, c, nil
			}
		}
		if err == io.EOF {
			return head, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

type byteRange struct {
	start, end int64
}

// splitRanges cuts [0, size) into at most workers record-aligned ranges.
// NDJSON cuts advance to the byte after the next newline; array cuts
// land on element starts found by a structural scan. Cuts that collapse
// into each other on small or skewed input just produce fewer ranges.
func splitRanges(ra io.ReaderAt, size int64, workers int, mode decoder.Mode, minBlock int64) ([]byteRange, error) {
	if workers <= 1 || size <= minBlock {
		return []byteRange{{0, size}}, nil
	}
	if max := size / minBlock; int64(workers) > max {
		workers = int(max)
	}
	block := size / int64(workers)
	cuts := make([]int64, 0, workers-1)
	for i := 1; i < workers; i++ {
		cuts = append(cuts, block*int64(i))
	}

	var aligned []int64
	var err error
	switch mode {
	case decoder.ModeNDJSON:
		for _, c := range cuts {
			a, aerr := alignLine(ra, c, size)
			if aerr != nil {
				return nil, aerr
			}
			aligned = append(aligned, a)
		}
	case decoder.ModeArray:
		aligned, err = decoder.ScanArrayCuts(io.NewSectionReader(ra, 0, size), cuts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("split: mode %s is not splittable", mode)
	}

	var ranges []byteRange
	prev := int64(0)
	for _, a := range aligned {
		if a < 0 {
			break
		}
		if a <= prev || a >= size {
			continue
		}
		ranges = append(ranges, byteRange{prev, a})
		prev = a
	}
	ranges = append(ranges, byteRange{prev, size})
	return ranges, nil
}

// alignLine advances a cut to the byte after the next newline, or to
// size when the tail has none.
func alignLine(ra io.ReaderAt, off, size int64) (int64, error) {
	buf := make([]byte, 32<<10)
	for off < size {
		n, err := ra.ReadAt(buf, off)
		if n > 0 {
			if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
				return off + int64(i) + 1, nil
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("align cut at %d: %w", off, err)
		}
	}
	return size, nil
}

// removeOrphans deletes chunk files whose index was never committed.
// They are leftovers of a crash after the last checkpoint; keeping them
// would collide with the O_EXCL create when the sequence reissues their
// indexes.
func removeOrphans(dir, prefix string, lastCommitted int64) error {
	if prefix == "" {
		prefix = "chunk_"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan output dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		idx, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv"), 10, 64)
		if err != nil {
			continue
		}
		if idx > lastCommitted {
			log.Printf("[scheduler] removing uncommitted chunk %s", name)
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove orphan chunk: %w", err)
			}
		}
	}
	return nil
}

// logSummary prints the per-run accounting block. The row conservation
// check only holds for a clean, non-resumed run; a resumed run's chunk
// rows partly predate this process.
func logSummary(res *Result, dur time.Duration, runErr error) {
	c := res.Counters
	processed := c.Processed.Load()
	skipped := c.Skipped.Load()
	quarantined := c.Quarantined.Load()
	var rows, outBytes int64
	for _, ch := range res.Manifest {
		rows += ch.Rows
		outBytes += ch.Bytes
	}
	rate := float64(0)
	if s := dur.Seconds(); s > 0 {
		rate = float64(processed) / s
	}
	log.Printf("[scheduler] run=%s workers=%d processed=%d skipped=%d quarantined=%d chunks=%d rows=%d bytes=%d duration=%s rows_per_sec=%.0f",
		res.RunID, res.Workers, processed, skipped, quarantined,
		len(res.Manifest), rows, outBytes, dur.Truncate(time.Millisecond), rate)

	kinds := c.ErrorCounts()
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		log.Printf("[scheduler] errors kind=%s count=%d", k, kinds[k])
	}

	if runErr == nil && !res.Resumed && rows != processed {
		log.Printf("WARNING: row accounting mismatch: chunks hold %d rows, counters processed %d", rows, processed)
	}
}
