package guider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/telescope-ops/donutsbridge/internal/donuts"
	"github.com/telescope-ops/donutsbridge/internal/events"
	"github.com/telescope-ops/donutsbridge/internal/fitshdr"
	"github.com/telescope-ops/donutsbridge/internal/guide"
	"github.com/telescope-ops/donutsbridge/internal/store"
)

// RefStore is the slice of the reference store the worker needs.
type RefStore interface {
	Lookup(ctx context.Context, key store.RefKey) (string, bool, error)
	Insert(ctx context.Context, key store.RefKey, path string) error
}

// LogSink receives correction records without blocking.
type LogSink interface {
	Append(rec *guide.Record) bool
}

// ShiftAnalyzer measures offsets of frames against one reference.
type ShiftAnalyzer interface {
	MeasureShift(targetPath string) (dx, dy float64, err error)
	ReferencePath() string
}

// AnalyzerFactory builds a ShiftAnalyzer for a reference frame, with an
// optional pixel mask already binned and sliced to the frame's geometry.
type AnalyzerFactory func(refPath string, mask [][]bool) (ShiftAnalyzer, error)

// Result is what the worker hands back for one frame.
type Result struct {
	Correction guide.Correction
	Record     *guide.Record
	Err        error
}

// frameJob is the single-slot hand-off from the event loop.
type frameJob struct {
	path   string
	flip   FlipStatus
	tables guide.Tables
}

// Worker is the image-analysis thread. It owns the correction pipeline, the
// reference lifecycle and the last-key cache; the event loop owns the
// socket. Frames arrive through a condition-protected single slot and
// results leave through a size-1 channel the producer must drain before
// signalling again.
type Worker struct {
	pipeline    *guide.Pipeline
	refs        RefStore
	sink        LogSink
	log         *events.EventLogger
	keys        fitshdr.Keywords
	refRoot     string
	newAnalyzer AnalyzerFactory
	fullMask    [][]bool

	mu      sync.Mutex
	cond    *sync.Cond
	latest  *frameJob
	stopped bool

	results chan Result

	analyzer ShiftAnalyzer
	lastKey  *store.RefKey
}

// WorkerConfig wires a Worker's collaborators.
type WorkerConfig struct {
	Pipeline    *guide.Pipeline
	Refs        RefStore
	Sink        LogSink
	Log         *events.EventLogger
	Keys        fitshdr.Keywords
	RefRoot     string
	NewAnalyzer AnalyzerFactory
	FullMask    [][]bool
}

// NewWorker builds a Worker; call Run on its own goroutine.
func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		pipeline:    cfg.Pipeline,
		refs:        cfg.Refs,
		sink:        cfg.Sink,
		log:         cfg.Log,
		keys:        cfg.Keys,
		refRoot:     cfg.RefRoot,
		newAnalyzer: cfg.NewAnalyzer,
		fullMask:    cfg.FullMask,
		results:     make(chan Result, 1),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Results returns the size-1 rendezvous channel. The producer must read the
// previous result before submitting a new frame.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Submit hands the latest frame to the worker and wakes it.
func (w *Worker) Submit(path string, flip FlipStatus, tables guide.Tables) {
	w.mu.Lock()
	w.latest = &frameJob{path: path, flip: flip, tables: tables}
	w.mu.Unlock()
	w.cond.Signal()
}

// Run processes frames until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		w.cond.Broadcast()
	}()

	for {
		w.mu.Lock()
		for w.latest == nil && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		job := *w.latest
		w.latest = nil
		w.mu.Unlock()

		w.results <- w.process(ctx, job)
	}
}

// process runs one frame through header extraction, reference resolution and
// the correction pipeline.
func (w *Worker) process(ctx context.Context, job frameJob) Result {
	frame, err := fitshdr.Read(job.path, w.keys)
	if err != nil {
		return Result{Err: fmt.Errorf("read frame header: %w", err)}
	}

	key := store.RefKey{
		Field:      frame.Field,
		Filter:     frame.Filter,
		XBin:       frame.XBin,
		YBin:       frame.YBin,
		XSize:      frame.XSize,
		YSize:      frame.YSize,
		XOrigin:    frame.XOrigin,
		YOrigin:    frame.YOrigin,
		FlipStatus: int(job.flip),
	}

	w.pipeline.SetTables(job.tables)

	if w.analyzer == nil || w.lastKey == nil || key != *w.lastKey {
		doCorrection, err := w.resolveReference(ctx, job.path, key, frame)
		if err != nil {
			return Result{Err: err}
		}
		w.lastKey = &key
		if !doCorrection {
			// The frame itself just became the reference; measuring its
			// shift against itself is pointless.
			return Result{Correction: w.pipeline.NullCorrection()}
		}
	}

	dx, dy, err := w.analyzer.MeasureShift(job.path)
	if err != nil {
		return Result{Err: fmt.Errorf("measure shift: %w", err)}
	}

	corr, rec, err := w.pipeline.Process(w.analyzer.ReferencePath(), job.path,
		dx, dy, frame.DecDeg, frame.XBin, frame.YBin)
	if err != nil {
		return Result{Err: err}
	}
	w.sink.Append(rec)
	return Result{Correction: corr, Record: rec}
}

// resolveReference resets the per-configuration state and either adopts the
// stored reference for key or promotes the current frame. Returns whether a
// correction should be computed for this frame.
func (w *Worker) resolveReference(ctx context.Context, framePath string, key store.RefKey, frame *fitshdr.Frame) (bool, error) {
	w.pipeline.Reset()

	refPath, found, err := w.refs.Lookup(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reference lookup: %w", err)
	}

	doCorrection := found
	if !found {
		longTerm := filepath.Join(w.refRoot, filepath.Base(framePath))
		if err := copyFileAtomic(framePath, longTerm); err != nil {
			return false, fmt.Errorf("promote reference: %w", err)
		}
		if err := w.refs.Insert(ctx, key, longTerm); err != nil {
			return false, fmt.Errorf("register reference: %w", err)
		}
		w.log.LogReferencePromoted(key.Field, key.Filter, longTerm)
		refPath = longTerm
	}

	var mask [][]bool
	if w.fullMask != nil {
		binned := donuts.BinMask(w.fullMask, frame.XBin, frame.YBin)
		mask, err = donuts.SliceMask(binned, frame.XOrigin, frame.YOrigin, frame.XSize, frame.YSize)
		if err != nil {
			return false, fmt.Errorf("slice pixel mask: %w", err)
		}
	}

	analyzer, err := w.newAnalyzer(refPath, mask)
	if err != nil {
		return false, fmt.Errorf("build shift analyzer: %w", err)
	}
	w.analyzer = analyzer
	return doCorrection, nil
}

// copyFileAtomic copies src into place via a staging file so a crash never
// leaves a half-written reference behind.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ref-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
