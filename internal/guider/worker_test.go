package guider

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/telescope-ops/donutsbridge/internal/events"
	"github.com/telescope-ops/donutsbridge/internal/fitshdr"
	"github.com/telescope-ops/donutsbridge/internal/guide"
	"github.com/telescope-ops/donutsbridge/internal/store"
)

type memRefStore struct {
	mu      sync.Mutex
	records map[store.RefKey]string
	lookups int
	inserts int
}

func newMemRefStore() *memRefStore {
	return &memRefStore{records: make(map[store.RefKey]string)}
}

func (m *memRefStore) Lookup(ctx context.Context, key store.RefKey) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	path, ok := m.records[key]
	return path, ok, nil
}

func (m *memRefStore) Insert(ctx context.Context, key store.RefKey, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	m.records[key] = path
	return nil
}

type memSink struct {
	mu      sync.Mutex
	records []*guide.Record
}

func (m *memSink) Append(rec *guide.Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return true
}

// fakeAnalyzer returns a scripted shift instead of correlating pixels.
type fakeAnalyzer struct {
	ref    string
	dx, dy float64
}

func (f *fakeAnalyzer) MeasureShift(string) (float64, float64, error) { return f.dx, f.dy, nil }
func (f *fakeAnalyzer) ReferencePath() string                         { return f.ref }

func writeKeyedFrame(t *testing.T, path, field, filter string) {
	t.Helper()
	w, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		t.Fatalf("fitsio create: %v", err)
	}
	defer f.Close()

	img := fitsio.NewImage(16, []int{8, 8})
	defer img.Close()
	err = img.Header().Append(
		fitsio.Card{Name: "OBJECT", Value: field},
		fitsio.Card{Name: "FILTER", Value: filter},
		fitsio.Card{Name: "RA", Value: "10 00 00.00"},
		fitsio.Card{Name: "DEC", Value: "20 00 00.00"},
		fitsio.Card{Name: "XBINNING", Value: 1},
		fitsio.Card{Name: "YBINNING", Value: 1},
		fitsio.Card{Name: "XORGSUBF", Value: 0},
		fitsio.Card{Name: "YORGSUBF", Value: 0},
	)
	if err != nil {
		t.Fatalf("append cards: %v", err)
	}
	data := make([]int16, 64)
	if err := img.Write(&data); err != nil {
		t.Fatalf("write pixels: %v", err)
	}
	if err := f.Write(img); err != nil {
		t.Fatalf("write hdu: %v", err)
	}
}

func testWorkerKeys() fitshdr.Keywords {
	return fitshdr.Keywords{
		Filter: "FILTER", Field: "OBJECT", RA: "RA", Dec: "DEC",
		XBin: "XBINNING", YBin: "YBINNING",
		XSize: "NAXIS1", YSize: "NAXIS2",
		XOrigin: "XORGSUBF", YOrigin: "YORGSUBF",
	}
}

func startTestWorker(t *testing.T, refs *memRefStore, sink *memSink, shift *fakeAnalyzer) (*Worker, string) {
	t.Helper()
	refRoot := t.TempDir()

	pipeline := guide.NewPipeline(guide.Config{
		MaxErrorPixels:    20,
		BufferLength:      10,
		BufferSigma:       5,
		ImagesToStabilise: 10,
		RAAxis:            "x",
		PX:                1, PY: 1,
	}, guide.Tables{
		PixelsToTime:    map[string]float64{"+x": 100, "-x": 100, "+y": 100, "-y": 100},
		GuideDirections: map[string]int{"+x": 0, "-x": 1, "+y": 2, "-y": 3},
	})

	w := NewWorker(WorkerConfig{
		Pipeline: pipeline,
		Refs:     refs,
		Sink:     sink,
		Log:      events.Noop(),
		Keys:     testWorkerKeys(),
		RefRoot:  refRoot,
		NewAnalyzer: func(refPath string, mask [][]bool) (ShiftAnalyzer, error) {
			shift.ref = refPath
			return shift, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w, refRoot
}

func awaitResult(t *testing.T, w *Worker) Result {
	t.Helper()
	select {
	case res := <-w.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("worker produced no result")
		return Result{}
	}
}

func forkTables() guide.Tables {
	return guide.Tables{
		PixelsToTime:    map[string]float64{"+x": 100, "-x": 100, "+y": 100, "-y": 100},
		GuideDirections: map[string]int{"+x": 0, "-x": 1, "+y": 2, "-y": 3},
	}
}

func TestWorkerPromotesFirstFrame(t *testing.T) {
	refs := newMemRefStore()
	sink := &memSink{}
	analyzer := &fakeAnalyzer{dx: 1, dy: 1}
	w, refRoot := startTestWorker(t, refs, sink, analyzer)

	dir := t.TempDir()
	frame := filepath.Join(dir, "frame_0001.fit")
	writeKeyedFrame(t, frame, "field-a", "R")

	w.Submit(frame, FlipFork, forkTables())
	res := awaitResult(t, w)
	if res.Err != nil {
		t.Fatalf("worker error: %v", res.Err)
	}
	if !res.Correction.IsNull() {
		t.Fatalf("promotion frame produced correction %+v", res.Correction)
	}
	if refs.inserts != 1 || refs.lookups != 1 {
		t.Fatalf("inserts=%d lookups=%d, want 1/1", refs.inserts, refs.lookups)
	}
	if _, err := os.Stat(filepath.Join(refRoot, "frame_0001.fit")); err != nil {
		t.Fatalf("promoted copy missing: %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("promotion frame logged %d records", len(sink.records))
	}
}

func TestWorkerSameKeyMeasuresShift(t *testing.T) {
	refs := newMemRefStore()
	sink := &memSink{}
	analyzer := &fakeAnalyzer{dx: 1.2, dy: -0.8}
	w, _ := startTestWorker(t, refs, sink, analyzer)

	dir := t.TempDir()
	frame1 := filepath.Join(dir, "frame_0001.fit")
	frame2 := filepath.Join(dir, "frame_0002.fit")
	writeKeyedFrame(t, frame1, "field-a", "R")
	writeKeyedFrame(t, frame2, "field-a", "R")

	w.Submit(frame1, FlipFork, forkTables())
	awaitResult(t, w)

	w.Submit(frame2, FlipFork, forkTables())
	res := awaitResult(t, w)
	if res.Err != nil {
		t.Fatalf("worker error: %v", res.Err)
	}
	if res.Correction.IsNull() {
		t.Fatal("shifted frame produced null correction")
	}
	// 1.2 px shift in +x corrects along "-x"; dec 20 on the RA axis scales
	// the duration up by 1/cos(dec).
	if res.Correction.DirX != 1 {
		t.Errorf("x direction = %d, want 1", res.Correction.DirX)
	}
	wantDur := 1.2 * 100 / math.Cos(20*math.Pi/180)
	if math.Abs(res.Correction.DurX-wantDur) > 1e-6 {
		t.Errorf("x duration = %v, want %v", res.Correction.DurX, wantDur)
	}
	if refs.lookups != 1 {
		t.Errorf("second frame re-resolved the reference (lookups=%d)", refs.lookups)
	}
	if len(sink.records) != 1 {
		t.Errorf("correction records = %d, want 1", len(sink.records))
	}
}

func TestWorkerKeyChangeReresolves(t *testing.T) {
	refs := newMemRefStore()
	sink := &memSink{}
	analyzer := &fakeAnalyzer{dx: 1, dy: 1}
	w, _ := startTestWorker(t, refs, sink, analyzer)

	dir := t.TempDir()
	frame1 := filepath.Join(dir, "frame_0001.fit")
	frame2 := filepath.Join(dir, "frame_0002.fit")
	writeKeyedFrame(t, frame1, "field-a", "R")
	writeKeyedFrame(t, frame2, "field-a", "I") // filter change

	w.Submit(frame1, FlipFork, forkTables())
	awaitResult(t, w)

	w.Submit(frame2, FlipFork, forkTables())
	res := awaitResult(t, w)
	if res.Err != nil {
		t.Fatalf("worker error: %v", res.Err)
	}
	if !res.Correction.IsNull() {
		t.Fatal("new key's first frame was not promoted")
	}
	if refs.inserts != 2 || refs.lookups != 2 {
		t.Fatalf("inserts=%d lookups=%d, want 2/2", refs.inserts, refs.lookups)
	}
}

func TestWorkerFlipChangeIsKeyChange(t *testing.T) {
	refs := newMemRefStore()
	sink := &memSink{}
	analyzer := &fakeAnalyzer{dx: 1, dy: 1}
	w, _ := startTestWorker(t, refs, sink, analyzer)

	dir := t.TempDir()
	frame1 := filepath.Join(dir, "frame_0001.fit")
	frame2 := filepath.Join(dir, "frame_0002.fit")
	writeKeyedFrame(t, frame1, "field-a", "R")
	writeKeyedFrame(t, frame2, "field-a", "R")

	w.Submit(frame1, FlipBefore, forkTables())
	awaitResult(t, w)

	// Same header, different pier side: the reference must re-resolve.
	w.Submit(frame2, FlipAfter, forkTables())
	res := awaitResult(t, w)
	if res.Err != nil {
		t.Fatalf("worker error: %v", res.Err)
	}
	if !res.Correction.IsNull() {
		t.Fatal("flipped frame was not treated as a key change")
	}
	if refs.inserts != 2 {
		t.Fatalf("inserts = %d, want 2", refs.inserts)
	}
}
