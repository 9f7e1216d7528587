package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ironsheep/mineral-classify/internal/checkpoint"
	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/raster"
	"github.com/ironsheep/mineral-classify/internal/spectral"
)

const noData = -9999

var abc = []library.Signature{
	{Name: "A", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.1, 0.2}},
	{Name: "B", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.9, 0.8}},
	{Name: "C", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.5, 0.5}},
}

func abcLibrary(t *testing.T) *library.Memory {
	t.Helper()
	lib, err := library.New("abc", abc)
	require.NoError(t, err)
	return lib
}

func sceneHeader(samples, lines int) *raster.Header {
	return &raster.Header{
		Samples:     samples,
		Lines:       lines,
		Bands:       2,
		DataType:    raster.Float32,
		Interleave:  raster.BIL,
		Wavelengths: []float64{500, 600},
		HasNoData:   true,
		NoData:      noData,
	}
}

// expectedLabel is the label createScene paints at (x, y).
func expectedLabel(x, y int) float64 {
	if x == 0 && y == 0 {
		return 0
	}
	return float64((x+y)%3 + 1)
}

// createScene returns a cube whose pixel (x, y) is library entry (x+y)%3,
// except (0, 0) which is no data.
func createScene(t *testing.T, samples, lines int) *raster.Memory {
	t.Helper()
	data := make([]float64, 0, samples*lines*2)
	for y := 0; y < lines; y++ {
		for x := 0; x < samples; x++ {
			if x == 0 && y == 0 {
				data = append(data, noData, noData)
				continue
			}
			data = append(data, abc[(x+y)%3].Reflectance...)
		}
	}
	m, err := raster.NewMemory(sceneHeader(samples, lines), data)
	require.NoError(t, err)
	return m
}

func labelSink(t *testing.T, samples, lines int) *raster.Memory {
	t.Helper()
	m, err := raster.NewMemory(&raster.Header{Samples: samples, Lines: lines, Bands: 1, DataType: raster.Uint16, Interleave: raster.BSQ}, nil)
	require.NoError(t, err)
	return m
}

func openLedger(t *testing.T, path string) *checkpoint.Ledger {
	t.Helper()
	l, err := checkpoint.Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func euclidean() spectral.Options {
	o := spectral.DefaultOptions()
	o.Metric = spectral.Euclidean{}
	return o
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	onTile func(TileCompleted)
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if tc, ok := e.(TileCompleted); ok && r.onTile != nil {
		r.onTile(tc)
	}
}

func (r *recorder) started() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if ts, ok := e.(TileStarted); ok {
			out = append(out, ts.Index)
		}
	}
	sort.Ints(out)
	return out
}

func (r *recorder) completed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if tc, ok := e.(TileCompleted); ok {
			out = append(out, tc.Index)
		}
	}
	sort.Ints(out)
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func TestRun_ClassifiesEveryTile(t *testing.T) {
	src := createScene(t, 10, 10)
	labels := labelSink(t, 10, 10)
	scores := labelSink(t, 10, 10)
	scores.Header().DataType = raster.Float32
	rec := &recorder{}

	p, err := New(src, abcLibrary(t), labels, scores, nil, Options{
		Engine:   euclidean(),
		TileSize: 4,
		Workers:  3,
		Log:      zaptest.NewLogger(t),
		Observer: rec,
	})
	require.NoError(t, err)
	assert.Equal(t, Idle, p.State())

	res := p.Run(context.Background())
	require.NoError(t, res.Failure())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, Completed, p.State())
	assert.Equal(t, 9, res.TileCount)
	assert.Equal(t, 9, res.Processed)
	assert.Equal(t, 9, res.Cursor)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, rec.started())

	assert.Equal(t, TileStats{Classified: 99, NoData: 1}, res.Stats)
	assert.Equal(t, 100, res.Stats.Pixels())
	assert.Equal(t, 33+33+33, res.Histogram["A"]+res.Histogram["B"]+res.Histogram["C"])

	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			assert.Equal(t, expectedLabel(x, y), labels.At(x, y)[0], "label at (%d,%d)", x, y)
		}
	}
	assert.Equal(t, ScoreNoData, scores.At(0, 0)[0])
	assert.Equal(t, 0.0, scores.At(3, 3)[0])

	done, ok := rec.last().(RunCompleted)
	require.True(t, ok, "last event is RunCompleted, got %T", rec.last())
	assert.Equal(t, 9, done.TileCount)
}

func TestRun_TileSizes(t *testing.T) {
	src := createScene(t, 10, 10)
	var mu sync.Mutex
	var sizes []raster.Region
	obs := ObserverFunc(func(e Event) {
		if tc, ok := e.(TileCompleted); ok {
			mu.Lock()
			sizes = append(sizes, tc.Region)
			mu.Unlock()
		}
	})
	p, err := New(src, abcLibrary(t), labelSink(t, 10, 10), nil, nil, Options{Engine: euclidean(), TileSize: 4, Workers: 1, Observer: obs})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()).Failure())

	require.Len(t, sizes, 9)
	pixels := 0
	for _, r := range sizes {
		assert.Contains(t, []int{4, 2}, r.Width)
		assert.Contains(t, []int{4, 2}, r.Height)
		pixels += r.Pixels()
	}
	assert.Equal(t, 100, pixels, "tiles are never padded")
}

func TestRun_ResumeAfterInterruption(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "ledger.db")
	lib := abcLibrary(t)
	src := createScene(t, 10, 10)
	labels := labelSink(t, 10, 10)
	opts := Options{Engine: euclidean(), TileSize: 4, Workers: 1, Resume: true, Fingerprint: "scene-abc", Log: zaptest.NewLogger(t)}

	// First attempt: cancel once five tiles are done.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &recorder{}
	n := 0
	first.onTile = func(TileCompleted) {
		if n++; n == 5 {
			cancel()
		}
	}
	opts.Observer = first
	p, err := New(src, lib, labels, nil, openLedger(t, ledgerPath), opts)
	require.NoError(t, err)
	res := p.Run(ctx)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, errs.KindCancelled, res.Kind)
	assert.Equal(t, Cancelled, p.State())
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.Cursor)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, first.started())
	_, failed := first.last().(RunFailed)
	assert.True(t, failed)

	// Second attempt resumes from tile 5.
	second := &recorder{}
	opts.Observer = second
	p, err = New(src, lib, labels, nil, openLedger(t, ledgerPath), opts)
	require.NoError(t, err)
	res2 := p.Run(context.Background())
	require.NoError(t, res2.Failure())
	assert.Equal(t, res.RunID, res2.RunID)
	assert.Equal(t, 5, res2.Skipped)
	assert.Equal(t, 4, res2.Processed)
	assert.Equal(t, []int{5, 6, 7, 8}, second.started())
	assert.Equal(t, TileStats{Classified: 99, NoData: 1}, res2.Stats, "stats include resumed tiles")

	// Same output as an uninterrupted run.
	fresh := labelSink(t, 10, 10)
	p, err = New(src, lib, fresh, nil, nil, Options{Engine: euclidean(), TileSize: 4, Workers: 4})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()).Failure())
	if diff := cmp.Diff(fresh.Data(), labels.Data()); diff != "" {
		t.Errorf("resumed output differs (-fresh +resumed):\n%s", diff)
	}

	l := openLedger(t, ledgerPath)
	run, err := l.Run(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, run.Status)
	assert.Equal(t, 9, run.Cursor)
	assert.Equal(t, 1, run.Resumes)
}

// durableSink records, at each Sync, how many tiles had been written and how
// many the ledger already held.
type durableSink struct {
	*raster.Memory
	ledger  *checkpoint.Ledger
	syncErr error

	mu     sync.Mutex
	writes int
	atSync [][2]int
}

func (s *durableSink) WriteTile(ctx context.Context, t *raster.Tile) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.Memory.WriteTile(ctx, t)
}

func (s *durableSink) Sync() error {
	if s.syncErr != nil {
		return s.syncErr
	}
	recorded := 0
	runs, err := s.ledger.Runs(1)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		tiles, err := s.ledger.Tiles(runs[0].ID)
		if err != nil {
			return err
		}
		recorded = len(tiles)
	}
	s.mu.Lock()
	s.atSync = append(s.atSync, [2]int{s.writes, recorded})
	s.mu.Unlock()
	return nil
}

func TestRun_SyncsBeforeRecordingTile(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	labels := &durableSink{Memory: labelSink(t, 8, 8), ledger: l}
	p, err := New(createScene(t, 8, 8), abcLibrary(t), labels, nil, l, Options{Engine: euclidean(), TileSize: 4, Workers: 1})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()).Failure())

	// Tile k is written and synced while the ledger still holds k-1 tiles.
	want := [][2]int{{1, 0}, {2, 1}, {3, 2}, {4, 3}}
	if diff := cmp.Diff(want, labels.atSync); diff != "" {
		t.Errorf("sync order mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_SyncFailureLeavesTileUnrecorded(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	labels := &durableSink{Memory: labelSink(t, 8, 8), ledger: l, syncErr: fmt.Errorf("%w: disk gone", errs.ErrIO)}
	p, err := New(createScene(t, 8, 8), abcLibrary(t), labels, nil, l, Options{Engine: euclidean(), TileSize: 4, Workers: 1})
	require.NoError(t, err)

	res := p.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errs.KindIO, res.Kind)
	assert.Equal(t, 0, res.TileIndex)

	tiles, err := l.Tiles(res.RunID)
	require.NoError(t, err)
	assert.Empty(t, tiles)
}

func TestRun_CancelWithParallelWorkers(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "ledger.db")
	lib := abcLibrary(t)
	src := createScene(t, 10, 10)
	labels := labelSink(t, 10, 10)
	opts := Options{Engine: euclidean(), TileSize: 4, Workers: 4, Resume: true, Fingerprint: "parallel", Log: zaptest.NewLogger(t)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	rec.onTile = func(TileCompleted) { cancel() }
	opts.Observer = rec
	l := openLedger(t, ledgerPath)
	p, err := New(src, lib, labels, nil, l, opts)
	require.NoError(t, err)

	res := p.Run(ctx)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, Cancelled, p.State())

	// Every tile that started finished and was recorded; dispatch stopped.
	started := rec.started()
	assert.Equal(t, started, rec.completed())
	assert.Less(t, len(started), 9)
	assert.Equal(t, len(started), res.Processed)
	tiles, err := l.Tiles(res.RunID)
	require.NoError(t, err)
	var recorded []int
	for _, tr := range tiles {
		recorded = append(recorded, tr.Index)
	}
	assert.Equal(t, started, recorded)

	// Resuming finishes the remaining tiles with the same output as an
	// uninterrupted run.
	resumed := &recorder{}
	opts.Observer = resumed
	p, err = New(src, lib, labels, nil, openLedger(t, ledgerPath), opts)
	require.NoError(t, err)
	res2 := p.Run(context.Background())
	require.NoError(t, res2.Failure())
	assert.Equal(t, len(started), res2.Skipped)
	assert.Equal(t, 9-len(started), res2.Processed)

	fresh := labelSink(t, 10, 10)
	p, err = New(src, lib, fresh, nil, nil, Options{Engine: euclidean(), TileSize: 4, Workers: 1})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()).Failure())
	if diff := cmp.Diff(fresh.Data(), labels.Data()); diff != "" {
		t.Errorf("resumed output differs (-fresh +resumed):\n%s", diff)
	}
}

func TestRun_WithoutResumeStartsOver(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "ledger.db")
	opts := Options{Engine: euclidean(), TileSize: 5, Workers: 2, Fingerprint: "fp"}
	for i := 0; i < 2; i++ {
		rec := &recorder{}
		opts.Observer = rec
		p, err := New(createScene(t, 10, 10), abcLibrary(t), labelSink(t, 10, 10), nil, openLedger(t, ledgerPath), opts)
		require.NoError(t, err)
		res := p.Run(context.Background())
		require.NoError(t, res.Failure())
		assert.Equal(t, 0, res.Skipped)
		assert.Equal(t, []int{0, 1, 2, 3}, rec.started())
	}
	runs, err := openLedger(t, ledgerPath).Runs(10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	p, err := New(createScene(t, 8, 8), abcLibrary(t), labelSink(t, 8, 8), nil, l, Options{Engine: euclidean(), TileSize: 4, Observer: rec})
	require.NoError(t, err)

	res := p.Run(ctx)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.True(t, errors.Is(res.Err, errs.ErrCancelled))
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, rec.started())

	run, err := l.Run(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCancelled, run.Status)
}

func TestRun_IncompatibleLibrary(t *testing.T) {
	lib, err := library.New("swir", []library.Signature{
		{Name: "kaolinite", Wavelengths: []float64{2000, 2200, 2400}, Reflectance: []float64{0.5, 0.4, 0.6}},
	})
	require.NoError(t, err)
	rec := &recorder{}
	p, err := New(createScene(t, 4, 4), lib, labelSink(t, 4, 4), nil, nil, Options{Engine: euclidean(), TileSize: 2, Observer: rec})
	require.NoError(t, err)

	res := p.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errs.KindIncompatibleLibrary, res.Kind)
	assert.Equal(t, -1, res.TileIndex)
	assert.Equal(t, Failed, p.State())
	assert.Empty(t, rec.started(), "no tile runs after a setup failure")
}

func TestRun_ThresholdZeroRejectsAll(t *testing.T) {
	labels := labelSink(t, 10, 10)
	opts := euclidean()
	opts.Threshold = 0
	p, err := New(createScene(t, 10, 10), abcLibrary(t), labels, nil, nil, Options{Engine: opts, TileSize: 4, Workers: 2})
	require.NoError(t, err)

	res := p.Run(context.Background())
	require.NoError(t, res.Failure())
	assert.Equal(t, TileStats{Unclassified: 99, NoData: 1}, res.Stats)
	for _, v := range labels.Data() {
		require.Equal(t, 0.0, v)
	}
	assert.Empty(t, res.Histogram)
}

// failingSink fails writes to one tile.
type failingSink struct {
	*raster.Memory
	failAt raster.Region
}

func (s *failingSink) WriteTile(ctx context.Context, t *raster.Tile) error {
	if t.Region == s.failAt {
		return fmt.Errorf("%w: disk full", errs.ErrIO)
	}
	return s.Memory.WriteTile(ctx, t)
}

func TestRun_TileFailure(t *testing.T) {
	sink := &failingSink{Memory: labelSink(t, 10, 10), failAt: raster.Region{X: 0, Y: 4, Width: 4, Height: 4}}
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	rec := &recorder{}
	p, err := New(createScene(t, 10, 10), abcLibrary(t), sink, nil, l, Options{Engine: euclidean(), TileSize: 4, Workers: 1, Observer: rec})
	require.NoError(t, err)

	res := p.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errs.KindIO, res.Kind)
	assert.Equal(t, 3, res.TileIndex)
	assert.Equal(t, 3, res.Cursor)
	assert.Equal(t, []int{0, 1, 2, 3}, rec.started(), "dispatch stops after a failure")

	ev, ok := rec.last().(RunFailed)
	require.True(t, ok)
	assert.Equal(t, 3, ev.TileIndex)

	run, err := l.Run(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, run.Status)
	require.NotNil(t, run.FailedTile)
	assert.Equal(t, 3, *run.FailedTile)
	assert.Equal(t, string(errs.KindIO), run.ErrorKind)
}

func TestRun_OnlyOnce(t *testing.T) {
	p, err := New(createScene(t, 2, 2), abcLibrary(t), labelSink(t, 2, 2), nil, nil, Options{Engine: euclidean(), TileSize: 2})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()).Failure())
	res := p.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errs.KindConfig, res.Kind)
}

func TestRun_SinkMismatch(t *testing.T) {
	p, err := New(createScene(t, 4, 4), abcLibrary(t), labelSink(t, 4, 3), nil, nil, Options{Engine: euclidean(), TileSize: 2})
	require.NoError(t, err)
	res := p.Run(context.Background())
	assert.Equal(t, errs.KindConfig, res.Kind)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, abcLibrary(t), labelSink(t, 2, 2), nil, nil, Options{TileSize: 2})
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = New(createScene(t, 2, 2), abcLibrary(t), labelSink(t, 2, 2), nil, nil, Options{})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestCursor(t *testing.T) {
	c := newCursor(5)
	assert.Equal(t, 0, c.mark(2))
	assert.Equal(t, 1, c.peek(0))
	assert.Equal(t, 1, c.mark(0))
	assert.Equal(t, 3, c.peek(1))
	assert.Equal(t, 3, c.mark(1))
	assert.Equal(t, 3, c.mark(1), "marking twice is harmless")
	assert.Equal(t, 3, c.mark(4))
	assert.Equal(t, 5, c.mark(3))
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Loading: "loading", Running: "running", Completed: "completed", Failed: "failed", Cancelled: "cancelled"} {
		assert.Equal(t, want, s.String())
	}
}
