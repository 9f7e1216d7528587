package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/mineral-classify/internal/checkpoint"
	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/raster"
	"github.com/ironsheep/mineral-classify/internal/spectral"
)

// State is the lifecycle state of a Pipeline.
type State int32

const (
	Idle State = iota
	Loading
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted Status = checkpoint.StatusCompleted
	StatusFailed    Status = checkpoint.StatusFailed
	StatusCancelled Status = checkpoint.StatusCancelled
)

// ScoreNoData is written to the score raster for pixels without a score.
const ScoreNoData = -1.0

// Options configure a Pipeline.
type Options struct {
	Engine   spectral.Options
	TileSize int
	Workers  int

	// Resume skips tiles the ledger records as complete for a run with the
	// same Fingerprint.
	Resume      bool
	Fingerprint string

	// ImagePath and LibraryPath label the run in the ledger.
	ImagePath   string
	LibraryPath string

	Log      *zap.Logger
	Observer Observer
}

// Pipeline classifies a raster tile by tile.
//
// A Pipeline runs once. Its collaborators are owned by the caller and are
// not closed by Run.
type Pipeline struct {
	src    raster.Source
	lib    library.Library
	labels raster.Sink
	scores raster.Sink
	ledger *checkpoint.Ledger
	opts   Options
	log    *zap.Logger
	state  atomic.Int32

	emitMu sync.Mutex
}

// New prepares a pipeline. scores and ledger may be nil; without a ledger
// the run cannot be resumed.
func New(src raster.Source, lib library.Library, labels, scores raster.Sink, ledger *checkpoint.Ledger, opts Options) (*Pipeline, error) {
	if src == nil || lib == nil || labels == nil {
		return nil, fmt.Errorf("%w: pipeline needs a source, a library and a label sink", errs.ErrConfig)
	}
	if opts.TileSize <= 0 {
		return nil, fmt.Errorf("%w: tile size %d must be positive", errs.ErrConfig, opts.TileSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFunc(func(Event) {})
	}
	return &Pipeline{
		src:    src,
		lib:    lib,
		labels: labels,
		scores: scores,
		ledger: ledger,
		opts:   opts,
		log:    opts.Log.Named("pipeline"),
	}, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.log.Debug("state", zap.Stringer("state", s))
}

// emit delivers events one at a time.
func (p *Pipeline) emit(e Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.opts.Observer.Observe(e)
}

// Run classifies every tile not already recorded as complete.
//
// Configuration, format and library compatibility problems are reported
// before any tile is processed. Cancelling ctx stops dispatching tiles;
// tiles already started finish and are recorded, and the run ends
// Cancelled and resumable. A tile failure stops dispatch the same way and
// ends the run Failed with the failing tile's index.
func (p *Pipeline) Run(ctx context.Context) *Result {
	start := time.Now()
	res := &Result{TileIndex: -1}
	if !p.state.CompareAndSwap(int32(Idle), int32(Loading)) {
		res.fail(fmt.Errorf("%w: pipeline already ran", errs.ErrConfig), -1)
		return res
	}

	eng, tiles, run, done, err := p.prepare(ctx)
	if err != nil {
		return p.finish(res, run, nil, err, -1, start)
	}
	res.RunID = run.id()
	res.TileCount = len(tiles)
	res.Labels = eng.Labels()

	acc := newTally(len(eng.Labels()))
	cur := newCursor(len(tiles))
	for _, rec := range done {
		acc.add(rec.Histogram, statsOf(rec))
		cur.mark(rec.Index)
		res.Skipped++
	}
	if res.Skipped > 0 {
		p.log.Info("skipping completed tiles", zap.Int("skipped", res.Skipped), zap.Int("cursor", cur.value()))
	}

	p.setState(Running)
	p.log.Info("classifying",
		zap.Int("tiles", len(tiles)),
		zap.Int("workers", p.opts.Workers),
		zap.Int("entries", p.lib.Len()),
		zap.String("metric", p.opts.Engine.Metric.Name()))

	var (
		g          errgroup.Group
		stop       atomic.Bool
		failMu     sync.Mutex
		failErr    error
		failedTile = -1
		processed  atomic.Int64
	)
	g.SetLimit(p.opts.Workers)
	// Tiles that start always finish, even after cancellation.
	work := context.WithoutCancel(ctx)

	for i, r := range tiles {
		if _, ok := done[i]; ok {
			continue
		}
		if stop.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stop.Load() || ctx.Err() != nil {
				return nil
			}
			if err := p.runTile(work, eng, run, i, r, cur, acc); err != nil {
				failMu.Lock()
				if failErr == nil {
					failErr, failedTile = err, i
				}
				failMu.Unlock()
				stop.Store(true)
				return err
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Processed = int(processed.Load())
	res.Cursor = cur.value()
	res.Stats, res.Histogram = acc.totals(eng.Labels())
	switch {
	case failErr != nil:
		return p.finish(res, run, cur, failErr, failedTile, start)
	case cur.value() < len(tiles):
		// Dispatch stopped early without a tile failure: cancelled.
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return p.finish(res, run, cur, fmt.Errorf("%w: %v", errs.ErrCancelled, cause), -1, start)
	}
	return p.finish(res, run, cur, nil, -1, start)
}

// prepare validates everything that can fail before tiles run.
func (p *Pipeline) prepare(ctx context.Context) (*spectral.Engine, []raster.Region, *ledgerRun, map[int]checkpoint.TileRecord, error) {
	hdr := p.src.Header()
	eng, err := spectral.NewEngine(ctx, p.lib, hdr, p.opts.Engine, p.opts.Log)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := checkSink("label", p.labels, hdr); err != nil {
		return nil, nil, nil, nil, err
	}
	if p.scores != nil {
		if err := checkSink("score", p.scores, hdr); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	tiles := raster.Tiles(hdr.Samples, hdr.Lines, p.opts.TileSize)

	run := &ledgerRun{ledger: p.ledger}
	done := map[int]checkpoint.TileRecord{}
	if p.ledger == nil {
		return eng, tiles, run, done, nil
	}
	fp := p.opts.Fingerprint
	if fp == "" {
		if fp, err = p.fingerprint(hdr); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	r, err := p.ledger.StartRun(checkpoint.RunSpec{
		Fingerprint: fp,
		ImagePath:   p.opts.ImagePath,
		LibraryPath: p.opts.LibraryPath,
		TileCount:   len(tiles),
	}, p.opts.Resume)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	run.run = r
	recs, err := p.ledger.Tiles(r.ID)
	if err != nil {
		return nil, nil, run, nil, err
	}
	for _, rec := range recs {
		if rec.Index >= 0 && rec.Index < len(tiles) && rec.Region == tiles[rec.Index] {
			done[rec.Index] = rec
		}
	}
	return eng, tiles, run, done, nil
}

// fingerprint identifies the run by its inputs and matching settings when
// the caller supplies none.
func (p *Pipeline) fingerprint(hdr *raster.Header) (string, error) {
	o := p.opts.Engine
	return checkpoint.Fingerprint(struct {
		Image        string
		Library      string
		Samples      int
		Lines        int
		Bands        int
		Entries      []string
		Metric       string
		Threshold    string
		MinBands     int
		Tolerance    float64
		TieTolerance float64
		TileSize     int
	}{
		p.opts.ImagePath, p.opts.LibraryPath,
		hdr.Samples, hdr.Lines, hdr.Bands,
		entryNames(p.lib),
		o.Metric.Name(), strconv.FormatFloat(o.Threshold, 'g', -1, 64),
		o.MinValidBands, o.ResampleTolerance, o.TieTolerance,
		p.opts.TileSize,
	})
}

func entryNames(lib library.Library) []string {
	out := make([]string, lib.Len())
	for i := range out {
		out[i] = lib.Name(i)
	}
	return out
}

func checkSink(what string, s raster.Sink, src *raster.Header) error {
	h := s.Header()
	if h.Samples != src.Samples || h.Lines != src.Lines || h.Bands != 1 {
		return fmt.Errorf("%w: %s raster is %dx%dx%d, want %dx%dx1",
			errs.ErrConfig, what, h.Samples, h.Lines, h.Bands, src.Samples, src.Lines)
	}
	return nil
}

// runTile classifies one tile and records it.
func (p *Pipeline) runTile(ctx context.Context, eng *spectral.Engine, run *ledgerRun, i int, r raster.Region, cur *cursor, acc *tally) error {
	p.emit(TileStarted{Index: i, Region: r})
	t0 := time.Now()

	in, err := p.src.ReadTile(ctx, r)
	if err != nil {
		return err
	}
	results, err := eng.ClassifyTile(ctx, in)
	if err != nil {
		return err
	}

	labels := raster.NewTile(r, 1)
	var scores *raster.Tile
	if p.scores != nil {
		scores = raster.NewTile(r, 1)
	}
	var stats TileStats
	hist := map[int]int{}
	for k, res := range results {
		switch {
		case res.Classified():
			labels.Data[k] = float64(res.Index + 1)
			stats.Classified++
			hist[res.Index]++
		case res.Flag == spectral.FlagNoData:
			stats.NoData++
		case res.Flag == spectral.FlagInsufficientBands:
			stats.Insufficient++
		default:
			stats.Unclassified++
		}
		if scores != nil {
			scores.Data[k] = res.Score
			if math.IsNaN(res.Score) || math.IsInf(res.Score, 0) {
				scores.Data[k] = ScoreNoData
			}
		}
	}

	if err := p.labels.WriteTile(ctx, labels); err != nil {
		return err
	}
	if scores != nil {
		if err := p.scores.WriteTile(ctx, scores); err != nil {
			return err
		}
	}

	// The ledger must never hold a tile whose samples could still be lost.
	if err := syncSinks(p.labels, p.scores); err != nil {
		return err
	}

	elapsed := time.Since(t0)
	rec := checkpoint.TileRecord{
		Index:        i,
		Region:       r,
		Classified:   stats.Classified,
		Unclassified: stats.Unclassified,
		NoData:       stats.NoData,
		Insufficient: stats.Insufficient,
		Elapsed:      elapsed,
		Histogram:    hist,
	}
	// The cursor only counts a tile once the ledger has it.
	if err := run.complete(rec, cur.peek(i)); err != nil {
		return err
	}
	cur.mark(i)
	acc.add(hist, stats)
	p.emit(TileCompleted{Index: i, Region: r, Elapsed: elapsed, Stats: stats})
	return nil
}

// syncSinks flushes every sink that buffers writes.
func syncSinks(sinks ...raster.Sink) error {
	for _, s := range sinks {
		if sy, ok := s.(raster.Syncer); ok {
			if err := sy.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish records the terminal state and emits the closing event.
func (p *Pipeline) finish(res *Result, run *ledgerRun, cur *cursor, err error, tile int, start time.Time) *Result {
	res.Elapsed = time.Since(start)
	if cur != nil {
		res.Cursor = cur.value()
	}
	var state State
	switch {
	case err == nil:
		state = Completed
		res.Status = StatusCompleted
	case errs.KindOf(err) == errs.KindCancelled:
		state = Cancelled
		res.Status = StatusCancelled
		res.Err, res.Kind, res.Message = err, errs.KindCancelled, err.Error()
	default:
		state = Failed
		res.fail(err, tile)
	}

	if run != nil && run.run != nil {
		o := checkpoint.Outcome{
			Status:     string(res.Status),
			ErrorKind:  string(res.Kind),
			Message:    res.Message,
			FailedTile: res.TileIndex,
			Cursor:     res.Cursor,
		}
		if ferr := run.ledger.FinishRun(run.run.ID, o); ferr != nil {
			p.log.Error("failed to record run outcome", zap.Error(ferr))
			if err == nil {
				state = Failed
				res.fail(ferr, -1)
			}
		}
	}

	p.setState(state)
	switch state {
	case Completed:
		p.emit(RunCompleted{RunID: res.RunID, TileCount: res.TileCount, Skipped: res.Skipped, Elapsed: res.Elapsed, Stats: res.Stats})
	default:
		p.emit(RunFailed{RunID: res.RunID, Reason: res.Err, Kind: res.Kind, TileIndex: res.TileIndex, Cursor: res.Cursor})
	}
	return res
}

// ledgerRun wraps the ledger run so a pipeline without a ledger records
// nothing.
type ledgerRun struct {
	ledger *checkpoint.Ledger
	run    *checkpoint.Run
}

func (r *ledgerRun) id() string {
	if r == nil || r.run == nil {
		return ""
	}
	return r.run.ID
}

func (r *ledgerRun) complete(rec checkpoint.TileRecord, cursor int) error {
	if r.run == nil {
		return nil
	}
	return r.ledger.CompleteTile(r.run.ID, rec, cursor)
}

// cursor is the lowest tile index below which every tile is complete.
type cursor struct {
	mu   sync.Mutex
	done []bool
	next int
}

func newCursor(n int) *cursor {
	return &cursor{done: make([]bool, n)}
}

// mark records tile i as complete and returns the new cursor.
func (c *cursor) mark(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[i] = true
	for c.next < len(c.done) && c.done[c.next] {
		c.next++
	}
	return c.next
}

// peek returns the cursor as it would be once tile i is complete.
func (c *cursor) peek(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.next
	for next < len(c.done) && (c.done[next] || next == i) {
		next++
	}
	return next
}

func (c *cursor) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// tally sums tile statistics and per-entry pixel counts.
type tally struct {
	mu     sync.Mutex
	stats  TileStats
	counts []int
}

func newTally(entries int) *tally {
	return &tally{counts: make([]int, entries)}
}

func (t *tally) add(hist map[int]int, s TileStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Add(s)
	for i, n := range hist {
		if i >= 0 && i < len(t.counts) {
			t.counts[i] += n
		}
	}
}

// totals returns the summed stats and the pixel count per matched label.
func (t *tally) totals(labels []string) (TileStats, map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hist := make(map[string]int)
	for i, n := range t.counts {
		if n > 0 {
			hist[labels[i]] = n
		}
	}
	return t.stats, hist
}

func statsOf(r checkpoint.TileRecord) TileStats {
	return TileStats{
		Classified:   r.Classified,
		Unclassified: r.Unclassified,
		NoData:       r.NoData,
		Insufficient: r.Insufficient,
	}
}

// Result is the outcome of a run.
type Result struct {
	RunID  string `json:"run_id,omitempty"`
	Status Status `json:"status"`

	// Err is the failure or cancellation cause. Kind is its most specific
	// error kind and TileIndex the tile being processed, or -1.
	Err       error     `json:"-"`
	Kind      errs.Kind `json:"error_kind,omitempty"`
	Message   string    `json:"error,omitempty"`
	TileIndex int       `json:"tile_index"`

	TileCount int `json:"tile_count"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Cursor    int `json:"cursor"`

	Stats     TileStats      `json:"stats"`
	Labels    []string       `json:"-"`
	Histogram map[string]int `json:"histogram,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
}

func (r *Result) fail(err error, tile int) {
	r.Status = StatusFailed
	r.Err = err
	r.Kind = errs.KindOf(err)
	r.Message = err.Error()
	r.TileIndex = tile
}

// Failure returns the run's error, or nil for completed runs.
func (r *Result) Failure() error {
	if r.Status == StatusCompleted {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New(string(r.Status))
}
