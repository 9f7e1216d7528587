package spectral

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

// Flag explains why a pixel was left unclassified.
type Flag uint8

const (
	FlagNone Flag = iota
	// FlagNoData marks pixels whose every band is the no-data value.
	FlagNoData
	// FlagInsufficientBands marks pixels with fewer valid bands than the
	// configured minimum, alone or against every reference.
	FlagInsufficientBands
	// FlagRejected marks pixels whose best score did not pass the threshold.
	FlagRejected
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagNoData:
		return "no_data"
	case FlagInsufficientBands:
		return "insufficient_bands"
	case FlagRejected:
		return "rejected"
	}
	return fmt.Sprintf("flag(%d)", uint8(f))
}

// Result is the classification of one pixel. Index is the library entry, or
// -1 when the pixel is unclassified. Score is the best distance found, NaN
// when nothing was compared.
type Result struct {
	Index int     `json:"index"`
	Label string  `json:"label,omitempty"`
	Score float64 `json:"score"`
	Flag  Flag    `json:"flag"`
}

// Classified reports whether the pixel matched a library entry.
func (r Result) Classified() bool { return r.Index >= 0 }

// Defaults for Options.
const (
	DefaultMinValidBands     = 2
	DefaultResampleTolerance = 5.0 // nm
	DefaultTieTolerance      = 1e-9
)

// Options configure an Engine.
type Options struct {
	Metric Metric

	// Threshold accepts a best match when its score is strictly below it.
	// Zero rejects everything; +Inf accepts every match.
	Threshold float64

	// MinValidBands is the fewest bands a pixel, and a pixel/reference pair,
	// must share to be compared.
	MinValidBands int

	// ResampleTolerance is how far (nm) an image band may lie outside a
	// reference's wavelength domain and still be compared against it.
	ResampleTolerance float64

	// TieTolerance is the score difference below which two references are
	// considered tied. Ties go to the earlier entry.
	TieTolerance float64
}

// DefaultOptions returns SAM with no threshold.
func DefaultOptions() Options {
	return Options{
		Metric:            SAM{},
		Threshold:         math.Inf(1),
		MinValidBands:     DefaultMinValidBands,
		ResampleTolerance: DefaultResampleTolerance,
		TieTolerance:      DefaultTieTolerance,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	switch {
	case o.Metric == nil:
		return fmt.Errorf("%w: no similarity metric", errs.ErrConfig)
	case math.IsNaN(o.Threshold) || o.Threshold < 0:
		return fmt.Errorf("%w: threshold %v must be non-negative", errs.ErrConfig, o.Threshold)
	case o.MinValidBands < 1:
		return fmt.Errorf("%w: min valid bands %d must be at least 1", errs.ErrConfig, o.MinValidBands)
	case o.ResampleTolerance < 0 || math.IsNaN(o.ResampleTolerance):
		return fmt.Errorf("%w: resample tolerance %v must be non-negative", errs.ErrConfig, o.ResampleTolerance)
	case o.TieTolerance < 0 || math.IsNaN(o.TieTolerance):
		return fmt.Errorf("%w: tie tolerance %v must be non-negative", errs.ErrConfig, o.TieTolerance)
	}
	return nil
}

// Engine matches pixel spectra against a library. It is safe for concurrent
// use and holds no mutable state after construction.
type Engine struct {
	lib   library.Library
	grid  []float64
	hdr   *raster.Header
	opts  Options
	log   *zap.Logger
	names []string

	// refs holds every signature resampled onto grid for in-memory
	// libraries. It is nil for streaming libraries, which resample per tile.
	refs [][]float64
}

// NewEngine prepares lib for matching pixels of the image described by img.
//
// NewEngine fails with errs.ErrConfig for invalid options and with
// errs.ErrIncompatibleLibrary when fewer than MinValidBands image bands fall
// inside the library's wavelength domain.
func NewEngine(ctx context.Context, lib library.Library, img *raster.Header, opts Options, log *zap.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := CheckCompatible(img.Wavelengths, lib, opts.ResampleTolerance, opts.MinValidBands); err != nil {
		return nil, err
	}
	e := &Engine{
		lib:   lib,
		grid:  img.Wavelengths,
		hdr:   img,
		opts:  opts,
		log:   log.Named("spectral"),
		names: make([]string, lib.Len()),
	}
	for i := range e.names {
		e.names[i] = lib.Name(i)
	}
	if lib.Mode() == library.InMemory {
		sigs, err := lib.Entries(ctx)
		if err != nil {
			return nil, err
		}
		e.refs = make([][]float64, len(sigs))
		for i, s := range sigs {
			e.refs[i] = Resample(s, e.grid, opts.ResampleTolerance)
		}
	}
	e.log.Debug("engine ready",
		zap.String("metric", opts.Metric.Name()),
		zap.Float64("threshold", opts.Threshold),
		zap.Int("entries", lib.Len()),
		zap.Int("bands", len(e.grid)),
		zap.Bool("streaming", e.refs == nil))
	return e, nil
}

// Options returns the engine's options.
func (e *Engine) Options() Options { return e.opts }

// Labels returns the library labels in entry order.
func (e *Engine) Labels() []string { return append([]string(nil), e.names...) }

// Classify matches a single pixel spectrum with one value per image band.
func (e *Engine) Classify(ctx context.Context, pixel []float64) (Result, error) {
	if len(pixel) != len(e.grid) {
		return Result{}, fmt.Errorf("%w: pixel has %d bands, image has %d", errs.ErrConfig, len(pixel), len(e.grid))
	}
	t := &raster.Tile{Region: raster.Region{Width: 1, Height: 1}, Bands: len(pixel), Data: pixel}
	rs, err := e.ClassifyTile(ctx, t)
	if err != nil {
		return Result{}, err
	}
	return rs[0], nil
}

// match tracks the best reference for one pixel.
type match struct {
	index    int
	score    float64
	compared bool
}

// offer replaces the current best only when score beats it by more than
// tie, so the earliest of tied references is kept.
func (m *match) offer(i int, score, tie float64) {
	if math.IsNaN(score) {
		return
	}
	if m.index < 0 || score < m.score-tie {
		m.index, m.score = i, score
	}
}

// ClassifyTile classifies every pixel of t, which must carry all image bands.
// Results are in pixel order.
//
// References are visited in library order for every pixel. Streaming
// libraries read and resample each signature once per tile; cancelling ctx
// stops between signatures with errs.ErrCancelled.
func (e *Engine) ClassifyTile(ctx context.Context, t *raster.Tile) ([]Result, error) {
	nb := len(e.grid)
	if t.Bands != nb {
		return nil, fmt.Errorf("%w: tile has %d bands, image has %d", errs.ErrConfig, t.Bands, nb)
	}
	n := t.Len()
	results := make([]Result, n)
	best := make([]match, n)
	valid := make([]bool, n*nb)
	active := make([]int, 0, n)

	for p := 0; p < n; p++ {
		best[p].index = -1
		px := t.Pixel(p)
		count := 0
		for b, v := range px {
			if !e.hdr.IsNoData(v) && !math.IsInf(v, 0) {
				valid[p*nb+b] = true
				count++
			}
		}
		switch {
		case count == 0:
			results[p] = Result{Index: -1, Score: math.NaN(), Flag: FlagNoData}
		case count < e.opts.MinValidBands:
			results[p] = Result{Index: -1, Score: math.NaN(), Flag: FlagInsufficientBands}
		default:
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return results, nil
	}

	xs := make([]float64, 0, nb)
	ys := make([]float64, 0, nb)
	for i := range e.names {
		ref, err := e.reference(ctx, i)
		if err != nil {
			return nil, err
		}
		for _, p := range active {
			px := t.Pixel(p)
			mask := valid[p*nb : (p+1)*nb]
			xs, ys = xs[:0], ys[:0]
			for b, ok := range mask {
				if ok && !math.IsNaN(ref[b]) {
					xs = append(xs, px[b])
					ys = append(ys, ref[b])
				}
			}
			if len(xs) < e.opts.MinValidBands {
				continue
			}
			best[p].compared = true
			best[p].offer(i, e.opts.Metric.Distance(xs, ys), e.opts.TieTolerance)
		}
	}

	for _, p := range active {
		m := best[p]
		switch {
		case !m.compared:
			results[p] = Result{Index: -1, Score: math.NaN(), Flag: FlagInsufficientBands}
		case m.index < 0:
			results[p] = Result{Index: -1, Score: math.NaN(), Flag: FlagRejected}
		case m.score < e.opts.Threshold:
			results[p] = Result{Index: m.index, Label: e.names[m.index], Score: m.score}
		default:
			results[p] = Result{Index: -1, Score: m.score, Flag: FlagRejected}
		}
	}
	return results, nil
}

func (e *Engine) reference(ctx context.Context, i int) ([]float64, error) {
	if e.refs != nil {
		return e.refs[i], nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	sig, err := e.lib.Signature(ctx, i)
	if err != nil {
		return nil, err
	}
	return Resample(sig, e.grid, e.opts.ResampleTolerance), nil
}
