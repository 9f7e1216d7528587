package spectral

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

func abcLibrary(t *testing.T) *library.Memory {
	t.Helper()
	lib, err := library.New("abc", []library.Signature{
		{Name: "A", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.1, 0.2}},
		{Name: "B", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.9, 0.8}},
		{Name: "C", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.5, 0.5}},
	})
	require.NoError(t, err)
	return lib
}

func imageHeader(wavelengths ...float64) *raster.Header {
	return &raster.Header{
		Samples:     1,
		Lines:       1,
		Bands:       len(wavelengths),
		DataType:    raster.Float32,
		Interleave:  raster.BSQ,
		Wavelengths: wavelengths,
		HasNoData:   true,
		NoData:      -9999,
	}
}

func newEngine(t *testing.T, lib library.Library, hdr *raster.Header, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), lib, hdr, opts, nil)
	require.NoError(t, err)
	return e
}

func TestClassify_NearestSignature(t *testing.T) {
	for _, m := range []Metric{Euclidean{}, SAM{}, SID{}} {
		t.Run(m.Name(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Metric = m
			e := newEngine(t, abcLibrary(t), imageHeader(500, 600), opts)

			res, err := e.Classify(context.Background(), []float64{0.88, 0.79})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Index)
			assert.Equal(t, "B", res.Label)
			assert.Equal(t, FlagNone, res.Flag)
			assert.True(t, res.Classified())
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	e := newEngine(t, abcLibrary(t), imageHeader(500, 600), DefaultOptions())
	px := []float64{0.3, 0.35}
	first, err := e.Classify(context.Background(), px)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := e.Classify(context.Background(), px)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestClassify_TieGoesToEarlierEntry(t *testing.T) {
	// Both references sit at the same distance from the pixel.
	lib, err := library.New("tie", []library.Signature{
		{Name: "low", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.4, 0.4}},
		{Name: "high", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.6, 0.6}},
	})
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Metric = Euclidean{}
	e := newEngine(t, lib, imageHeader(500, 600), opts)

	res, err := e.Classify(context.Background(), []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, "low", res.Label)

	// Reversed load order flips the winner.
	rev, err := library.New("tie", []library.Signature{
		{Name: "high", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.6, 0.6}},
		{Name: "low", Wavelengths: []float64{500, 600}, Reflectance: []float64{0.4, 0.4}},
	})
	require.NoError(t, err)
	e = newEngine(t, rev, imageHeader(500, 600), opts)
	res, err = e.Classify(context.Background(), []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, "high", res.Label)
}

func TestClassify_NoData(t *testing.T) {
	e := newEngine(t, abcLibrary(t), imageHeader(500, 600), DefaultOptions())

	tests := []struct {
		name  string
		pixel []float64
		flag  Flag
	}{
		{"sentinel", []float64{-9999, -9999}, FlagNoData},
		{"nan", []float64{math.NaN(), math.NaN()}, FlagNoData},
		{"one band left", []float64{-9999, 0.5}, FlagInsufficientBands},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Classify(context.Background(), tt.pixel)
			require.NoError(t, err)
			assert.Equal(t, -1, res.Index)
			assert.Equal(t, tt.flag, res.Flag)
			assert.True(t, math.IsNaN(res.Score))
		})
	}
}

// countingLibrary records signature reads to prove the no-data short circuit.
type countingLibrary struct {
	library.Library
	reads int
}

func (c *countingLibrary) Mode() library.Mode { return library.Streaming }

func (c *countingLibrary) Signature(ctx context.Context, i int) (*library.Signature, error) {
	c.reads++
	return c.Library.Signature(ctx, i)
}

func TestClassifyTile_NoDataSkipsLibrary(t *testing.T) {
	lib := &countingLibrary{Library: abcLibrary(t)}
	e := newEngine(t, lib, imageHeader(500, 600), DefaultOptions())

	tile := raster.NewTile(raster.Region{Width: 2, Height: 1}, 2)
	copy(tile.Data, []float64{-9999, -9999, math.NaN(), -9999})
	rs, err := e.ClassifyTile(context.Background(), tile)
	require.NoError(t, err)
	assert.Equal(t, FlagNoData, rs[0].Flag)
	assert.Equal(t, FlagNoData, rs[1].Flag)
	assert.Zero(t, lib.reads)
}

func TestClassify_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		wantIndex int
		wantFlag  Flag
	}{
		{"reject all", 0, -1, FlagRejected},
		{"tight", 1e-6, -1, FlagRejected},
		{"loose", 0.5, 1, FlagNone},
		{"unset", math.Inf(1), 1, FlagNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Metric = Euclidean{}
			opts.Threshold = tt.threshold
			e := newEngine(t, abcLibrary(t), imageHeader(500, 600), opts)
			res, err := e.Classify(context.Background(), []float64{0.88, 0.79})
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndex, res.Index)
			assert.Equal(t, tt.wantFlag, res.Flag)
			assert.False(t, math.IsNaN(res.Score), "rejected pixels keep their best score")
		})
	}
}

func TestClassify_ExactMatchScoresZero(t *testing.T) {
	opts := DefaultOptions()
	opts.Metric = Euclidean{}
	opts.Threshold = 0
	e := newEngine(t, abcLibrary(t), imageHeader(500, 600), opts)
	res, err := e.Classify(context.Background(), []float64{0.9, 0.8})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, FlagRejected, res.Flag, "threshold 0 rejects even a perfect match")
}

func TestClassify_ResamplesAndMasks(t *testing.T) {
	lib, err := library.New("partial", []library.Signature{
		{Name: "visible", Wavelengths: []float64{400, 700}, Reflectance: []float64{0.2, 0.8}},
		{Name: "swir", Wavelengths: []float64{2000, 2400}, Reflectance: []float64{0.5, 0.5}},
	})
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Metric = Euclidean{}
	e := newEngine(t, lib, imageHeader(450, 550, 650, 2200), opts)

	// 450/550/650 interpolate to 0.3/0.5/0.7; the swir band is masked for
	// "visible" and the visible bands for "swir".
	res, err := e.Classify(context.Background(), []float64{0.3, 0.5, 0.7, 0.1})
	require.NoError(t, err)
	assert.Equal(t, "visible", res.Label)
	assert.InDelta(t, 0, res.Score, 1e-12)
}

func TestClassify_NoComparableReference(t *testing.T) {
	lib, err := library.New("split", []library.Signature{
		{Name: "lo", Wavelengths: []float64{400, 500}, Reflectance: []float64{0.2, 0.3}},
		{Name: "hi", Wavelengths: []float64{900, 1000}, Reflectance: []float64{0.2, 0.3}},
	})
	require.NoError(t, err)
	e := newEngine(t, lib, imageHeader(400, 500, 900, 1000), DefaultOptions())

	// Only one valid band per reference domain.
	res, err := e.Classify(context.Background(), []float64{0.2, -9999, 0.2, -9999})
	require.NoError(t, err)
	assert.Equal(t, FlagInsufficientBands, res.Flag)
}

func TestNewEngine_Incompatible(t *testing.T) {
	_, err := NewEngine(context.Background(), abcLibrary(t), imageHeader(1500, 1600, 1700), DefaultOptions(), nil)
	assert.ErrorIs(t, err, errs.ErrIncompatibleLibrary)

	_, err = NewEngine(context.Background(), abcLibrary(t), imageHeader(), DefaultOptions(), nil)
	assert.ErrorIs(t, err, errs.ErrIncompatibleLibrary)

	// Within tolerance of the library edge.
	opts := DefaultOptions()
	opts.ResampleTolerance = 10
	_, err = NewEngine(context.Background(), abcLibrary(t), imageHeader(595, 608), opts, nil)
	assert.NoError(t, err)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"nil metric", func(o *Options) { o.Metric = nil }},
		{"negative threshold", func(o *Options) { o.Threshold = -1 }},
		{"nan threshold", func(o *Options) { o.Threshold = math.NaN() }},
		{"zero min bands", func(o *Options) { o.MinValidBands = 0 }},
		{"negative tolerance", func(o *Options) { o.ResampleTolerance = -1 }},
		{"negative tie", func(o *Options) { o.TieTolerance = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.modify(&o)
			assert.ErrorIs(t, o.Validate(), errs.ErrConfig)
		})
	}
	assert.NoError(t, DefaultOptions().Validate())
}

func TestClassifyTile_StreamingMatchesInMemory(t *testing.T) {
	ctx := context.Background()
	sigs := []library.Signature{
		{Name: "A", Wavelengths: []float64{400, 500, 600, 700}, Reflectance: []float64{0.1, 0.2, 0.3, 0.4}},
		{Name: "B", Wavelengths: []float64{450, 550, 650}, Reflectance: []float64{0.7, 0.6, 0.5}},
		{Name: "C", Wavelengths: []float64{400, 700}, Reflectance: []float64{0.3, 0.3}},
	}
	mem, err := library.New("lib", sigs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lib.sli")
	require.NoError(t, library.Save(ctx, path, mem))
	stream, err := library.Load(ctx, path, library.Streaming)
	require.NoError(t, err)
	defer stream.Close()

	hdr := imageHeader(420, 480, 540, 600, 660)
	tile := raster.NewTile(raster.Region{Width: 4, Height: 4}, 5)
	for i := range tile.Data {
		tile.Data[i] = math.Mod(float64(i)*0.137, 1)
	}
	tile.Data[0] = -9999

	for _, m := range []Metric{SAM{}, Euclidean{}, SID{}} {
		opts := DefaultOptions()
		opts.Metric = m
		want, err := newEngine(t, mem, hdr, opts).ClassifyTile(ctx, tile)
		require.NoError(t, err)
		got, err := newEngine(t, stream, hdr, opts).ClassifyTile(ctx, tile)
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Index, got[i].Index, "%s pixel %d", m.Name(), i)
			assert.Equal(t, want[i].Flag, got[i].Flag, "%s pixel %d", m.Name(), i)
		}
	}
}

func TestClassifyTile_StreamingCancelled(t *testing.T) {
	lib := &countingLibrary{Library: abcLibrary(t)}
	e := newEngine(t, lib, imageHeader(500, 600), DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tile := raster.NewTile(raster.Region{Width: 1, Height: 1}, 2)
	copy(tile.Data, []float64{0.5, 0.5})
	_, err := e.ClassifyTile(ctx, tile)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestClassify_WrongBandCount(t *testing.T) {
	e := newEngine(t, abcLibrary(t), imageHeader(500, 600), DefaultOptions())
	_, err := e.Classify(context.Background(), []float64{1, 2, 3})
	assert.ErrorIs(t, err, errs.ErrConfig)
}
