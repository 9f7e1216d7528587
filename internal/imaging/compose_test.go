package imaging

import (
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

// createTestCube returns an in-memory cube whose band b holds b*100 + x + y
// at pixel (x, y).
func createTestCube(t *testing.T, samples, lines int, wavelengths []float64) *raster.Memory {
	t.Helper()
	h := &raster.Header{
		Samples:     samples,
		Lines:       lines,
		Bands:       len(wavelengths),
		DataType:    raster.Float32,
		Interleave:  raster.BIL,
		Wavelengths: wavelengths,
		HasNoData:   true,
		NoData:      -1,
	}
	data := make([]float64, samples*lines*len(wavelengths))
	for y := 0; y < lines; y++ {
		for x := 0; x < samples; x++ {
			for b := range wavelengths {
				data[(y*samples+x)*len(wavelengths)+b] = float64(b*100 + x + y)
			}
		}
	}
	m, err := raster.NewMemory(h, data)
	if err != nil {
		t.Fatalf("failed to create cube: %v", err)
	}
	return m
}

func percent(v float64) *float64 { return &v }

func newSink(t *testing.T, src raster.Source, bands [3]int) *raster.Memory {
	t.Helper()
	sink, err := raster.NewMemory(RGBHeader(src.Header(), bands), nil)
	require.NoError(t, err)
	return sink
}

func TestNearestBands(t *testing.T) {
	ws := []float64{400, 450, 475, 530, 560, 650, 690, 900}
	got, err := NearestBands(ws)
	require.NoError(t, err)
	assert.Equal(t, [3]int{6, 3, 2}, got)

	_, err = NearestBands(nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestCompose_MinMax(t *testing.T) {
	src := createTestCube(t, 6, 5, []float64{470, 530, 680})
	sink := newSink(t, src, [3]int{2, 1, 0})

	c, err := Compose(context.Background(), src, sink, ComposeOptions{TileSize: 4})
	require.NoError(t, err)

	assert.Equal(t, [3]int{2, 1, 0}, c.Bands)
	assert.Equal(t, []float64{680, 530, 470}, c.Wavelengths)
	assert.Equal(t, [2]float64{200, 209}, c.Ranges[0])
	assert.Equal(t, [2]float64{0, 9}, c.Ranges[2])

	assert.Equal(t, []float64{0, 0, 0}, sink.At(0, 0))
	assert.Equal(t, []float64{255, 255, 255}, sink.At(5, 4))
}

func TestCompose_Fixed(t *testing.T) {
	src := createTestCube(t, 4, 4, []float64{470, 530, 680})
	sink := newSink(t, src, [3]int{0, 1, 2})

	_, err := Compose(context.Background(), src, sink, ComposeOptions{
		Bands:   []int{0, 1, 2},
		Stretch: StretchFixed,
		Min:     0,
		Max:     100,
	})
	require.NoError(t, err)
	// band 0 at (2,2) is 4 -> round(255*4/100) = 10; bands 1 and 2 saturate.
	assert.Equal(t, []float64{10, 255, 255}, sink.At(2, 2))
}

func TestCompose_NoDataIsBlack(t *testing.T) {
	src := createTestCube(t, 3, 3, []float64{470, 530, 680})
	tile := raster.NewTile(raster.Region{X: 1, Y: 1, Width: 1, Height: 1}, 3)
	copy(tile.Data, []float64{-1, -1, -1})
	require.NoError(t, src.WriteTile(context.Background(), tile))
	sink := newSink(t, src, [3]int{2, 1, 0})

	_, err := Compose(context.Background(), src, sink, ComposeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, sink.At(1, 1))
}

func TestCompose_Percentile(t *testing.T) {
	src := createTestCube(t, 10, 10, []float64{470, 530, 680})
	sink := newSink(t, src, [3]int{2, 1, 0})

	c, err := Compose(context.Background(), src, sink, ComposeOptions{Stretch: StretchPercentile, Percentile: percent(10)})
	require.NoError(t, err)
	for b := range c.Ranges {
		lo, hi := c.Ranges[b][0], c.Ranges[b][1]
		assert.Greater(t, hi, lo)
		assert.Greater(t, lo, float64(c.Bands[b]*100), "low end is clipped above the band minimum")
		assert.Less(t, hi, float64(c.Bands[b]*100+18), "high end is clipped below the band maximum")
	}
	assert.Equal(t, []float64{255, 255, 255}, sink.At(9, 9), "values above the clip saturate")
}

func TestCompose_PercentileZeroClipsNothing(t *testing.T) {
	src := createTestCube(t, 10, 10, []float64{470, 530, 680})

	minmax, err := Compose(context.Background(), src, newSink(t, src, [3]int{2, 1, 0}), ComposeOptions{})
	require.NoError(t, err)
	c, err := Compose(context.Background(), src, newSink(t, src, [3]int{2, 1, 0}), ComposeOptions{Stretch: StretchPercentile, Percentile: percent(0)})
	require.NoError(t, err)
	assert.Equal(t, minmax.Ranges, c.Ranges)

	def, err := Compose(context.Background(), src, newSink(t, src, [3]int{2, 1, 0}), ComposeOptions{Stretch: StretchPercentile})
	require.NoError(t, err)
	assert.Greater(t, def.Ranges[0][0], minmax.Ranges[0][0], "unset percentile clips the default")
}

func TestCompose_PercentileStrided(t *testing.T) {
	src := createTestCube(t, 20, 20, []float64{470, 530, 680})
	sink := newSink(t, src, [3]int{2, 1, 0})
	_, err := Compose(context.Background(), src, sink, ComposeOptions{Stretch: StretchPercentile, MaxSamples: 37})
	require.NoError(t, err)
}

func TestCompose_Errors(t *testing.T) {
	src := createTestCube(t, 4, 4, []float64{470, 530, 680})
	tests := []struct {
		name string
		opts ComposeOptions
		want error
	}{
		{"band out of range", ComposeOptions{Bands: []int{0, 1, 7}}, errs.ErrConfig},
		{"negative band", ComposeOptions{Bands: []int{-1, 1, 2}}, errs.ErrConfig},
		{"two bands", ComposeOptions{Bands: []int{0, 1}}, errs.ErrConfig},
		{"fixed without range", ComposeOptions{Stretch: StretchFixed}, errs.ErrConfig},
		{"bad percentile", ComposeOptions{Stretch: StretchPercentile, Percentile: percent(60)}, errs.ErrConfig},
		{"unknown stretch", ComposeOptions{Stretch: "log"}, errs.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newSink(t, src, [3]int{0, 1, 2})
			_, err := Compose(context.Background(), src, sink, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Errorf("Compose() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompose_NoWavelengthsNeedsBands(t *testing.T) {
	src := createTestCube(t, 2, 2, []float64{470, 530, 680})
	src.Header().Wavelengths = nil
	sink := newSink(t, src, [3]int{0, 1, 2})
	_, err := Compose(context.Background(), src, sink, ComposeOptions{})
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = Compose(context.Background(), src, sink, ComposeOptions{Bands: []int{2, 1, 0}})
	assert.NoError(t, err)
}

func TestCompose_Cancelled(t *testing.T) {
	src := createTestCube(t, 4, 4, []float64{470, 530, 680})
	sink := newSink(t, src, [3]int{0, 1, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compose(ctx, src, sink, ComposeOptions{Stretch: StretchFixed, Max: 1})
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestCompose_ToFileWithPreview(t *testing.T) {
	dir := t.TempDir()
	src := createTestCube(t, 40, 30, []float64{470, 530, 680})
	bands, err := NearestBands(src.Header().Wavelengths)
	require.NoError(t, err)

	out, err := raster.Create(filepath.Join(dir, "rgb.hdr"), RGBHeader(src.Header(), bands))
	require.NoError(t, err)
	_, err = Compose(context.Background(), src, out, ComposeOptions{TileSize: 16})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	rgb, err := raster.Open(filepath.Join(dir, "rgb.hdr"))
	require.NoError(t, err)
	defer rgb.Close()
	assert.Equal(t, raster.Byte, rgb.Header().DataType)
	assert.Equal(t, []string{"Red", "Green", "Blue"}, rgb.Header().BandNames)

	pngPath := filepath.Join(dir, "rgb.png")
	require.NoError(t, RGBPreview(context.Background(), rgb, pngPath, PreviewOptions{MaxSize: 20, Gamma: 1.2}))

	f, err := os.Open(pngPath)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 15, img.Bounds().Dy())
}

func TestParseStretch(t *testing.T) {
	s, err := ParseStretch("")
	require.NoError(t, err)
	assert.Equal(t, StretchMinMax, s)
	s, err = ParseStretch("Percentile")
	require.NoError(t, err)
	assert.Equal(t, StretchPercentile, s)
	_, err = ParseStretch("hist")
	assert.ErrorIs(t, err, errs.ErrConfig)
}
