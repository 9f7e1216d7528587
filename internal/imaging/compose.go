package imaging

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

// Centre wavelengths, in nanometres, used to pick bands for a true-colour
// composite when none are given.
const (
	RedNM   = 680.0
	GreenNM = 532.5
	BlueNM  = 472.5
)

// Stretch selects how band values are mapped onto 0-255.
type Stretch string

const (
	// StretchFixed maps a caller-supplied [Min, Max] range for every band.
	StretchFixed Stretch = "fixed"
	// StretchMinMax maps each band's own valid minimum and maximum.
	StretchMinMax Stretch = "minmax"
	// StretchPercentile maps each band's lower and upper percentiles,
	// clipping outliers.
	StretchPercentile Stretch = "percentile"
)

// ParseStretch parses a stretch name. The empty string selects minmax.
func ParseStretch(s string) (Stretch, error) {
	switch Stretch(strings.ToLower(strings.TrimSpace(s))) {
	case "", StretchMinMax:
		return StretchMinMax, nil
	case StretchFixed:
		return StretchFixed, nil
	case StretchPercentile, "percent":
		return StretchPercentile, nil
	}
	return "", fmt.Errorf("%w: unknown stretch %q (want fixed, minmax or percentile)", errs.ErrConfig, s)
}

// DefaultPercentile is the percent clipped from each tail by the percentile
// stretch when none is given.
const DefaultPercentile = 2.0

// ComposeOptions configure Compose.
type ComposeOptions struct {
	// Bands are the 0-based red, green and blue bands. Empty selects the
	// bands nearest RedNM, GreenNM and BlueNM.
	Bands []int

	Stretch Stretch

	// Min and Max are the input range for StretchFixed.
	Min, Max float64

	// Percentile is clipped from each tail for StretchPercentile, in
	// percent. Nil means DefaultPercentile; zero clips nothing.
	Percentile *float64

	// TileSize is the edge of the square tiles read and written. Zero
	// means 512.
	TileSize int

	// MaxSamples bounds the pixels sampled per band for percentiles. Zero
	// means one million.
	MaxSamples int

	Log *zap.Logger
}

// Composite describes a written RGB raster.
type Composite struct {
	// Bands are the source bands used for red, green and blue.
	Bands [3]int `json:"bands"`

	// Wavelengths are the centre wavelengths of Bands, when known.
	Wavelengths []float64 `json:"wavelengths_nm,omitempty"`

	// Ranges are the [low, high] input values mapped to 0 and 255.
	Ranges [3][2]float64 `json:"ranges"`

	Stretch Stretch `json:"stretch"`
}

// NearestBands returns the indices of the bands whose wavelengths are
// closest to RedNM, GreenNM and BlueNM.
//
// Returns errs.ErrConfig when the raster has no wavelengths.
func NearestBands(wavelengths []float64) ([3]int, error) {
	var out [3]int
	if len(wavelengths) == 0 {
		return out, fmt.Errorf("%w: raster has no wavelengths; give RGB bands explicitly", errs.ErrConfig)
	}
	for c, target := range []float64{RedNM, GreenNM, BlueNM} {
		best := 0
		for i, w := range wavelengths {
			if math.Abs(w-target) < math.Abs(wavelengths[best]-target) {
				best = i
			}
		}
		out[c] = best
	}
	return out, nil
}

// RGBHeader returns the header of a 3-band byte composite of src. Opaque
// fields such as map info are carried over.
func RGBHeader(src *raster.Header, bands [3]int) *raster.Header {
	h := &raster.Header{
		Description:  "RGB composite",
		Samples:      src.Samples,
		Lines:        src.Lines,
		Bands:        3,
		FileType:     raster.FileTypeStandard,
		DataType:     raster.Byte,
		Interleave:   raster.BSQ,
		BandNames:    []string{"Red", "Green", "Blue"},
		DefaultBands: []int{1, 2, 3},
		Extra:        src.Passthrough(),
	}
	if len(src.Wavelengths) == src.Bands {
		h.Wavelengths = []float64{src.Wavelengths[bands[0]], src.Wavelengths[bands[1]], src.Wavelengths[bands[2]]}
	}
	return h
}

func (o *ComposeOptions) resolve(hdr *raster.Header) ([3]int, error) {
	if o.Stretch == "" {
		o.Stretch = StretchMinMax
	}
	if o.TileSize <= 0 {
		o.TileSize = 512
	}
	if o.Percentile == nil {
		p := DefaultPercentile
		o.Percentile = &p
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 1_000_000
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	var bands [3]int
	switch len(o.Bands) {
	case 0:
		b, err := NearestBands(hdr.Wavelengths)
		if err != nil {
			return bands, err
		}
		bands = b
	case 3:
		for i, b := range o.Bands {
			if b < 0 || b >= hdr.Bands {
				return bands, fmt.Errorf("%w: RGB band %d out of range [0,%d)", errs.ErrConfig, b, hdr.Bands)
			}
			bands[i] = b
		}
	default:
		return bands, fmt.Errorf("%w: need 3 RGB bands, got %d", errs.ErrConfig, len(o.Bands))
	}

	switch o.Stretch {
	case StretchFixed:
		if !(o.Max > o.Min) {
			return bands, fmt.Errorf("%w: fixed stretch needs max > min, got [%g, %g]", errs.ErrConfig, o.Min, o.Max)
		}
	case StretchMinMax:
	case StretchPercentile:
		if p := *o.Percentile; p < 0 || p >= 50 {
			return bands, fmt.Errorf("%w: percentile clip %g must be in [0, 50)", errs.ErrConfig, p)
		}
	default:
		return bands, fmt.Errorf("%w: unknown stretch %q", errs.ErrConfig, o.Stretch)
	}
	return bands, nil
}

// Compose writes an 8-bit RGB composite of three bands of src to sink.
//
// Parameters:
//   - ctx: Cancels between tiles.
//   - src: The hyperspectral cube.
//   - sink: A 3-band raster with src's dimensions, usually created from
//     RGBHeader.
//   - opts: Band choice and stretch.
//
// Returns:
//   - *Composite: The bands and input ranges used.
//   - error: errs.ErrConfig for bad bands or stretch settings, errs.ErrIO
//     for read or write failures, errs.ErrCancelled when ctx is done.
//
// # Stretch
//
// Each band value v maps to round(255*(v-low)/(high-low)) clamped to
// [0, 255]. No-data samples map to 0. A band with high == low maps to 0.
// minmax and percentile read the selected bands once before writing.
func Compose(ctx context.Context, src raster.Source, sink raster.Sink, opts ComposeOptions) (*Composite, error) {
	hdr := src.Header()
	bands, err := opts.resolve(hdr)
	if err != nil {
		return nil, err
	}
	if out := sink.Header(); out.Samples != hdr.Samples || out.Lines != hdr.Lines || out.Bands != 3 {
		return nil, fmt.Errorf("%w: RGB sink is %dx%dx%d, want %dx%dx3",
			errs.ErrConfig, out.Samples, out.Lines, out.Bands, hdr.Samples, hdr.Lines)
	}
	log := opts.Log.Named("compose")

	c := &Composite{Bands: bands, Stretch: opts.Stretch}
	if len(hdr.Wavelengths) == hdr.Bands {
		c.Wavelengths = []float64{hdr.Wavelengths[bands[0]], hdr.Wavelengths[bands[1]], hdr.Wavelengths[bands[2]]}
	}
	tiles := raster.Tiles(hdr.Samples, hdr.Lines, opts.TileSize)

	switch opts.Stretch {
	case StretchFixed:
		for i := range c.Ranges {
			c.Ranges[i] = [2]float64{opts.Min, opts.Max}
		}
	case StretchMinMax:
		if c.Ranges, err = minMax(ctx, src, tiles, bands); err != nil {
			return nil, err
		}
	case StretchPercentile:
		if c.Ranges, err = percentiles(ctx, src, tiles, bands, *opts.Percentile, opts.MaxSamples); err != nil {
			return nil, err
		}
	}
	log.Info("composing RGB",
		zap.Ints("bands", bands[:]),
		zap.String("stretch", string(opts.Stretch)),
		zap.Int("tiles", len(tiles)))

	for _, r := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		in, err := src.ReadTile(ctx, r, bands[:]...)
		if err != nil {
			return nil, err
		}
		out := raster.NewTile(in.Region, 3)
		for i, v := range in.Data {
			if hdr.IsNoData(v) {
				continue
			}
			out.Data[i] = scaleByte(v, c.Ranges[i%3])
		}
		if err := sink.WriteTile(ctx, out); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// scaleByte maps v from rng onto 0-255.
func scaleByte(v float64, rng [2]float64) float64 {
	lo, hi := rng[0], rng[1]
	if !(hi > lo) || math.IsInf(v, 0) {
		return 0
	}
	s := math.Round(255 * (v - lo) / (hi - lo))
	return math.Max(0, math.Min(255, s))
}

func minMax(ctx context.Context, src raster.Source, tiles []raster.Region, bands [3]int) ([3][2]float64, error) {
	hdr := src.Header()
	var rng [3][2]float64
	for i := range rng {
		rng[i] = [2]float64{math.Inf(1), math.Inf(-1)}
	}
	for _, r := range tiles {
		if err := ctx.Err(); err != nil {
			return rng, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		t, err := src.ReadTile(ctx, r, bands[:]...)
		if err != nil {
			return rng, err
		}
		for i, v := range t.Data {
			if hdr.IsNoData(v) || math.IsInf(v, 0) {
				continue
			}
			b := i % 3
			rng[b][0] = math.Min(rng[b][0], v)
			rng[b][1] = math.Max(rng[b][1], v)
		}
	}
	for i := range rng {
		if math.IsInf(rng[i][0], 1) {
			rng[i] = [2]float64{0, 0}
		}
	}
	return rng, nil
}

// percentiles estimates each band's clip and 100-clip percentiles from a
// strided sample of at most maxSamples pixels.
func percentiles(ctx context.Context, src raster.Source, tiles []raster.Region, bands [3]int, clip float64, maxSamples int) ([3][2]float64, error) {
	hdr := src.Header()
	total := hdr.Samples * hdr.Lines
	stride := 1
	if total > maxSamples {
		stride = (total + maxSamples - 1) / maxSamples
	}

	var samples [3][]float64
	var rng [3][2]float64
	for _, r := range tiles {
		if err := ctx.Err(); err != nil {
			return rng, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		t, err := src.ReadTile(ctx, r, bands[:]...)
		if err != nil {
			return rng, err
		}
		for p := 0; p < t.Len(); p++ {
			x, y := r.X+p%r.Width, r.Y+p/r.Width
			if (y*hdr.Samples+x)%stride != 0 {
				continue
			}
			for b, v := range t.Pixel(p) {
				if !hdr.IsNoData(v) && !math.IsInf(v, 0) {
					samples[b] = append(samples[b], v)
				}
			}
		}
	}
	for b := range samples {
		s := samples[b]
		if len(s) == 0 {
			continue
		}
		sort.Float64s(s)
		rng[b][0] = stat.Quantile(clip/100, stat.Empirical, s, nil)
		rng[b][1] = stat.Quantile(1-clip/100, stat.Empirical, s, nil)
	}
	return rng, nil
}
