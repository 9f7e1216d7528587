package library

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

// scanRows is the number of library rows read per request while loading.
const scanRows = 256

// Load reads an ENVI spectral library (.sli data with its .hdr). Each line of
// the library is one spectrum sampled on the header's wavelength grid.
//
// Channels that are NaN, below -1e34 or equal to the header's data ignore
// value are dropped from that signature. A signature left with fewer than two
// samples is skipped and logged.
//
// Load fails with errs.ErrFormat when the header is not a one-band library,
// the wavelengths are not strictly increasing or the names do not match the
// number of spectra, and with errs.ErrEmptyLibrary when no signature is usable.
func Load(ctx context.Context, path string, mode Mode, opts ...Option) (Library, error) {
	o := loadOptions{log: zap.NewNop(), retries: raster.DefaultRetries}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named("library")
	if mode == "" {
		mode = InMemory
	}
	if mode != InMemory && mode != Streaming {
		return nil, fmt.Errorf("%w: unknown library mode %q", errs.ErrConfig, mode)
	}

	f, err := raster.Open(path, raster.WithLogger(log), raster.WithRetries(o.retries))
	if err != nil {
		return nil, err
	}
	h := f.Header()
	grid, names, err := layout(h)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("library %s: %w", path, err)
	}
	ignore, hasIgnore := h.NoDataValue()

	mem := &Memory{name: path, lo: math.Inf(1), hi: math.Inf(-1)}
	st := &Stream{
		path:      path,
		f:         f,
		grid:      grid,
		ignore:    ignore,
		hasIgnore: hasIgnore,
		lo:        math.Inf(1),
		hi:        math.Inf(-1),
	}
	seen := make(map[string]bool, len(names))
	skipped := 0

	for y := 0; y < h.Lines; y += scanRows {
		tile, err := f.ReadTile(ctx, raster.Region{X: 0, Y: y, Width: h.Samples, Height: scanRows})
		if err != nil {
			f.Close()
			return nil, err
		}
		for r := 0; r < tile.Region.Height; r++ {
			line := y + r
			name := names[line]
			if seen[name] {
				f.Close()
				return nil, fmt.Errorf("%w: library %s: duplicate signature name %q", errs.ErrFormat, path, name)
			}
			seen[name] = true

			s := usable(name, grid, tile.Data[r*h.Samples:(r+1)*h.Samples], ignore, hasIgnore)
			if s.Len() < 2 {
				skipped++
				log.Warn("skipping signature with too few samples",
					zap.String("name", name),
					zap.Int("line", line),
					zap.Int("samples", s.Len()))
				continue
			}
			lo, hi := s.Domain()
			if mode == InMemory {
				mem.add(&s)
				continue
			}
			st.rows = append(st.rows, line)
			st.names = append(st.names, name)
			st.lo = math.Min(st.lo, lo)
			st.hi = math.Max(st.hi, hi)
		}
	}

	var lib Library = st
	if mode == InMemory {
		f.Close()
		lib = mem
	}
	if lib.Len() == 0 {
		lib.Close()
		return nil, fmt.Errorf("%w: %s has no usable signatures (%d skipped)", errs.ErrEmptyLibrary, path, skipped)
	}
	lo, hi := lib.Domain()
	log.Info("loaded spectral library",
		zap.String("path", path),
		zap.String("mode", string(mode)),
		zap.Int("entries", lib.Len()),
		zap.Int("skipped", skipped),
		zap.Float64("min_nm", lo),
		zap.Float64("max_nm", hi))
	return lib, nil
}

// layout validates a library header and returns its wavelength grid and one
// name per spectrum.
func layout(h *raster.Header) ([]float64, []string, error) {
	if h.Bands != 1 {
		return nil, nil, fmt.Errorf("%w: spectral library has %d bands, want 1", errs.ErrFormat, h.Bands)
	}
	if len(h.Wavelengths) != h.Samples {
		return nil, nil, fmt.Errorf("%w: %d wavelengths for %d library channels",
			errs.ErrFormat, len(h.Wavelengths), h.Samples)
	}
	if err := increasing(h.Wavelengths); err != nil {
		return nil, nil, err
	}
	names := h.SpectraNames
	switch {
	case len(names) == 0:
		names = make([]string, h.Lines)
		for i := range names {
			names[i] = fmt.Sprintf("spectrum_%d", i+1)
		}
	case len(names) != h.Lines:
		return nil, nil, fmt.Errorf("%w: %d spectra names for %d spectra", errs.ErrFormat, len(names), h.Lines)
	}
	for i, n := range names {
		if n == "" {
			return nil, nil, fmt.Errorf("%w: spectrum %d has an empty name", errs.ErrFormat, i+1)
		}
	}
	return h.Wavelengths, names, nil
}

// Stream is a Library that keeps only names and row positions in memory and
// reads each signature from the library file on request.
type Stream struct {
	path      string
	f         *raster.File
	grid      []float64
	ignore    float64
	hasIgnore bool
	rows      []int
	names     []string
	lo, hi    float64
}

// Len implements Library.
func (s *Stream) Len() int { return len(s.rows) }

// Name implements Library.
func (s *Stream) Name(i int) string { return s.names[i] }

// Signature implements Library. Each call reads one library line.
func (s *Stream) Signature(ctx context.Context, i int) (*Signature, error) {
	if i < 0 || i >= len(s.rows) {
		return nil, fmt.Errorf("%w: signature index %d out of range [0,%d)", errs.ErrConfig, i, len(s.rows))
	}
	tile, err := s.f.ReadTile(ctx, raster.Region{X: 0, Y: s.rows[i], Width: len(s.grid), Height: 1})
	if err != nil {
		return nil, err
	}
	sig := usable(s.names[i], s.grid, tile.Data, s.ignore, s.hasIgnore)
	return &sig, nil
}

// Entries implements Library by reading every signature.
func (s *Stream) Entries(ctx context.Context) ([]*Signature, error) {
	out := make([]*Signature, 0, len(s.rows))
	for i := range s.rows {
		sig, err := s.Signature(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// Domain implements Library.
func (s *Stream) Domain() (lo, hi float64) { return s.lo, s.hi }

// Mode implements Library.
func (s *Stream) Mode() Mode { return Streaming }

// Close releases the library file.
func (s *Stream) Close() error { return s.f.Close() }

func (s *Stream) String() string { return s.path }

// Save writes lib as an ENVI spectral library. The wavelength grid is the
// union of every signature's wavelengths; channels a signature lacks are
// written as DeletedValue, so Load returns the same signatures.
func Save(ctx context.Context, path string, lib Library) error {
	sigs, err := lib.Entries(ctx)
	if err != nil {
		return err
	}
	var grid []float64
	for _, s := range sigs {
		grid = append(grid, s.Wavelengths...)
	}
	sort.Float64s(grid)
	grid = dedupe(grid)

	h := &raster.Header{
		Description:  "spectral library",
		Samples:      len(grid),
		Lines:        len(sigs),
		Bands:        1,
		FileType:     raster.FileTypeLibrary,
		DataType:     raster.Float64,
		Interleave:   raster.BSQ,
		Wavelengths:  grid,
		SpectraNames: make([]string, len(sigs)),
	}
	tile := raster.NewTile(raster.Region{Width: len(grid), Height: len(sigs)}, 1)
	for r, s := range sigs {
		h.SpectraNames[r] = s.Name
		row := tile.Data[r*len(grid) : (r+1)*len(grid)]
		j := 0
		for c, w := range grid {
			if j < s.Len() && s.Wavelengths[j] == w {
				row[c] = s.Reflectance[j]
				j++
			} else {
				row[c] = DeletedValue
			}
		}
	}

	out, err := raster.Create(path, h)
	if err != nil {
		return err
	}
	if err := out.WriteTile(ctx, tile); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func dedupe(sorted []float64) []float64 {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

var (
	_ Library = (*Memory)(nil)
	_ Library = (*Stream)(nil)
)
