package raster

import (
	"context"
	"fmt"
	"sync"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// Memory is an in-memory raster implementing Source and Sink. Samples are
// held pixel-major like Tile data.
type Memory struct {
	hdr  *Header
	mu   sync.RWMutex
	data []float64
}

// NewMemory creates a raster from pixel-major samples. A nil data slice
// allocates a zeroed raster.
func NewMemory(h *Header, data []float64) (*Memory, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	n := h.Samples * h.Lines * h.Bands
	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: %d samples for %dx%dx%d raster",
			errs.ErrFormat, len(data), h.Samples, h.Lines, h.Bands)
	}
	return &Memory{hdr: h.Clone(), data: data}, nil
}

// Header implements Source and Sink.
func (m *Memory) Header() *Header { return m.hdr }

// ReadTile implements Source.
func (m *Memory) ReadTile(ctx context.Context, region Region, bands ...int) (*Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	bands, err := resolveBands(m.hdr, bands)
	if err != nil {
		return nil, err
	}
	region = region.Clamp(m.hdr.Samples, m.hdr.Lines)
	t := NewTile(region, len(bands))

	m.mu.RLock()
	defer m.mu.RUnlock()
	nb := len(bands)
	for y := 0; y < region.Height; y++ {
		for x := 0; x < region.Width; x++ {
			src := m.pixel(region.X+x, region.Y+y)
			dst := t.Data[(y*region.Width+x)*nb:]
			for bi, b := range bands {
				dst[bi] = src[b]
			}
		}
	}
	return t, nil
}

// WriteTile implements Sink.
func (m *Memory) WriteTile(_ context.Context, t *Tile) error {
	if t.Bands != m.hdr.Bands {
		return fmt.Errorf("%w: tile has %d bands, raster has %d", errs.ErrConfig, t.Bands, m.hdr.Bands)
	}
	if t.Region.Clamp(m.hdr.Samples, m.hdr.Lines) != t.Region {
		return fmt.Errorf("%w: tile %v outside raster bounds", errs.ErrConfig, t.Region)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for y := 0; y < t.Region.Height; y++ {
		for x := 0; x < t.Region.Width; x++ {
			copy(m.pixel(t.Region.X+x, t.Region.Y+y), t.At(x, y))
		}
	}
	return nil
}

// At returns a copy of the spectrum at column x, row y.
func (m *Memory) At(x, y int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.pixel(x, y)...)
}

// Data returns a copy of all samples.
func (m *Memory) Data() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.data...)
}

func (m *Memory) pixel(x, y int) []float64 {
	i := (y*m.hdr.Samples + x) * m.hdr.Bands
	return m.data[i : i+m.hdr.Bands]
}

// Close implements Source and Sink.
func (m *Memory) Close() error { return nil }

var (
	_ Source = (*Memory)(nil)
	_ Sink   = (*Memory)(nil)
)
