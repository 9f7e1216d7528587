package imaging

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

func TestPalette(t *testing.T) {
	names := []string{"Unclassified", "alunite", "kaolinite", "calcite", "muscovite"}
	p := Palette(names)
	require.Len(t, p, len(names))

	if p[0].Hex != "#000000" {
		t.Errorf("unclassified colour: got %s, want #000000", p[0].Hex)
	}
	seen := map[string]bool{}
	for i, c := range p {
		if c.Label != i {
			t.Errorf("label %d: got %d", i, c.Label)
		}
		if c.Name != names[i] {
			t.Errorf("name %d: got %q, want %q", i, c.Name, names[i])
		}
		if seen[c.Hex] {
			t.Errorf("colour %s repeated at label %d", c.Hex, i)
		}
		seen[c.Hex] = true
	}

	// Same names, same colours.
	assert.Equal(t, p, Palette(names))
}

func TestLookup(t *testing.T) {
	p := Palette([]string{"Unclassified", "a", "b"})
	lut := Lookup(p)
	require.Len(t, lut, 3)
	assert.Equal(t, [3]uint8{0, 0, 0}, lut[0])
	assert.Equal(t, [3]uint8{p[2].RGB.R, p[2].RGB.G, p[2].RGB.B}, lut[2])
}

func TestClassPreview(t *testing.T) {
	h := &raster.Header{Samples: 8, Lines: 4, Bands: 1, DataType: raster.Uint16, Interleave: raster.BSQ}
	labels := make([]float64, 32)
	for i := range labels {
		labels[i] = float64(i % 3)
	}
	labels[31] = 9 // no palette entry
	src, err := raster.NewMemory(h, labels)
	require.NoError(t, err)

	p := Palette([]string{"Unclassified", "a", "b"})
	path := filepath.Join(t.TempDir(), "classes.png")
	require.NoError(t, ClassPreview(context.Background(), src, p, path, PreviewOptions{MaxSize: 8}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())
	require.Equal(t, 4, img.Bounds().Dy())

	r, g, b, _ := img.At(1, 0).RGBA()
	assert.Equal(t, [3]uint8{p[1].RGB.R, p[1].RGB.G, p[1].RGB.B}, [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)})
	_, _, _, a := img.At(7, 3).RGBA()
	assert.Zero(t, a, "labels without a colour are transparent")
}

func TestPreview_WrongBands(t *testing.T) {
	h := &raster.Header{Samples: 2, Lines: 2, Bands: 2, DataType: raster.Byte, Interleave: raster.BSQ}
	src, err := raster.NewMemory(h, nil)
	require.NoError(t, err)
	dir := t.TempDir()

	err = ClassPreview(context.Background(), src, nil, filepath.Join(dir, "a.png"), PreviewOptions{})
	assert.ErrorIs(t, err, errs.ErrConfig)
	err = RGBPreview(context.Background(), src, filepath.Join(dir, "b.png"), PreviewOptions{})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestPreview_UnwritablePath(t *testing.T) {
	h := &raster.Header{Samples: 2, Lines: 2, Bands: 3, DataType: raster.Byte, Interleave: raster.BSQ}
	src, err := raster.NewMemory(h, nil)
	require.NoError(t, err)
	err = RGBPreview(context.Background(), src, filepath.Join(t.TempDir(), "missing", "x.png"), PreviewOptions{})
	assert.ErrorIs(t, err, errs.ErrIO)
}

func TestStride(t *testing.T) {
	tests := []struct {
		samples, lines, target, want int
	}{
		{100, 50, 100, 1},
		{200, 50, 100, 2},
		{50, 301, 100, 4},
		{10, 10, 1024, 1},
	}
	for _, tt := range tests {
		h := &raster.Header{Samples: tt.samples, Lines: tt.lines}
		if got := stride(h, tt.target); got != tt.want {
			t.Errorf("stride(%dx%d, %d) = %d, want %d", tt.samples, tt.lines, tt.target, got, tt.want)
		}
	}
}
