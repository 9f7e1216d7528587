package raster

import "fmt"

// Region is a rectangle of pixels. X and Y are the 0-based sample (column)
// and line (row) of the top-left pixel.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.Width, r.Height)
}

// Empty reports whether r covers no pixels.
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Pixels returns the number of pixels in r.
func (r Region) Pixels() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// Clamp shrinks r to fit inside a samples×lines raster. Regions are never
// grown or padded.
func (r Region) Clamp(samples, lines int) Region {
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > samples {
		r.Width = samples - r.X
	}
	if r.Y+r.Height > lines {
		r.Height = lines - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
	return r
}

// Tiles splits a samples×lines raster into size×size tiles in row-major
// order. The last tile in each dimension is shrunk to fit.
func Tiles(samples, lines, size int) []Region {
	if samples <= 0 || lines <= 0 || size <= 0 {
		return nil
	}
	nx := (samples + size - 1) / size
	ny := (lines + size - 1) / size
	out := make([]Region, 0, nx*ny)
	for ty := 0; ty < ny; ty++ {
		for tx := 0; tx < nx; tx++ {
			r := Region{X: tx * size, Y: ty * size, Width: size, Height: size}
			out = append(out, r.Clamp(samples, lines))
		}
	}
	return out
}

// Tile holds the samples of a region for a set of bands. Data is pixel-major:
// the spectrum of pixel i (row-major within the region) is
// Data[i*Bands : (i+1)*Bands].
type Tile struct {
	Region Region
	Bands  int
	Data   []float64
}

// NewTile allocates a zeroed tile.
func NewTile(r Region, bands int) *Tile {
	return &Tile{Region: r, Bands: bands, Data: make([]float64, r.Pixels()*bands)}
}

// Pixel returns the spectrum of pixel i. The slice aliases the tile data.
func (t *Tile) Pixel(i int) []float64 {
	return t.Data[i*t.Bands : (i+1)*t.Bands : (i+1)*t.Bands]
}

// At returns the spectrum at column x, row y relative to the tile origin.
func (t *Tile) At(x, y int) []float64 {
	return t.Pixel(y*t.Region.Width + x)
}

// Len returns the number of pixels in the tile.
func (t *Tile) Len() int {
	return t.Region.Pixels()
}
