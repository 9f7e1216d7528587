package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/imgio"
	"github.com/disintegration/imaging"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

// PreviewOptions configure quicklook PNGs.
type PreviewOptions struct {
	// MaxSize bounds the longer edge of the PNG in pixels. Zero means 1024.
	MaxSize int

	// Gamma is applied to RGB previews when positive and not 1. Values
	// above 1 brighten the image.
	Gamma float64
}

func (o PreviewOptions) maxSize() int {
	if o.MaxSize <= 0 {
		return 1024
	}
	return o.MaxSize
}

// RGBPreview writes a PNG quicklook of a 3-band byte raster such as the
// output of Compose.
//
// The raster is read with a row and column stride so at most about twice
// MaxSize pixels per edge are held, then resized to fit MaxSize with a
// Lanczos filter.
func RGBPreview(ctx context.Context, src raster.Source, path string, opts PreviewOptions) error {
	hdr := src.Header()
	if hdr.Bands != 3 {
		return fmt.Errorf("%w: RGB preview needs 3 bands, raster has %d", errs.ErrConfig, hdr.Bands)
	}
	size := opts.maxSize()
	canvas, err := subsample(ctx, src, stride(hdr, 2*size), func(px []float64) color.NRGBA {
		return color.NRGBA{R: uint8(px[0]), G: uint8(px[1]), B: uint8(px[2]), A: 255}
	})
	if err != nil {
		return err
	}
	var img image.Image = imaging.Fit(canvas, size, size, imaging.Lanczos)
	if opts.Gamma > 0 && opts.Gamma != 1 {
		img = adjust.Gamma(img, opts.Gamma)
	}
	return save(path, img)
}

// ClassPreview writes a PNG quicklook of a label raster, colouring label i
// with palette[i]. Labels outside the palette are drawn transparent.
// Nearest-neighbour resizing keeps class colours unblended.
func ClassPreview(ctx context.Context, src raster.Source, palette []ClassColor, path string, opts PreviewOptions) error {
	hdr := src.Header()
	if hdr.Bands != 1 {
		return fmt.Errorf("%w: class preview needs 1 band, raster has %d", errs.ErrConfig, hdr.Bands)
	}
	size := opts.maxSize()
	canvas, err := subsample(ctx, src, stride(hdr, size), func(px []float64) color.NRGBA {
		l := int(px[0])
		if l < 0 || l >= len(palette) {
			return color.NRGBA{}
		}
		c := palette[l].RGB
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}
	})
	if err != nil {
		return err
	}
	return save(path, imaging.Fit(canvas, size, size, imaging.NearestNeighbor))
}

// stride returns the sampling step keeping the longer edge near target.
func stride(h *raster.Header, target int) int {
	edge := h.Samples
	if h.Lines > edge {
		edge = h.Lines
	}
	if edge <= target {
		return 1
	}
	return (edge + target - 1) / target
}

func subsample(ctx context.Context, src raster.Source, step int, pixel func([]float64) color.NRGBA) (*image.NRGBA, error) {
	hdr := src.Header()
	w := (hdr.Samples + step - 1) / step
	h := (hdr.Lines + step - 1) / step
	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		row, err := src.ReadTile(ctx, raster.Region{X: 0, Y: y * step, Width: hdr.Samples, Height: 1})
		if err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			canvas.SetNRGBA(x, y, pixel(row.At(x*step, 0)))
		}
	}
	return canvas, nil
}

func save(path string, img image.Image) error {
	if err := imgio.Save(path, img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("%w: save preview %s: %v", errs.ErrIO, path, err)
	}
	return nil
}
