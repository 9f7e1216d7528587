package spectral

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/library"
)

// Resample interpolates sig linearly onto grid (nanometres). Grid points
// farther than tol outside the signature's domain are NaN; points within tol
// of an end take the end value. Points that coincide with a signature
// wavelength take its reflectance exactly.
func Resample(sig *library.Signature, grid []float64, tol float64) []float64 {
	out := make([]float64, len(grid))
	if sig.Len() < 2 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var pl interp.PiecewiseLinear
	// Fit only fails on malformed input, which library.Signature rejects.
	_ = pl.Fit(sig.Wavelengths, sig.Reflectance)
	lo, hi := sig.Domain()
	for i, w := range grid {
		if w < lo-tol || w > hi+tol {
			out[i] = math.NaN()
			continue
		}
		out[i] = pl.Predict(w)
	}
	return out
}

// Covered counts the grid points within tol of [lo, hi].
func Covered(grid []float64, lo, hi, tol float64) int {
	n := 0
	for _, w := range grid {
		if w >= lo-tol && w <= hi+tol {
			n++
		}
	}
	return n
}

// CheckCompatible fails with errs.ErrIncompatibleLibrary when fewer than
// minBands image bands fall inside the library's wavelength domain widened
// by tol.
func CheckCompatible(grid []float64, lib library.Library, tol float64, minBands int) error {
	if len(grid) == 0 {
		return fmt.Errorf("%w: image has no band wavelengths", errs.ErrIncompatibleLibrary)
	}
	lo, hi := lib.Domain()
	if n := Covered(grid, lo, hi, tol); n < minBands {
		return fmt.Errorf("%w: %d of %d image bands (%.1f-%.1f nm) fall within library domain %.1f-%.1f nm ±%g, need %d",
			errs.ErrIncompatibleLibrary, n, len(grid), grid[0], grid[len(grid)-1], lo, hi, tol, minBands)
	}
	return nil
}
