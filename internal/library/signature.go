package library

import (
	"fmt"
	"math"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// Signature is one named reference spectrum. Wavelengths are in nanometres
// and strictly increasing; Reflectance has the same length.
type Signature struct {
	Name        string    `json:"name"`
	Wavelengths []float64 `json:"wavelengths"`
	Reflectance []float64 `json:"reflectance"`
}

// Len returns the number of samples in the signature.
func (s *Signature) Len() int { return len(s.Wavelengths) }

// Domain returns the first and last wavelength of the signature.
func (s *Signature) Domain() (lo, hi float64) {
	if len(s.Wavelengths) == 0 {
		return math.NaN(), math.NaN()
	}
	return s.Wavelengths[0], s.Wavelengths[len(s.Wavelengths)-1]
}

// Validate checks that the signature has matching lengths, finite values and
// strictly increasing wavelengths.
func (s *Signature) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: signature has no name", errs.ErrFormat)
	}
	if len(s.Wavelengths) != len(s.Reflectance) {
		return fmt.Errorf("%w: signature %q has %d wavelengths and %d values",
			errs.ErrFormat, s.Name, len(s.Wavelengths), len(s.Reflectance))
	}
	if err := increasing(s.Wavelengths); err != nil {
		return fmt.Errorf("signature %q: %w", s.Name, err)
	}
	for i, v := range s.Reflectance {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: signature %q has non-finite value at %g nm",
				errs.ErrFormat, s.Name, s.Wavelengths[i])
		}
	}
	return nil
}

func increasing(ws []float64) error {
	for i := 1; i < len(ws); i++ {
		if !(ws[i] > ws[i-1]) {
			return fmt.Errorf("%w: wavelengths not strictly increasing at index %d (%g after %g)",
				errs.ErrFormat, i, ws[i], ws[i-1])
		}
	}
	return nil
}

// deletedBelow marks deleted channels in spectral libraries; USGS and ENVI
// libraries store them as -1.23e34.
const deletedBelow = -1e34

// DeletedValue is written for channels a signature does not cover.
const DeletedValue = -1.23e34

// IsDeleted reports whether a library sample marks a missing channel.
func IsDeleted(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < deletedBelow
}

// usable extracts the samples of one library row that are present. ignore is
// the header's data ignore value when hasIgnore is set.
func usable(name string, grid, row []float64, ignore float64, hasIgnore bool) Signature {
	s := Signature{Name: name}
	for i, v := range row {
		if IsDeleted(v) || (hasIgnore && v == ignore) {
			continue
		}
		s.Wavelengths = append(s.Wavelengths, grid[i])
		s.Reflectance = append(s.Reflectance, v)
	}
	return s
}
