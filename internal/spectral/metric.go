package spectral

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// Metric measures how far a pixel spectrum is from a reference spectrum over
// the bands both cover. Lower is better. Both slices have the same length,
// at least one. A NaN result means the pair cannot be compared.
type Metric interface {
	Name() string
	Distance(pixel, ref []float64) float64
}

// ParseMetric returns the metric with the given name: "sam", "euclidean" or
// "sid". The empty string selects SAM.
func ParseMetric(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sam", "spectral_angle":
		return SAM{}, nil
	case "euclidean", "ed", "distance":
		return Euclidean{}, nil
	case "sid", "divergence":
		return SID{}, nil
	}
	return nil, fmt.Errorf("%w: unknown metric %q (want sam, euclidean or sid)", errs.ErrConfig, name)
}

// SAM is the spectral angle mapper: the angle in radians between the two
// spectra as vectors. It ignores overall brightness.
type SAM struct{}

func (SAM) Name() string { return "sam" }

func (SAM) Distance(pixel, ref []float64) float64 {
	denom := floats.Norm(pixel, 2) * floats.Norm(ref, 2)
	if denom == 0 {
		return math.NaN()
	}
	cos := floats.Dot(pixel, ref) / denom
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// Euclidean is the root-mean-square difference, so scores stay comparable
// between references that cover different numbers of bands.
type Euclidean struct{}

func (Euclidean) Name() string { return "euclidean" }

func (Euclidean) Distance(pixel, ref []float64) float64 {
	return floats.Distance(pixel, ref, 2) / math.Sqrt(float64(len(pixel)))
}

// SID is the spectral information divergence: the symmetric Kullback-Leibler
// divergence between the spectra normalised to unit sum. Non-positive
// samples are raised to a small floor.
type SID struct{}

const sidFloor = 1e-12

func (SID) Name() string { return "sid" }

func (SID) Distance(pixel, ref []float64) float64 {
	var sp, sr float64
	for i := range pixel {
		sp += math.Max(pixel[i], sidFloor)
		sr += math.Max(ref[i], sidFloor)
	}
	var d float64
	for i := range pixel {
		p := math.Max(pixel[i], sidFloor) / sp
		q := math.Max(ref[i], sidFloor) / sr
		d += (p - q) * math.Log(p/q)
	}
	return d
}
