// Package spectral matches pixel spectra against a reference library.
//
// For each pixel the Engine resamples every library signature onto the
// image's band wavelengths, computes a distance with the configured Metric
// over the bands both cover, and keeps the closest reference. The match is
// accepted when its score is strictly below the threshold.
//
// # Metrics
//
//   - SAM: spectral angle in radians.
//   - Euclidean: root-mean-square difference.
//   - SID: spectral information divergence.
//
// All metrics are distances; lower is better.
//
// # Determinism
//
// References are visited in library order and a later reference replaces
// the current best only if it scores lower by more than the tie tolerance.
// Classification is a pure function of the pixel, the library and the
// options, so tiles can be classified in any order and reclassified with
// identical results.
//
// # Soft Failures
//
// Pixels never fail a run. A pixel whose every band is no-data is flagged
// FlagNoData without any metric work; one with fewer valid bands than the
// minimum is flagged FlagInsufficientBands; a best match that misses the
// threshold is flagged FlagRejected. All three are reported unclassified.
package spectral
