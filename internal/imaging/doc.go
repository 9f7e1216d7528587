// Package imaging renders hyperspectral cubes and classification maps for
// viewing.
//
// Compose builds an 8-bit RGB composite raster from three bands of a cube.
// Palette assigns display colours to classes, and RGBPreview and
// ClassPreview write PNG quicklooks of the results.
//
// # Coordinate System
//
// Pixel coordinates are 0-based, as in the raster package:
//   - X: sample (column), 0 = leftmost pixel
//   - Y: line (row), 0 = topmost pixel
//
// # Band Selection
//
// Without explicit bands, Compose picks the bands whose centre wavelengths
// are nearest 680 nm (red), 532.5 nm (green) and 472.5 nm (blue). Rasters
// without wavelengths need explicit bands.
//
// # Stretch
//
// Band values are mapped linearly onto 0-255 using one of:
//   - fixed: a caller-supplied [min, max] for all three bands
//   - minmax: each band's valid minimum and maximum
//   - percentile: each band's clip and 100-clip percentiles (default 2%)
//
// No-data samples are written as 0.
//
// # Color Representation
//
// Class colours are returned both as hex "#rrggbb" and as 8-bit RGB. Label
// 0, the unclassified class, is always black.
//
// # Thread Safety
//
// All functions are stateless and may be called concurrently on different
// rasters.
package imaging
