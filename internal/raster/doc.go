// Package raster reads and writes ENVI header/binary raster cubes tile by tile.
//
// An ENVI raster is a pair of files: a plain-text header (".hdr") describing
// the cube and a headerless binary file holding the samples. This package
// never loads a whole cube; callers read and write rectangular tiles so
// rasters larger than memory can be processed.
//
// # Coordinate System
//
// Pixel coordinates are 0-based with the origin at the top-left:
//   - X / sample: column, increasing rightward
//   - Y / line: row, increasing downward
//   - Band: 0-based band index (ENVI "default bands" stay 1-based in Header)
//
// A Region is clamped to the raster bounds on read. Edge tiles are returned
// smaller than requested and are never padded with fabricated samples.
//
// # Supported Layouts
//
//   - Interleave: bsq, bil, bip
//   - Data types: byte, int16, uint16, int32, uint32, int64, uint64, float32, float64
//   - Byte order: 0 (little endian) and 1 (big endian)
//   - Wavelengths in micrometres are converted to nanometres
//
// Header entries this package does not interpret (map info, coordinate system
// string, ...) are kept in Header.Extra and written back unchanged.
// Header.Passthrough selects the ones a derived raster inherits: the
// georeference and scalar scene metadata, but no per-band lists such as bbl.
//
// # Thread Safety
//
// File and Memory are safe for concurrent use. WriteTile calls are
// serialized so each tile is written as a unit.
//
// # Error Handling
//
// Malformed headers and size mismatches wrap errs.ErrFormat. Read and write
// failures are retried a bounded number of times with exponential backoff and
// then wrap errs.ErrIO. Out-of-range band indices wrap errs.ErrConfig.
package raster
