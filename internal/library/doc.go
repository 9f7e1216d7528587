// Package library loads reference spectral libraries.
//
// A library is an ordered, immutable set of named reflectance spectra
// (signatures). Order is load order and is significant: when two entries
// match a pixel equally well the earlier one wins.
//
// # File Format
//
// Libraries are ENVI spectral library files: a one-band raster whose lines
// are spectra and whose samples are channels on the header's wavelength
// grid, with one label per line in "spectra names". Missing channels are
// stored as NaN or a value below -1e34 and are dropped per signature, so
// entries may cover different wavelength ranges.
//
// # Load Modes
//
//   - InMemory: every signature is parsed once and held for the run.
//   - Streaming: only names and row positions are held; Signature reads one
//     line from disk per call. Use this for libraries larger than memory.
//
// Both modes validate the whole file at load time, so a malformed library
// fails before any classification work starts.
package library
