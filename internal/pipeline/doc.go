// Package pipeline drives a hyperspectral cube through the similarity engine
// tile by tile and writes the classification.
//
// # Lifecycle
//
// A Pipeline moves through Idle, Loading, Running and then one of
// Completed, Failed or Cancelled. Loading builds the engine and checks the
// library against the image and the outputs against the source, so
// configuration, format and compatibility errors surface before any tile
// is written.
//
// # Tiles
//
// The image is split with raster.Tiles; edge tiles are shrunk, never
// padded. Up to Workers tiles run at once. For each tile the pipeline reads
// every band, classifies every pixel, writes a label tile and optionally a
// score tile, syncs sinks that implement raster.Syncer, records the tile in
// the checkpoint ledger and advances the cursor, the number of leading tiles
// that are complete.
//
// Label 0 is unclassified and label i+1 is library entry i. The score
// raster holds the best distance found, or ScoreNoData where none exists.
//
// # Cancellation and Resume
//
// Cancelling the context stops dispatch. Tiles already running finish and
// are recorded, and the run ends Cancelled. A later run with Resume set and
// the same fingerprint skips every recorded tile. Tiles are deterministic,
// so re-running one rewrites identical bytes.
//
// # Events
//
// Progress is reported to an Observer as TileStarted, TileCompleted,
// RunCompleted and RunFailed. Cancellation is reported as RunFailed with
// kind Cancelled. The pipeline never writes to the terminal.
//
// # Files
//
// RunFiles runs a config.Run end to end: it opens the ENVI inputs, writes
// the RGB composite, creates the classification outputs and the ledger,
// runs the pipeline and writes the PNG quicklooks.
package pipeline
