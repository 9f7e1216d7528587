// Package checkpoint persists the progress of classification runs so an
// interrupted run can resume without redoing finished tiles.
//
// The ledger is a sqlite database with two tables: runs, one row per run
// with its status, cursor and terminal error; and tiles, one row per
// completed tile with its pixel counts. The schema is embedded and applied
// with golang-migrate when the ledger is opened.
//
// A run is identified for resumption by a fingerprint of everything that
// affects its output: input paths and dimensions, library, metric and
// thresholds, tile size. Resuming with changed settings starts a new run.
package checkpoint
