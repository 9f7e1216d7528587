// Package server implements the MCP (Model Context Protocol) server for the
// mineral classifier.
//
// This package provides a JSON-RPC 2.0 server that exposes hyperspectral
// inspection and classification through MCP, so an assistant can examine a
// cube, try a library against individual pixels and then run a full
// classification.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
// Inspection:
//   - raster_info: ENVI header summary and tile count
//   - library_info: Entry count, wavelength domain and names
//
// Classification:
//   - classify_pixel: Best match for one pixel
//   - classify_image: Tile-parallel classification to ENVI files
//
// Visualisation:
//   - compose_rgb: 8-bit RGB composite and PNG quicklook
//
// Runs:
//   - run_status: Runs and tiles recorded in a resume ledger
//
// classify_image and compose_rgb take the same fields as a run
// configuration file. Requests are handled one at a time, so a long
// classification delays later calls.
//
// # Library Caching
//
// Libraries loaded by library_info and classify_pixel are cached by path and
// load mode for the life of the server. classify_image loads its own copy so
// a run never shares a streaming file handle with interactive calls.
//
// # Error Handling
//
// Tool execution errors are returned as JSON-RPC error responses with:
//   - code: -32000 (tool execution failure) or standard JSON-RPC codes
//   - message: Human-readable error description
//   - data: ToolErrorData with the error kind (ConfigError, IOError, ...)
//     and, for a classification that stopped part way, the run result
//
// # Usage
//
//	srv := server.New(logger, version)
//	defer srv.Close()
//	if err := srv.Run(ctx); err != nil {
//	    return err
//	}
package server
