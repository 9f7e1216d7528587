// Package errs defines the error kinds shared by the classification engine.
//
// Every failure surfaced by the engine wraps exactly one of the sentinel
// errors below with fmt.Errorf("%w: ...") so callers can branch with
// errors.Is and report the most specific kind with KindOf.
//
// # Kinds
//
//   - ErrFormat: malformed header or library entry. Fatal, detected before any work.
//   - ErrIO: read or write failure after bounded retries.
//   - ErrEmptyLibrary: no usable signature in the library.
//   - ErrIncompatibleLibrary: library wavelengths do not cover the image bands.
//   - ErrConfig: invalid band indices, thresholds, tile sizes and similar.
//   - ErrCancelled: cooperative cancellation. Not a failure; the run is resumable.
package errs

import (
	"context"
	"errors"
)

var (
	ErrFormat              = errors.New("format error")
	ErrIO                  = errors.New("io error")
	ErrEmptyLibrary        = errors.New("empty library")
	ErrIncompatibleLibrary = errors.New("incompatible library")
	ErrConfig              = errors.New("config error")
	ErrCancelled           = errors.New("cancelled")
)

// Kind names an error kind for status reports.
type Kind string

const (
	KindNone                Kind = ""
	KindFormat              Kind = "FormatError"
	KindIO                  Kind = "IOError"
	KindEmptyLibrary        Kind = "EmptyLibraryError"
	KindIncompatibleLibrary Kind = "IncompatibleLibraryError"
	KindConfig              Kind = "ConfigError"
	KindCancelled           Kind = "Cancelled"
	KindUnknown             Kind = "Error"
)

// ordered from most to least specific
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrCancelled, KindCancelled},
	{ErrIncompatibleLibrary, KindIncompatibleLibrary},
	{ErrEmptyLibrary, KindEmptyLibrary},
	{ErrConfig, KindConfig},
	{ErrFormat, KindFormat},
	{ErrIO, KindIO},
}

// KindOf returns the most specific kind wrapped by err. Context cancellation
// and deadline errors are reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}
