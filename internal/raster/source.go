package raster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// Source reads tiles from a raster cube without holding the cube in memory.
type Source interface {
	// Header describes the cube. The returned header must not be modified.
	Header() *Header

	// ReadTile returns the samples of region for the given 0-based bands, or
	// for every band when none are given. The region is clamped to the
	// raster bounds.
	ReadTile(ctx context.Context, region Region, bands ...int) (*Tile, error)

	Close() error
}

// Sink writes tiles of an output raster. A tile is written as a unit: a
// concurrent reader never observes part of a tile.
type Sink interface {
	Header() *Header
	WriteTile(ctx context.Context, tile *Tile) error
	Close() error
}

// Syncer is implemented by sinks whose written tiles can be lost until they
// are flushed to stable storage.
type Syncer interface {
	Sync() error
}

// DefaultRetries is the number of attempts made for a transient I/O failure.
const DefaultRetries = 3

var retryBackoff = 50 * time.Millisecond

// retryIO runs op up to attempts times with exponential backoff. Format
// errors are returned immediately; anything else that survives every attempt
// is wrapped with errs.ErrIO.
func retryIO(ctx context.Context, attempts int, what string, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := retryBackoff
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, errs.ErrFormat) || errors.Is(err, os.ErrNotExist) {
			break
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", errs.ErrIO, what, err)
		case <-time.After(delay):
		}
		delay *= 2
	}
	if errors.Is(err, errs.ErrFormat) || errors.Is(err, errs.ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrIO, what, err)
}

// dataExtensions are tried, in order, to locate the binary file of a header.
var dataExtensions = []string{"", ".img", ".dat", ".raw", ".bsq", ".bil", ".bip", ".sli"}

// Paths resolves the header and data file names of a raster. path may name
// either file. The data file is not required to exist.
func Paths(path string) (hdr, data string) {
	if strings.EqualFold(filepath.Ext(path), ".hdr") {
		base := strings.TrimSuffix(path, filepath.Ext(path))
		for _, ext := range dataExtensions {
			if _, err := os.Stat(base + ext); err == nil {
				return path, base + ext
			}
		}
		return path, base
	}
	if _, err := os.Stat(path + ".hdr"); err == nil {
		return path + ".hdr", path
	}
	if ext := filepath.Ext(path); ext != "" {
		return strings.TrimSuffix(path, ext) + ".hdr", path
	}
	return path + ".hdr", path
}
