package raster

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// File is an ENVI raster backed by a header file and a binary data file.
// It implements both Source and Sink; a File opened with Open is read-only.
//
// File is safe for concurrent use. Reads go straight to the data file with
// ReadAt; writes are serialized so each tile lands as a unit.
type File struct {
	hdr      *Header
	hdrPath  string
	dataPath string
	f        *os.File
	codec    codec
	writable bool
	resumed  bool
	retries  int
	log      *zap.Logger

	mu     sync.Mutex // serializes WriteTile and Close
	closed bool
}

// Option configures Open and Create.
type Option func(*options)

type options struct {
	retries int
	resume  bool
	log     *zap.Logger
}

// WithRetries sets the number of attempts for transient I/O failures.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// WithResume makes Create reopen an existing output whose header matches,
// keeping the tiles already written.
func WithResume(resume bool) Option {
	return func(o *options) { o.resume = resume }
}

// WithLogger sets the logger for I/O diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{retries: DefaultRetries, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open opens an existing raster for reading. path may name the header or the
// data file.
//
// Open fails with errs.ErrFormat when the header is malformed or the data
// file is smaller than the header's dimensions require, and with errs.ErrIO
// when a file cannot be read.
func Open(path string, opts ...Option) (*File, error) {
	o := buildOptions(opts)
	hdrPath, dataPath := Paths(path)

	h, err := ReadHeader(hdrPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open data %s: %v", errs.ErrIO, dataPath, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat data %s: %v", errs.ErrIO, dataPath, err)
	}
	if want := h.HeaderOffset + h.DataSize(); st.Size() < want {
		f.Close()
		return nil, fmt.Errorf("%w: data %s has %d bytes, header describes %d",
			errs.ErrFormat, dataPath, st.Size(), want)
	}

	o.log.Debug("opened raster",
		zap.String("path", dataPath),
		zap.Int("samples", h.Samples),
		zap.Int("lines", h.Lines),
		zap.Int("bands", h.Bands),
		zap.Stringer("type", h.DataType),
		zap.String("interleave", string(h.Interleave)))

	return &File{
		hdr:      h,
		hdrPath:  hdrPath,
		dataPath: dataPath,
		f:        f,
		codec:    newCodec(h),
		retries:  o.retries,
		log:      o.log,
	}, nil
}

// Create creates an output raster described by h and preallocates its data
// file. The header is written first so an interrupted run leaves a readable
// file.
//
// With WithResume(true) an existing output whose header has the same
// dimensions, data type and interleave is reopened without truncation.
func Create(path string, h *Header, opts ...Option) (*File, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	hdrPath, dataPath := Paths(path)
	h = h.Clone()

	if o.resume {
		if f, ok := reopen(hdrPath, dataPath, h, o); ok {
			return f, nil
		}
	}

	if err := WriteHeader(hdrPath, h); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create data %s: %v", errs.ErrIO, dataPath, err)
	}
	if err := f.Truncate(h.HeaderOffset + h.DataSize()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: allocate data %s: %v", errs.ErrIO, dataPath, err)
	}
	o.log.Debug("created raster", zap.String("path", dataPath), zap.Int64("bytes", h.DataSize()))

	return &File{
		hdr:      h,
		hdrPath:  hdrPath,
		dataPath: dataPath,
		f:        f,
		codec:    newCodec(h),
		writable: true,
		retries:  o.retries,
		log:      o.log,
	}, nil
}

func reopen(hdrPath, dataPath string, h *Header, o options) (*File, bool) {
	old, err := ReadHeader(hdrPath)
	if err != nil {
		return nil, false
	}
	if old.Samples != h.Samples || old.Lines != h.Lines || old.Bands != h.Bands ||
		old.DataType != h.DataType || old.Interleave != h.Interleave ||
		old.BigEndian != h.BigEndian || old.HeaderOffset != h.HeaderOffset {
		o.log.Info("existing output does not match, recreating", zap.String("path", hdrPath))
		return nil, false
	}
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0)
	if err != nil {
		return nil, false
	}
	st, err := f.Stat()
	if err != nil || st.Size() < h.HeaderOffset+h.DataSize() {
		f.Close()
		return nil, false
	}
	// The new header may carry updated metadata such as class names.
	if err := WriteHeader(hdrPath, h); err != nil {
		f.Close()
		return nil, false
	}
	o.log.Info("resuming existing output", zap.String("path", dataPath))
	return &File{
		hdr:      h,
		hdrPath:  hdrPath,
		dataPath: dataPath,
		f:        f,
		codec:    newCodec(h),
		writable: true,
		resumed:  true,
		retries:  o.retries,
		log:      o.log,
	}, true
}

// Header returns the raster header.
func (r *File) Header() *Header { return r.hdr }

// Resumed reports whether Create reopened an existing output instead of
// creating a zeroed one.
func (r *File) Resumed() bool { return r.resumed }

// Path returns the data file path.
func (r *File) Path() string { return r.dataPath }

// HeaderPath returns the header file path.
func (r *File) HeaderPath() string { return r.hdrPath }

// offset returns the byte offset of (band, line, sample).
func (r *File) offset(band, line, sample int) int64 {
	h := r.hdr
	var idx int64
	switch h.Interleave {
	case BSQ:
		idx = (int64(band)*int64(h.Lines)+int64(line))*int64(h.Samples) + int64(sample)
	case BIL:
		idx = (int64(line)*int64(h.Bands)+int64(band))*int64(h.Samples) + int64(sample)
	case BIP:
		idx = (int64(line)*int64(h.Samples)+int64(sample))*int64(h.Bands) + int64(band)
	}
	return h.HeaderOffset + idx*int64(r.codec.size)
}

func resolveBands(h *Header, bands []int) ([]int, error) {
	if len(bands) == 0 {
		all := make([]int, h.Bands)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	for _, b := range bands {
		if b < 0 || b >= h.Bands {
			return nil, fmt.Errorf("%w: band %d out of range [0,%d)", errs.ErrConfig, b, h.Bands)
		}
	}
	return bands, nil
}

// ReadTile implements Source.
func (r *File) ReadTile(ctx context.Context, region Region, bands ...int) (*Tile, error) {
	bands, err := resolveBands(r.hdr, bands)
	if err != nil {
		return nil, err
	}
	region = region.Clamp(r.hdr.Samples, r.hdr.Lines)
	t := NewTile(region, len(bands))
	if region.Empty() {
		return t, nil
	}

	err = retryIO(ctx, r.retries, fmt.Sprintf("read %s %v", r.dataPath, region), func() error {
		return r.readInto(t, bands)
	})
	if err != nil {
		r.log.Warn("tile read failed", zap.String("path", r.dataPath), zap.Stringer("region", region), zap.Error(err))
		return nil, err
	}
	return t, nil
}

func (r *File) readInto(t *Tile, bands []int) error {
	region := t.Region
	size := r.codec.size
	nb := len(bands)
	w := region.Width

	if r.hdr.Interleave == BIP {
		buf := make([]byte, w*r.hdr.Bands*size)
		for y := 0; y < region.Height; y++ {
			if _, err := r.f.ReadAt(buf, r.offset(0, region.Y+y, region.X)); err != nil {
				return err
			}
			for x := 0; x < w; x++ {
				px := t.Data[(y*w+x)*nb:]
				base := x * r.hdr.Bands
				for bi, b := range bands {
					px[bi] = r.codec.decode(buf[(base+b)*size:])
				}
			}
		}
		return nil
	}

	buf := make([]byte, w*size)
	for bi, b := range bands {
		for y := 0; y < region.Height; y++ {
			if _, err := r.f.ReadAt(buf, r.offset(b, region.Y+y, region.X)); err != nil {
				return err
			}
			row := y * w
			for x := 0; x < w; x++ {
				t.Data[(row+x)*nb+bi] = r.codec.decode(buf[x*size:])
			}
		}
	}
	return nil
}

// WriteTile implements Sink. The tile must carry every band of the raster.
func (r *File) WriteTile(ctx context.Context, t *Tile) error {
	if !r.writable {
		return fmt.Errorf("%w: %s opened read-only", errs.ErrConfig, r.dataPath)
	}
	if t.Bands != r.hdr.Bands {
		return fmt.Errorf("%w: tile has %d bands, raster has %d", errs.ErrConfig, t.Bands, r.hdr.Bands)
	}
	if t.Region.Clamp(r.hdr.Samples, r.hdr.Lines) != t.Region {
		return fmt.Errorf("%w: tile %v outside raster bounds", errs.ErrConfig, t.Region)
	}
	if len(t.Data) != t.Region.Pixels()*t.Bands {
		return fmt.Errorf("%w: tile %v has %d samples", errs.ErrConfig, t.Region, len(t.Data))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: write to closed raster %s", errs.ErrIO, r.dataPath)
	}
	return retryIO(ctx, r.retries, fmt.Sprintf("write %s %v", r.dataPath, t.Region), func() error {
		return r.writeFrom(t)
	})
}

func (r *File) writeFrom(t *Tile) error {
	region := t.Region
	size := r.codec.size
	nb := t.Bands
	w := region.Width

	if r.hdr.Interleave == BIP {
		buf := make([]byte, w*nb*size)
		for y := 0; y < region.Height; y++ {
			for i, v := range t.Data[y*w*nb : (y+1)*w*nb] {
				r.codec.encode(buf[i*size:], v)
			}
			if _, err := r.f.WriteAt(buf, r.offset(0, region.Y+y, region.X)); err != nil {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, w*size)
	for b := 0; b < nb; b++ {
		for y := 0; y < region.Height; y++ {
			row := y * w
			for x := 0; x < w; x++ {
				r.codec.encode(buf[x*size:], t.Data[(row+x)*nb+b])
			}
			if _, err := r.f.WriteAt(buf, r.offset(b, region.Y+y, region.X)); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ Syncer = (*File)(nil)

// Sync flushes written tiles to stable storage.
func (r *File) Sync() error {
	if !r.writable {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", errs.ErrIO, r.dataPath, err)
	}
	return nil
}

// Close releases the data file. Writable rasters are synced first. Close is
// idempotent.
func (r *File) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.writable {
		if e := r.f.Sync(); e != nil {
			err = fmt.Errorf("%w: sync %s: %v", errs.ErrIO, r.dataPath, e)
		}
	}
	if e := r.f.Close(); e != nil && err == nil {
		err = fmt.Errorf("%w: close %s: %v", errs.ErrIO, r.dataPath, e)
	}
	return err
}

var (
	_ Source = (*File)(nil)
	_ Sink   = (*File)(nil)
)
