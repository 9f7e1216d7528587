package raster

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// DataType is the ENVI "data type" code of the binary samples.
type DataType int

const (
	Byte    DataType = 1
	Int16   DataType = 2
	Int32   DataType = 3
	Float32 DataType = 4
	Float64 DataType = 5
	Uint16  DataType = 12
	Uint32  DataType = 13
	Int64   DataType = 14
	Uint64  DataType = 15
)

// Size returns the number of bytes per sample, or 0 for unsupported codes.
func (d DataType) Size() int {
	switch d {
	case Byte:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	}
	return 0
}

func (d DataType) String() string {
	switch d {
	case Byte:
		return "byte"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	}
	return fmt.Sprintf("unknown(%d)", int(d))
}

// Interleave is the on-disk sample ordering.
type Interleave string

const (
	BSQ Interleave = "bsq" // band sequential
	BIL Interleave = "bil" // band interleaved by line
	BIP Interleave = "bip" // band interleaved by pixel
)

// Standard ENVI file types written by this package.
const (
	FileTypeStandard       = "ENVI Standard"
	FileTypeClassification = "ENVI Classification"
	FileTypeLibrary        = "ENVI Spectral Library"
)

// Field is a header entry this package does not interpret. Such entries
// (map info, coordinate system string, ...) are carried through unchanged.
type Field struct {
	Key   string
	Value string
}

// Header fields that georeference the scene. They describe pixel positions,
// not bands, so derived rasters of the same grid keep them.
var georefKeys = map[string]bool{
	"map info":                 true,
	"coordinate system string": true,
	"projection info":          true,
	"geo points":               true,
	"pixel size":               true,
	"rpc info":                 true,
}

// Header fields holding one value per band.
var perBandKeys = map[string]bool{
	"bbl":                            true,
	"data gain values":               true,
	"data offset values":             true,
	"data reflectance gain values":   true,
	"data reflectance offset values": true,
	"z plot titles":                  true,
	"z plot range":                   true,
	"z plot average":                 true,
}

// Header is the parsed ENVI header of a raster cube.
//
// Wavelengths are always held in nanometres; headers written in micrometres
// are converted on parse.
type Header struct {
	Description  string
	Samples      int // columns
	Lines        int // rows
	Bands        int
	HeaderOffset int64
	FileType     string
	DataType     DataType
	Interleave   Interleave
	BigEndian    bool

	Wavelengths []float64
	FWHM        []float64
	BandNames   []string

	HasNoData bool
	NoData    float64

	// Classification files.
	ClassNames  []string
	ClassLookup [][3]uint8

	// Spectral library files.
	SpectraNames []string

	DefaultBands []int // 1-based, as in the header

	Extra []Field
}

// NoDataValue returns the data ignore value and whether one is set.
func (h *Header) NoDataValue() (float64, bool) {
	return h.NoData, h.HasNoData
}

// IsNoData reports whether v equals the header's data ignore value. NaN is
// always treated as no data.
func (h *Header) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return h.HasNoData && v == h.NoData
}

// DataSize is the size in bytes of the binary data described by h.
func (h *Header) DataSize() int64 {
	return int64(h.Samples) * int64(h.Lines) * int64(h.Bands) * int64(h.DataType.Size())
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	c := *h
	c.Wavelengths = append([]float64(nil), h.Wavelengths...)
	c.FWHM = append([]float64(nil), h.FWHM...)
	c.BandNames = append([]string(nil), h.BandNames...)
	c.ClassNames = append([]string(nil), h.ClassNames...)
	c.ClassLookup = append([][3]uint8(nil), h.ClassLookup...)
	c.SpectraNames = append([]string(nil), h.SpectraNames...)
	c.DefaultBands = append([]int(nil), h.DefaultBands...)
	c.Extra = append([]Field(nil), h.Extra...)
	return &c
}

// Passthrough returns the uninterpreted fields a raster derived from h
// should carry: the georeference, and scalar scene metadata such as sensor
// type or acquisition time. Per-band lists are dropped because the derived
// raster has its own bands.
func (h *Header) Passthrough() []Field {
	var out []Field
	for _, f := range h.Extra {
		switch {
		case georefKeys[f.Key]:
		case perBandKeys[f.Key], strings.Contains(f.Value, ","):
			continue
		}
		out = append(out, f)
	}
	return out
}

// Validate checks the structural invariants of the header.
func (h *Header) Validate() error {
	if h.Samples <= 0 || h.Lines <= 0 || h.Bands <= 0 {
		return fmt.Errorf("%w: non-positive dimensions samples=%d lines=%d bands=%d",
			errs.ErrFormat, h.Samples, h.Lines, h.Bands)
	}
	if h.DataType.Size() == 0 {
		return fmt.Errorf("%w: unsupported data type %d", errs.ErrFormat, int(h.DataType))
	}
	switch h.Interleave {
	case BSQ, BIL, BIP:
	default:
		return fmt.Errorf("%w: unsupported interleave %q", errs.ErrFormat, h.Interleave)
	}
	if h.HeaderOffset < 0 {
		return fmt.Errorf("%w: negative header offset", errs.ErrFormat)
	}
	// Spectral libraries store one spectrum per line, so their wavelengths
	// run along the samples axis.
	want, axis := h.Bands, "bands"
	if h.FileType == FileTypeLibrary {
		want, axis = h.Samples, "samples"
	}
	if len(h.Wavelengths) > 0 && len(h.Wavelengths) != want {
		return fmt.Errorf("%w: %d wavelengths for %d %s", errs.ErrFormat, len(h.Wavelengths), want, axis)
	}
	if len(h.BandNames) > 0 && len(h.BandNames) != h.Bands {
		return fmt.Errorf("%w: %d band names for %d bands", errs.ErrFormat, len(h.BandNames), h.Bands)
	}
	if h.HasNoData && math.IsNaN(h.NoData) {
		return fmt.Errorf("%w: data ignore value is NaN", errs.ErrFormat)
	}
	return nil
}

// ReadHeader parses the ENVI header file at path.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open header %s: %v", errs.ErrIO, path, err)
	}
	defer f.Close()

	h, err := ParseHeader(f)
	if err != nil {
		return nil, fmt.Errorf("header %s: %w", path, err)
	}
	return h, nil
}

// ParseHeader parses an ENVI header. The first non-empty line must be "ENVI";
// values enclosed in braces may span several lines.
func ParseHeader(r io.Reader) (*Header, error) {
	fields, err := scanFields(r)
	if err != nil {
		return nil, err
	}

	h := &Header{Interleave: BSQ, FileType: FileTypeStandard}
	var (
		units       string
		haveType    bool
		wavelengths []float64
	)
	for _, f := range fields {
		switch f.Key {
		case "description":
			h.Description = f.Value
		case "samples":
			h.Samples, err = parseInt(f)
		case "lines":
			h.Lines, err = parseInt(f)
		case "bands":
			h.Bands, err = parseInt(f)
		case "header offset":
			var n int
			n, err = parseInt(f)
			h.HeaderOffset = int64(n)
		case "file type":
			h.FileType = f.Value
		case "data type":
			var n int
			n, err = parseInt(f)
			h.DataType = DataType(n)
			haveType = true
		case "interleave":
			h.Interleave = Interleave(strings.ToLower(f.Value))
		case "byte order":
			var n int
			n, err = parseInt(f)
			if err == nil && n != 0 && n != 1 {
				err = fmt.Errorf("%w: byte order %d", errs.ErrFormat, n)
			}
			h.BigEndian = n == 1
		case "wavelength":
			wavelengths, err = parseFloats(f)
		case "fwhm":
			h.FWHM, err = parseFloats(f)
		case "wavelength units":
			units = f.Value
		case "band names":
			h.BandNames = splitList(f.Value)
		case "data ignore value":
			h.NoData, err = strconv.ParseFloat(strings.TrimSpace(f.Value), 64)
			if err != nil {
				err = fmt.Errorf("%w: data ignore value %q", errs.ErrFormat, f.Value)
			}
			h.HasNoData = err == nil
		case "class names":
			h.ClassNames = splitList(f.Value)
		case "class lookup":
			h.ClassLookup, err = parseLookup(f)
		case "spectra names":
			h.SpectraNames = splitList(f.Value)
		case "default bands":
			var vs []float64
			vs, err = parseFloats(f)
			for _, v := range vs {
				h.DefaultBands = append(h.DefaultBands, int(v))
			}
		case "classes":
			// derived from class names on write
		default:
			h.Extra = append(h.Extra, f)
		}
		if err != nil {
			return nil, err
		}
	}
	if !haveType {
		return nil, fmt.Errorf("%w: missing data type", errs.ErrFormat)
	}
	scale := unitScale(wavelengths, units)
	h.Wavelengths = scaled(wavelengths, scale)
	h.FWHM = scaled(h.FWHM, scale)
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteHeader writes h to path in ENVI format.
func WriteHeader(path string, h *Header) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create header %s: %v", errs.ErrIO, path, err)
	}
	if err := h.Encode(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close header %s: %v", errs.ErrIO, path, err)
	}
	return nil
}

// Encode writes h in ENVI text format.
func (h *Header) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) {
		fmt.Fprintf(bw, format, args...)
	}
	p("ENVI\n")
	if h.Description != "" {
		p("description = {%s}\n", h.Description)
	}
	p("samples = %d\n", h.Samples)
	p("lines = %d\n", h.Lines)
	p("bands = %d\n", h.Bands)
	p("header offset = %d\n", h.HeaderOffset)
	fileType := h.FileType
	if fileType == "" {
		fileType = FileTypeStandard
	}
	p("file type = %s\n", fileType)
	p("data type = %d\n", int(h.DataType))
	p("interleave = %s\n", h.Interleave)
	order := 0
	if h.BigEndian {
		order = 1
	}
	p("byte order = %d\n", order)
	if h.HasNoData {
		p("data ignore value = %s\n", formatFloat(h.NoData))
	}
	if len(h.ClassNames) > 0 {
		p("classes = %d\n", len(h.ClassNames))
		p("class names = {%s}\n", strings.Join(h.ClassNames, ", "))
	}
	if len(h.ClassLookup) > 0 {
		parts := make([]string, 0, len(h.ClassLookup)*3)
		for _, c := range h.ClassLookup {
			parts = append(parts, strconv.Itoa(int(c[0])), strconv.Itoa(int(c[1])), strconv.Itoa(int(c[2])))
		}
		p("class lookup = {%s}\n", strings.Join(parts, ", "))
	}
	if len(h.SpectraNames) > 0 {
		p("spectra names = {%s}\n", strings.Join(h.SpectraNames, ", "))
	}
	if len(h.BandNames) > 0 {
		p("band names = {%s}\n", strings.Join(h.BandNames, ", "))
	}
	if len(h.DefaultBands) > 0 {
		parts := make([]string, len(h.DefaultBands))
		for i, b := range h.DefaultBands {
			parts[i] = strconv.Itoa(b)
		}
		p("default bands = {%s}\n", strings.Join(parts, ", "))
	}
	if len(h.Wavelengths) > 0 {
		p("wavelength units = Nanometers\n")
		p("wavelength = {%s}\n", joinFloats(h.Wavelengths))
	}
	if len(h.FWHM) > 0 {
		p("fwhm = {%s}\n", joinFloats(h.FWHM))
	}
	for _, f := range h.Extra {
		if strings.ContainsAny(f.Value, ",\n") {
			p("%s = {%s}\n", f.Key, f.Value)
		} else {
			p("%s = %s\n", f.Key, f.Value)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: write header: %v", errs.ErrIO, err)
	}
	return nil
}

// scanFields splits the header into key/value fields, joining brace blocks.
func scanFields(r io.Reader) ([]Field, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		fields   []Field
		sawMagic bool
		pending  *Field
		buf      strings.Builder
	)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if pending != nil {
			buf.WriteString(" ")
			buf.WriteString(strings.TrimSpace(line))
			if strings.Contains(line, "}") {
				pending.Value = trimBraces(buf.String())
				fields = append(fields, *pending)
				pending = nil
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		if !sawMagic {
			if trimmed != "ENVI" {
				return nil, fmt.Errorf("%w: missing ENVI magic", errs.ErrFormat)
			}
			sawMagic = true
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", errs.ErrFormat, trimmed)
		}
		f := Field{Key: strings.ToLower(strings.TrimSpace(key)), Value: strings.TrimSpace(value)}
		if strings.HasPrefix(f.Value, "{") && !strings.Contains(f.Value, "}") {
			pending = &f
			buf.Reset()
			buf.WriteString(f.Value)
			continue
		}
		f.Value = trimBraces(f.Value)
		fields = append(fields, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", errs.ErrIO, err)
	}
	if !sawMagic {
		return nil, fmt.Errorf("%w: empty header", errs.ErrFormat)
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: unterminated brace in %q", errs.ErrFormat, pending.Key)
	}
	return fields, nil
}

func trimBraces(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "{")
	v = strings.TrimSuffix(v, "}")
	return strings.TrimSpace(v)
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt(f Field) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(f.Value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", errs.ErrFormat, f.Key, f.Value)
	}
	return n, nil
}

func parseFloats(f Field) ([]float64, error) {
	parts := splitList(f.Value)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value %q is not a number", errs.ErrFormat, f.Key, p)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseLookup(f Field) ([][3]uint8, error) {
	vs, err := parseFloats(f)
	if err != nil {
		return nil, err
	}
	if len(vs)%3 != 0 {
		return nil, fmt.Errorf("%w: class lookup has %d values", errs.ErrFormat, len(vs))
	}
	out := make([][3]uint8, len(vs)/3)
	for i := range out {
		for c := 0; c < 3; c++ {
			v := vs[i*3+c]
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: class lookup value %v out of range", errs.ErrFormat, v)
			}
			out[i][c] = uint8(v)
		}
	}
	return out, nil
}

// unitScale returns the factor converting wavelengths to nm. Without units,
// values below 100 are taken to be micrometres.
func unitScale(ws []float64, units string) float64 {
	switch strings.ToLower(strings.TrimSpace(units)) {
	case "micrometers", "micrometres", "microns", "um":
		return 1000
	case "", "unknown":
		if len(ws) > 0 && ws[len(ws)-1] < 100 {
			return 1000
		}
	}
	return 1
}

func scaled(vs []float64, scale float64) []float64 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = v * scale
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ", ")
}
