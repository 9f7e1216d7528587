package library

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// Mode selects how signatures are held during a run.
type Mode string

const (
	// InMemory keeps every signature resident.
	InMemory Mode = "in_memory"
	// Streaming re-reads signatures from the library file when needed.
	Streaming Mode = "streaming"
)

// ParseMode parses a load mode name. The empty string selects InMemory.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", InMemory, "memory":
		return InMemory, nil
	case Streaming, "stream":
		return Streaming, nil
	}
	return "", fmt.Errorf("%w: unknown library mode %q (want in_memory or streaming)", errs.ErrConfig, s)
}

// Library is an immutable, ordered collection of reference spectra. Entry
// order is load order and breaks ties during matching.
//
// Implementations are safe for concurrent use.
type Library interface {
	// Len returns the number of usable signatures.
	Len() int

	// Name returns the label of entry i without touching storage.
	Name(i int) string

	// Signature returns entry i. Streaming libraries read it from disk.
	Signature(ctx context.Context, i int) (*Signature, error)

	// Entries returns every signature in load order.
	Entries(ctx context.Context) ([]*Signature, error)

	// Domain returns the smallest and largest wavelength covered by any
	// entry, in nanometres.
	Domain() (lo, hi float64)

	Mode() Mode
	Close() error
}

// Memory is a Library held entirely in memory.
type Memory struct {
	name   string
	sigs   []*Signature
	lo, hi float64
}

// New builds an in-memory library from signatures, in the given order.
//
// New fails with errs.ErrFormat when a signature is malformed or two share a
// name, and with errs.ErrEmptyLibrary when sigs is empty.
func New(name string, sigs []Signature) (*Memory, error) {
	m := &Memory{name: name, lo: math.Inf(1), hi: math.Inf(-1)}
	seen := make(map[string]bool, len(sigs))
	for i := range sigs {
		s := sigs[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Len() < 2 {
			return nil, fmt.Errorf("%w: signature %q has %d samples, need at least 2",
				errs.ErrFormat, s.Name, s.Len())
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate signature name %q", errs.ErrFormat, s.Name)
		}
		seen[s.Name] = true
		m.add(&Signature{
			Name:        s.Name,
			Wavelengths: append([]float64(nil), s.Wavelengths...),
			Reflectance: append([]float64(nil), s.Reflectance...),
		})
	}
	if len(m.sigs) == 0 {
		return nil, fmt.Errorf("%w: %s has no signatures", errs.ErrEmptyLibrary, name)
	}
	return m, nil
}

func (m *Memory) add(s *Signature) {
	lo, hi := s.Domain()
	m.lo = math.Min(m.lo, lo)
	m.hi = math.Max(m.hi, hi)
	m.sigs = append(m.sigs, s)
}

// Len implements Library.
func (m *Memory) Len() int { return len(m.sigs) }

// Name implements Library.
func (m *Memory) Name(i int) string { return m.sigs[i].Name }

// Signature implements Library. The returned signature is shared and must
// not be modified.
func (m *Memory) Signature(_ context.Context, i int) (*Signature, error) {
	if i < 0 || i >= len(m.sigs) {
		return nil, fmt.Errorf("%w: signature index %d out of range [0,%d)", errs.ErrConfig, i, len(m.sigs))
	}
	return m.sigs[i], nil
}

// Entries implements Library.
func (m *Memory) Entries(context.Context) ([]*Signature, error) {
	return append([]*Signature(nil), m.sigs...), nil
}

// Domain implements Library.
func (m *Memory) Domain() (lo, hi float64) { return m.lo, m.hi }

// Mode implements Library.
func (m *Memory) Mode() Mode { return InMemory }

// Close implements Library.
func (m *Memory) Close() error { return nil }

// String returns the library name.
func (m *Memory) String() string { return m.name }

// Summary describes a library for reports.
type Summary struct {
	Path    string   `json:"path,omitempty"`
	Mode    Mode     `json:"mode"`
	Entries int      `json:"entries"`
	MinNM   float64  `json:"min_wavelength_nm"`
	MaxNM   float64  `json:"max_wavelength_nm"`
	Names   []string `json:"names"`
}

// Summarize reports the size, domain and labels of lib without reading
// signature data.
func Summarize(path string, lib Library) *Summary {
	lo, hi := lib.Domain()
	s := &Summary{Path: path, Mode: lib.Mode(), Entries: lib.Len(), MinNM: lo, MaxNM: hi}
	s.Names = make([]string, lib.Len())
	for i := range s.Names {
		s.Names[i] = lib.Name(i)
	}
	return s
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	log     *zap.Logger
	retries int
}

// WithLogger sets the logger used for skipped entries and load diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *loadOptions) { o.log = l }
}

// WithRetries sets the attempt count for library reads.
func WithRetries(n int) Option {
	return func(o *loadOptions) { o.retries = n }
}
