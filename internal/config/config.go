// Package config loads and validates the settings of a classification run.
//
// A run is configured from a JSON file, command-line flags, or both. Fields
// omitted from the file keep the values from Default, so partial files are
// safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/imaging"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/spectral"
)

// Defaults applied by Default.
const (
	DefaultTileSize    = 256
	DefaultMetric      = "sam"
	DefaultIORetries   = 3
	DefaultPreviewSize = 1024
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "console"

	// maxFileSize bounds configuration files.
	maxFileSize = 1 * 1024 * 1024
)

// Run is the configuration of one run.
type Run struct {
	// Inputs
	Image       string `json:"image"`
	Library     string `json:"library,omitempty"`
	LibraryMode string `json:"library_mode,omitempty"`

	// Outputs
	RGBOutput   string `json:"rgb_output,omitempty"`
	ClassOutput string `json:"class_output,omitempty"`
	ScoreOutput string `json:"score_output,omitempty"`

	// RGB composition
	RGBBands   []int   `json:"rgb_bands,omitempty"`
	Stretch    string  `json:"stretch,omitempty"`
	StretchMin float64 `json:"stretch_min,omitempty"`
	StretchMax float64 `json:"stretch_max,omitempty"`
	Percentile float64 `json:"percentile,omitempty"`

	// Matching
	Metric            string   `json:"metric,omitempty"`
	Threshold         *float64 `json:"threshold,omitempty"` // nil accepts every match
	MinValidBands     int      `json:"min_valid_bands,omitempty"`
	ResampleTolerance float64  `json:"resample_tolerance_nm,omitempty"`
	TieTolerance      float64  `json:"tie_tolerance,omitempty"`

	// Execution
	TileSize   int    `json:"tile_size,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	Resume     bool   `json:"resume,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
	IORetries  int    `json:"io_retries,omitempty"`

	// Quicklooks
	RGBPreview   string  `json:"rgb_preview,omitempty"`
	ClassPreview string  `json:"class_preview,omitempty"`
	PreviewSize  int     `json:"preview_size,omitempty"`
	Gamma        float64 `json:"gamma,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`
}

// Default returns a configuration with every optional setting filled in.
func Default() *Run {
	return &Run{
		LibraryMode:       string(library.InMemory),
		Stretch:           string(imaging.StretchMinMax),
		Percentile:        imaging.DefaultPercentile,
		Metric:            DefaultMetric,
		MinValidBands:     spectral.DefaultMinValidBands,
		ResampleTolerance: spectral.DefaultResampleTolerance,
		TieTolerance:      spectral.DefaultTieTolerance,
		TileSize:          DefaultTileSize,
		Workers:           runtime.NumCPU(),
		IORetries:         DefaultIORetries,
		PreviewSize:       DefaultPreviewSize,
		Gamma:             1,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// Load reads a run configuration from a JSON file over Default and
// validates it. The file must have a .json extension and be at most 1MB.
func Load(path string) (*Run, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that complete the
// configuration from other sources first.
func Read(path string) (*Run, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", errs.ErrConfig, ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat config file: %v", errs.ErrConfig, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", errs.ErrConfig, info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", errs.ErrConfig, err)
	}
	return decode(data)
}

// Parse decodes a JSON run configuration over Default and validates it.
// Unknown fields are rejected.
func Parse(data []byte) (*Run, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Run, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config JSON: %v", errs.ErrConfig, err)
	}
	return cfg, nil
}

// Validate checks that the configuration describes a runnable job. It
// wraps errs.ErrConfig.
func (c *Run) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{errs.ErrConfig}, args...)...)
	}
	switch {
	case c.Image == "":
		return fail("no input image")
	case c.RGBOutput == "" && c.ClassOutput == "":
		return fail("nothing to do: set an RGB output, a classified output or both")
	case c.ClassOutput != "" && c.Library == "":
		return fail("classification needs a spectral library")
	case c.ScoreOutput != "" && c.ClassOutput == "":
		return fail("score output needs a classified output")
	case c.ClassPreview != "" && c.ClassOutput == "":
		return fail("class preview needs a classified output")
	case c.RGBPreview != "" && c.RGBOutput == "":
		return fail("RGB preview needs an RGB output")
	case c.TileSize <= 0:
		return fail("tile size %d must be positive", c.TileSize)
	case c.Workers <= 0:
		return fail("workers %d must be positive", c.Workers)
	case c.IORetries < 1:
		return fail("io retries %d must be at least 1", c.IORetries)
	case c.PreviewSize < 0:
		return fail("preview size %d must not be negative", c.PreviewSize)
	case c.Gamma < 0 || math.IsNaN(c.Gamma):
		return fail("gamma %v must not be negative", c.Gamma)
	}
	if c.RGBBands != nil && len(c.RGBBands) != 3 {
		return fail("need 3 RGB bands, got %d", len(c.RGBBands))
	}
	for _, b := range c.RGBBands {
		if b < 0 {
			return fail("RGB band %d must not be negative", b)
		}
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if _, err := imaging.ParseStretch(c.Stretch); err != nil {
		return err
	}
	if c.ClassOutput != "" {
		opts, err := c.EngineOptions()
		if err != nil {
			return err
		}
		if err := opts.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Mode returns the library load mode.
func (c *Run) Mode() (library.Mode, error) {
	return library.ParseMode(c.LibraryMode)
}

// EngineOptions converts the matching settings.
func (c *Run) EngineOptions() (spectral.Options, error) {
	m, err := spectral.ParseMetric(c.Metric)
	if err != nil {
		return spectral.Options{}, err
	}
	opts := spectral.DefaultOptions()
	opts.Metric = m
	if c.Threshold != nil {
		opts.Threshold = *c.Threshold
	}
	opts.MinValidBands = c.MinValidBands
	opts.ResampleTolerance = c.ResampleTolerance
	opts.TieTolerance = c.TieTolerance
	return opts, nil
}

// ComposeOptions converts the RGB settings.
func (c *Run) ComposeOptions(log *zap.Logger) (imaging.ComposeOptions, error) {
	s, err := imaging.ParseStretch(c.Stretch)
	if err != nil {
		return imaging.ComposeOptions{}, err
	}
	pct := c.Percentile
	return imaging.ComposeOptions{
		Bands:      c.RGBBands,
		Stretch:    s,
		Min:        c.StretchMin,
		Max:        c.StretchMax,
		Percentile: &pct,
		TileSize:   c.TileSize,
		Log:        log,
	}, nil
}

// PreviewOptions converts the quicklook settings.
func (c *Run) PreviewOptions() imaging.PreviewOptions {
	return imaging.PreviewOptions{MaxSize: c.PreviewSize, Gamma: c.Gamma}
}

// CheckpointPath returns the ledger location: Checkpoint when set,
// otherwise the classified output path with a .checkpoint.db suffix.
func (c *Run) CheckpointPath() string {
	if c.Checkpoint != "" {
		return c.Checkpoint
	}
	base := strings.TrimSuffix(c.ClassOutput, filepath.Ext(c.ClassOutput))
	return base + ".checkpoint.db"
}

// Identity holds the settings that determine classified output. Two runs
// with equal identities write identical rasters, so one may resume the
// other.
type Identity struct {
	Image             string   `json:"image"`
	Library           string   `json:"library"`
	ClassOutput       string   `json:"class_output"`
	ScoreOutput       string   `json:"score_output"`
	Metric            string   `json:"metric"`
	Threshold         *float64 `json:"threshold"`
	MinValidBands     int      `json:"min_valid_bands"`
	ResampleTolerance float64  `json:"resample_tolerance_nm"`
	TieTolerance      float64  `json:"tie_tolerance"`
	TileSize          int      `json:"tile_size"`
}

// Identity returns the output-determining settings. Workers, library mode
// and logging are excluded since they never change the output.
func (c *Run) Identity() Identity {
	abs := func(p string) string {
		if p == "" {
			return ""
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	return Identity{
		Image:             abs(c.Image),
		Library:           abs(c.Library),
		ClassOutput:       abs(c.ClassOutput),
		ScoreOutput:       abs(c.ScoreOutput),
		Metric:            strings.ToLower(c.Metric),
		Threshold:         c.Threshold,
		MinValidBands:     c.MinValidBands,
		ResampleTolerance: c.ResampleTolerance,
		TieTolerance:      c.TieTolerance,
		TileSize:          c.TileSize,
	}
}
