package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/checkpoint"
	"github.com/ironsheep/mineral-classify/internal/config"
	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/imaging"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/raster"
	"github.com/ironsheep/mineral-classify/internal/spectral"
)

// UnclassifiedName is the class name of label 0.
const UnclassifiedName = "Unclassified"

// ClassHeader returns the header of a label raster for src classified
// against a library whose display colours are palette. palette[0] is the
// unclassified class; label i+1 is library entry i.
func ClassHeader(src *raster.Header, palette []imaging.ClassColor) *raster.Header {
	names := make([]string, len(palette))
	for i, c := range palette {
		names[i] = headerSafe(c.Name)
	}
	return &raster.Header{
		Description: "Mineral classification",
		Samples:     src.Samples,
		Lines:       src.Lines,
		Bands:       1,
		FileType:    raster.FileTypeClassification,
		DataType:    raster.Uint16,
		Interleave:  raster.BSQ,
		BandNames:   []string{"Class"},
		ClassNames:  names,
		ClassLookup: imaging.Lookup(palette),
		Extra:       src.Passthrough(),
	}
}

// ScoreHeader returns the header of the best-match score raster.
func ScoreHeader(src *raster.Header, metric string) *raster.Header {
	return &raster.Header{
		Description: "Best match score (" + metric + ")",
		Samples:     src.Samples,
		Lines:       src.Lines,
		Bands:       1,
		FileType:    raster.FileTypeStandard,
		DataType:    raster.Float32,
		Interleave:  raster.BSQ,
		BandNames:   []string{"Score"},
		HasNoData:   true,
		NoData:      ScoreNoData,
		Extra:       src.Passthrough(),
	}
}

// headerSafe strips characters that would break an ENVI list field.
func headerSafe(name string) string {
	return strings.NewReplacer(",", ";", "{", "(", "}", ")", "\n", " ").Replace(name)
}

// ComposeFile writes the RGB composite configured by cfg, and its PNG
// quicklook when cfg.RGBPreview is set.
func ComposeFile(ctx context.Context, src raster.Source, cfg *config.Run, log *zap.Logger) (*imaging.Composite, error) {
	hdr := src.Header()
	var bands [3]int
	if cfg.RGBBands == nil {
		b, err := imaging.NearestBands(hdr.Wavelengths)
		if err != nil {
			return nil, err
		}
		bands = b
	} else {
		for i, b := range cfg.RGBBands {
			if b < 0 || b >= hdr.Bands {
				return nil, fmt.Errorf("%w: RGB band %d out of range [0,%d)", errs.ErrConfig, b, hdr.Bands)
			}
			bands[i] = b
		}
	}
	opts, err := cfg.ComposeOptions(log)
	if err != nil {
		return nil, err
	}
	opts.Bands = bands[:]

	out, err := raster.Create(cfg.RGBOutput, imaging.RGBHeader(hdr, bands),
		raster.WithRetries(cfg.IORetries), raster.WithLogger(log))
	if err != nil {
		return nil, err
	}
	comp, err := imaging.Compose(ctx, src, out, opts)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	log.Info("wrote RGB composite", zap.String("path", out.Path()), zap.Ints("bands", bands[:]))

	if cfg.RGBPreview != "" {
		rgb, err := raster.Open(cfg.RGBOutput, raster.WithRetries(cfg.IORetries))
		if err != nil {
			return comp, err
		}
		defer rgb.Close()
		if err := imaging.RGBPreview(ctx, rgb, cfg.RGBPreview, cfg.PreviewOptions()); err != nil {
			return comp, err
		}
		log.Info("wrote RGB preview", zap.String("path", cfg.RGBPreview))
	}
	return comp, nil
}

// FilesResult is the outcome of RunFiles.
type FilesResult struct {
	*Result
	RGB     *imaging.Composite   `json:"rgb,omitempty"`
	Palette []imaging.ClassColor `json:"palette,omitempty"`
	Library *library.Summary     `json:"library,omitempty"`
	Run     *checkpoint.Run      `json:"run,omitempty"`
	Outputs map[string]string    `json:"outputs,omitempty"`
}

// RunFiles performs the run described by cfg: the RGB composite when an RGB
// output is set, then the classification when a classified output is set.
//
// Every input is opened and validated before any output tile is written.
// Setup failures are reported in the result like run failures, with
// TileIndex -1, and are also delivered to observer as RunFailed.
func RunFiles(ctx context.Context, cfg *config.Run, log *zap.Logger, observer Observer) *FilesResult {
	if log == nil {
		log = zap.NewNop()
	}
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}
	start := time.Now()
	out := &FilesResult{Result: &Result{TileIndex: -1}, Outputs: map[string]string{}}
	fail := func(err error) *FilesResult {
		if errs.KindOf(err) == errs.KindCancelled {
			out.Status = StatusCancelled
			out.Err, out.Kind, out.Message = err, errs.KindCancelled, err.Error()
		} else {
			out.fail(err, out.TileIndex)
		}
		out.Elapsed = time.Since(start)
		observer.Observe(RunFailed{RunID: out.RunID, Reason: err, Kind: out.Kind, TileIndex: out.TileIndex, Cursor: out.Cursor})
		return out
	}

	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	src, err := raster.Open(cfg.Image, raster.WithRetries(cfg.IORetries), raster.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	hdr := src.Header()

	// Load and check the library before writing anything.
	var (
		lib     library.Library
		engOpts spectral.Options
	)
	if cfg.ClassOutput != "" {
		mode, err := cfg.Mode()
		if err != nil {
			return fail(err)
		}
		if engOpts, err = cfg.EngineOptions(); err != nil {
			return fail(err)
		}
		lib, err = library.Load(ctx, cfg.Library, mode, library.WithLogger(log), library.WithRetries(cfg.IORetries))
		if err != nil {
			return fail(err)
		}
		defer lib.Close()
		out.Library = library.Summarize(cfg.Library, lib)
		if lib.Len() >= math.MaxUint16 {
			return fail(fmt.Errorf("%w: %d library entries do not fit a 16-bit label band", errs.ErrConfig, lib.Len()))
		}
		if err := spectral.CheckCompatible(hdr.Wavelengths, lib, engOpts.ResampleTolerance, engOpts.MinValidBands); err != nil {
			return fail(err)
		}
	}

	if cfg.RGBOutput != "" {
		comp, err := ComposeFile(ctx, src, cfg, log)
		if err != nil {
			return fail(err)
		}
		out.RGB = comp
		out.Outputs["rgb"] = cfg.RGBOutput
		if cfg.RGBPreview != "" {
			out.Outputs["rgb_preview"] = cfg.RGBPreview
		}
	}
	if cfg.ClassOutput == "" {
		out.Status = StatusCompleted
		out.Elapsed = time.Since(start)
		return out
	}

	names := append([]string{UnclassifiedName}, entryNames(lib)...)
	out.Palette = imaging.Palette(names)

	createOpts := []raster.Option{
		raster.WithResume(cfg.Resume),
		raster.WithRetries(cfg.IORetries),
		raster.WithLogger(log),
	}
	labels, err := raster.Create(cfg.ClassOutput, ClassHeader(hdr, out.Palette), createOpts...)
	if err != nil {
		return fail(err)
	}
	defer labels.Close()
	resume := cfg.Resume && labels.Resumed()

	var scores *raster.File
	var scoreSink raster.Sink
	if cfg.ScoreOutput != "" {
		scores, err = raster.Create(cfg.ScoreOutput, ScoreHeader(hdr, engOpts.Metric.Name()), createOpts...)
		if err != nil {
			return fail(err)
		}
		defer scores.Close()
		resume = resume && scores.Resumed()
		scoreSink = scores
	}
	if cfg.Resume && !resume {
		log.Info("outputs were recreated, starting a fresh run")
	}

	ledger, err := checkpoint.Open(cfg.CheckpointPath(), log)
	if err != nil {
		return fail(err)
	}
	defer ledger.Close()

	fp, err := checkpoint.Fingerprint(struct {
		Identity config.Identity
		Samples  int
		Lines    int
		Bands    int
		Entries  []string
	}{cfg.Identity(), hdr.Samples, hdr.Lines, hdr.Bands, entryNames(lib)})
	if err != nil {
		return fail(err)
	}

	p, err := New(src, lib, labels, scoreSink, ledger, Options{
		Engine:      engOpts,
		TileSize:    cfg.TileSize,
		Workers:     cfg.Workers,
		Resume:      resume,
		Fingerprint: fp,
		ImagePath:   cfg.Image,
		LibraryPath: cfg.Library,
		Log:         log,
		Observer:    observer,
	})
	if err != nil {
		return fail(err)
	}
	out.Result = p.Run(ctx)
	if out.RunID != "" {
		if run, err := ledger.Run(out.RunID); err == nil {
			out.Run = run
		}
	}

	cerr := labels.Close()
	if scores != nil {
		cerr = errors.Join(cerr, scores.Close())
	}
	if cerr != nil && out.Status == StatusCompleted {
		out.fail(cerr, -1)
		return out
	}
	out.Outputs["class"] = labels.HeaderPath()
	if scores != nil {
		out.Outputs["score"] = scores.HeaderPath()
	}

	if out.Status == StatusCompleted && cfg.ClassPreview != "" {
		if err := classPreview(ctx, cfg, out.Palette); err != nil {
			out.fail(err, -1)
			return out
		}
		out.Outputs["class_preview"] = cfg.ClassPreview
		log.Info("wrote class preview", zap.String("path", cfg.ClassPreview))
	}
	return out
}

func classPreview(ctx context.Context, cfg *config.Run, palette []imaging.ClassColor) error {
	labels, err := raster.Open(cfg.ClassOutput, raster.WithRetries(cfg.IORetries))
	if err != nil {
		return err
	}
	defer labels.Close()
	return imaging.ClassPreview(ctx, labels, palette, cfg.ClassPreview, cfg.PreviewOptions())
}
