package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/config"
	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/logging"
	"github.com/ironsheep/mineral-classify/internal/pipeline"
	"github.com/ironsheep/mineral-classify/internal/server"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "mineral-classify",
		Short: "Classify hyperspectral cubes against a spectral library",
		Long: `mineral-classify matches every pixel of an ENVI hyperspectral cube against
a library of reference spectra and writes an ENVI classification raster,
and renders RGB composites of the cube.

Runs are configured with a JSON file (--config), flags, or both; flags
override the file. Interrupted classifications resume with --resume.

Environment variables:
  ` + logging.EnvLevel + `=debug    Override the log level

Exit status: 0 completed, 1 failed, 2 configuration error, 130 cancelled.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(fmt.Sprintf("mineral-classify %s\n  Build time: %s\n  Git commit: %s\n", Version, BuildTime, GitCommit))

	root.AddCommand(
		newRGBCmd(stdout),
		newClassifyCmd(stdout),
		newServeCmd(),
		newVersionCmd(stdout),
	)
	return root
}

// runFlags binds command-line flags onto a run configuration.
type runFlags struct {
	cfg        *config.Run
	configPath string
	threshold  float64
	json       bool
	progress   time.Duration
	events     string
}

func newRunFlags() *runFlags {
	return &runFlags{cfg: config.Default()}
}

func (f *runFlags) addCommon(fs *pflag.FlagSet) {
	c := f.cfg
	fs.StringVar(&f.configPath, "config", "", "JSON run configuration file")
	fs.StringVarP(&c.Image, "image", "i", c.Image, "ENVI header of the input cube")
	fs.IntVar(&c.TileSize, "tile-size", c.TileSize, "tile edge in pixels")
	fs.IntVar(&c.IORetries, "io-retries", c.IORetries, "attempts for a failing read or write")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.BoolVar(&f.json, "json", false, "print the result as JSON")
}

func (f *runFlags) addRGB(fs *pflag.FlagSet) {
	c := f.cfg
	fs.StringVar(&c.RGBOutput, "rgb-output", c.RGBOutput, "ENVI header of the RGB composite to write")
	fs.IntSliceVar(&c.RGBBands, "rgb-bands", c.RGBBands, "0-based red,green,blue bands (default: nearest 680,532.5,472.5 nm)")
	fs.StringVar(&c.Stretch, "stretch", c.Stretch, "minmax, percentile or fixed")
	fs.Float64Var(&c.Percentile, "percentile", c.Percentile, "percent clipped at each end by the percentile stretch")
	fs.Float64Var(&c.StretchMin, "stretch-min", c.StretchMin, "value mapped to 0 by the fixed stretch")
	fs.Float64Var(&c.StretchMax, "stretch-max", c.StretchMax, "value mapped to 255 by the fixed stretch")
	fs.StringVar(&c.RGBPreview, "rgb-preview", c.RGBPreview, "PNG quicklook of the RGB composite")
	fs.IntVar(&c.PreviewSize, "preview-size", c.PreviewSize, "longest quicklook edge in pixels, 0 for full size")
	fs.Float64Var(&c.Gamma, "gamma", c.Gamma, "quicklook gamma")
}

func (f *runFlags) addClassify(fs *pflag.FlagSet) {
	c := f.cfg
	fs.StringVarP(&c.Library, "library", "l", c.Library, "ENVI spectral library")
	fs.StringVar(&c.LibraryMode, "library-mode", c.LibraryMode, "in_memory or streaming")
	fs.StringVarP(&c.ClassOutput, "output", "o", c.ClassOutput, "ENVI header of the classification to write")
	fs.StringVar(&c.ScoreOutput, "score-output", c.ScoreOutput, "ENVI header of the best-score raster")
	fs.StringVar(&c.ClassPreview, "class-preview", c.ClassPreview, "PNG quicklook of the classification")
	fs.StringVarP(&c.Metric, "metric", "m", c.Metric, "sam, euclidean or sid")
	fs.Float64Var(&f.threshold, "threshold", 0, "accept a match only when its score is below this (default: accept all)")
	fs.IntVar(&c.MinValidBands, "min-valid-bands", c.MinValidBands, "fewest valid bands needed to compare a pixel")
	fs.Float64Var(&c.ResampleTolerance, "resample-tolerance", c.ResampleTolerance, "nm an image band may lie outside a reference's range")
	fs.Float64Var(&c.TieTolerance, "tie-tolerance", c.TieTolerance, "score difference treated as a tie")
	fs.IntVarP(&c.Workers, "workers", "w", c.Workers, "tiles classified in parallel")
	fs.BoolVar(&c.Resume, "resume", c.Resume, "skip tiles completed by an earlier identical run")
	fs.StringVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "resume ledger (default: next to the output)")
	fs.DurationVar(&f.progress, "progress-interval", 10*time.Second, "minimum time between progress lines")
	fs.StringVar(&f.events, "events", "", "append every progress event to this file as JSON lines")
}

// load returns the configuration from the config file, if any, with
// explicitly set flags applied over it.
func (f *runFlags) load(fs *pflag.FlagSet) (*config.Run, error) {
	if f.configPath != "" {
		set := map[string][]string{}
		fs.Visit(func(fl *pflag.Flag) {
			if sv, ok := fl.Value.(pflag.SliceValue); ok {
				set[fl.Name] = sv.GetSlice()
				return
			}
			set[fl.Name] = []string{fl.Value.String()}
		})

		base, err := config.Read(f.configPath)
		if err != nil {
			return nil, err
		}
		// Flag values point into f.cfg, so reapplying them lands on base.
		*f.cfg = *base
		for name, vals := range set {
			fl := fs.Lookup(name)
			if sv, ok := fl.Value.(pflag.SliceValue); ok {
				err = sv.Replace(vals)
			} else {
				err = fl.Value.Set(vals[0])
			}
			if err != nil {
				return nil, fmt.Errorf("--%s: %w", name, err)
			}
		}
	}
	if fs.Changed("threshold") {
		th := f.threshold
		f.cfg.Threshold = &th
	}
	return f.cfg, nil
}

func newLogger(cfg *config.Run) (*zap.Logger, error) {
	return logging.New(logging.Level(cfg.LogLevel), cfg.LogFormat)
}

func newRGBCmd(stdout io.Writer) *cobra.Command {
	f := newRunFlags()
	cmd := &cobra.Command{
		Use:   "rgb",
		Short: "Write an 8-bit RGB composite of a cube",
		Example: `  mineral-classify rgb -i scene.hdr --rgb-output scene_rgb.hdr --rgb-preview scene.png
  mineral-classify rgb -i scene.hdr --rgb-output rgb.hdr --rgb-bands 29,19,9 --stretch percentile`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return exitFor(err)
			}
			// A shared config file may name classification outputs.
			cfg.ClassOutput, cfg.ScoreOutput, cfg.ClassPreview = "", "", ""
			return run(cmd, cfg, f, stdout)
		},
	}
	f.addCommon(cmd.Flags())
	f.addRGB(cmd.Flags())
	return cmd
}

func newClassifyCmd(stdout io.Writer) *cobra.Command {
	f := newRunFlags()
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify every pixel of a cube against a spectral library",
		Long: `classify matches each pixel against every library spectrum and writes a
uint16 ENVI classification (0 = unclassified, i+1 = library entry i) with
class names and colours. With --rgb-output the composite is written in the
same run.`,
		Example: `  mineral-classify classify -i scene.hdr -l usgs.sli -o classes.hdr --class-preview classes.png
  mineral-classify classify --config run.json --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return exitFor(err)
			}
			return run(cmd, cfg, f, stdout)
		},
	}
	f.addCommon(cmd.Flags())
	f.addClassify(cmd.Flags())
	f.addRGB(cmd.Flags())
	return cmd
}

// run performs a configured run and reports it on stdout.
func run(cmd *cobra.Command, cfg *config.Run, f *runFlags, stdout io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return exitFor(err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return exitFor(err)
	}
	defer func() { _ = log.Sync() }()
	log.Debug("starting", zap.String("version", Version), zap.String("built", BuildTime), zap.String("commit", GitCommit))

	obs := pipeline.Observers{logging.NewProgressObserver(log, f.progress)}
	if f.events != "" {
		ev, err := os.OpenFile(f.events, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return exitFor(fmt.Errorf("%w: event log: %v", errs.ErrIO, err))
		}
		defer ev.Close()
		obs = append(obs, logging.NewEventLog(ev))
	}

	res := pipeline.RunFiles(cmd.Context(), cfg, log, obs)
	if err := report(stdout, res, f.json); err != nil {
		return exitFor(err)
	}
	switch res.Status {
	case pipeline.StatusCompleted:
		return nil
	case pipeline.StatusCancelled:
		return &exitError{code: exitCancelled, err: res.Failure()}
	}
	return exitFor(res.Failure())
}

// report prints res as JSON or as a short summary.
func report(w io.Writer, res *pipeline.FilesResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if res.RunID != "" {
		fmt.Fprintf(w, "run %s: %s, %d of %d tiles (%d resumed) in %s\n",
			res.RunID, res.Status, res.Cursor, res.TileCount, res.Skipped, res.Elapsed.Round(time.Millisecond))
		s := res.Stats
		fmt.Fprintf(w, "pixels: %d classified, %d unclassified, %d no data, %d insufficient bands\n",
			s.Classified, s.Unclassified, s.NoData, s.Insufficient)

		names := make([]string, 0, len(res.Histogram))
		for name := range res.Histogram {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if res.Histogram[names[i]] != res.Histogram[names[j]] {
				return res.Histogram[names[i]] > res.Histogram[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Fprintf(w, "  %-32s %d\n", name, res.Histogram[name])
		}
	}
	if res.RGB != nil {
		fmt.Fprintf(w, "rgb bands: %d %d %d (%s stretch)\n", res.RGB.Bands[0], res.RGB.Bands[1], res.RGB.Bands[2], res.RGB.Stretch)
	}

	keys := make([]string, 0, len(res.Outputs))
	for k := range res.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "wrote %s: %s\n", k, res.Outputs[k])
	}
	return nil
}

func newServeCmd() *cobra.Command {
	var level, format string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the classification tools over MCP on stdin/stdout",
		Long: `serve runs an MCP (Model Context Protocol) server over stdio. Configure it
in an MCP client; logs go to stderr because stdout carries the protocol.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.New(logging.Level(level), format)
			if err != nil {
				return exitFor(err)
			}
			defer func() { _ = log.Sync() }()
			log.Debug("MCP server starting", zap.String("version", Version), zap.String("built", BuildTime), zap.String("commit", GitCommit))

			srv := server.New(log, Version)
			defer srv.Close()

			ctx := cmd.Context()
			errc := make(chan error, 1)
			go func() { errc <- srv.Run(ctx) }()
			select {
			case err := <-errc:
				return exitFor(err)
			case <-ctx.Done():
				// A blocked stdin read cannot be interrupted; exit instead.
				log.Info("shutting down")
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&level, "log-level", config.DefaultLogLevel, "debug, info, warn or error")
	cmd.Flags().StringVar(&format, "log-format", config.DefaultLogFormat, "console or json")
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "mineral-classify %s\n", Version)
			fmt.Fprintf(stdout, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(stdout, "  Git commit: %s\n", GitCommit)
		},
	}
}
