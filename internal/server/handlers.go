package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/checkpoint"
	"github.com/ironsheep/mineral-classify/internal/config"
	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/imaging"
	"github.com/ironsheep/mineral-classify/internal/library"
	"github.com/ironsheep/mineral-classify/internal/logging"
	"github.com/ironsheep/mineral-classify/internal/pipeline"
	"github.com/ironsheep/mineral-classify/internal/raster"
	"github.com/ironsheep/mineral-classify/internal/spectral"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "raster_info", "classify_image").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// ToolErrorData is the data of a failed tool call. Result is set when the
// tool produced partial output, such as a run that stopped part way.
type ToolErrorData struct {
	Kind   errs.Kind   `json:"kind"`
	Error  string      `json:"error"`
	Result interface{} `json:"result,omitempty"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000
// and ToolErrorData.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.log.Info("tool failed", zap.String("tool", params.Name), zap.Error(err))
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32000,
				Message: "Tool execution failed",
				Data:    ToolErrorData{Kind: errs.KindOf(err), Error: err.Error(), Result: result},
			},
		}
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	switch name {
	// Inspection
	case "raster_info":
		return s.handleRasterInfo(args)
	case "library_info":
		return s.handleLibraryInfo(ctx, args)

	// Classification
	case "classify_pixel":
		return s.handleClassifyPixel(ctx, args)
	case "classify_image":
		return s.handleClassifyImage(ctx, args)

	// Visualisation
	case "compose_rgb":
		return s.handleComposeRGB(ctx, args)

	// Runs
	case "run_status":
		return s.handleRunStatus(args)

	default:
		return nil, fmt.Errorf("%w: unknown tool: %s", errs.ErrConfig, name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// On marshal failure it returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func decodeArgs(args json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: arguments: %v", errs.ErrConfig, err)
	}
	return nil
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// === Inspection Handlers ===

type rasterInfoArgs struct {
	Path     string `json:"path"`
	TileSize int    `json:"tile_size"`
}

// RasterInfo describes a cube for raster_info.
type RasterInfo struct {
	HeaderPath      string      `json:"header_path"`
	DataPath        string      `json:"data_path"`
	Description     string      `json:"description,omitempty"`
	Samples         int         `json:"samples"`
	Lines           int         `json:"lines"`
	Bands           int         `json:"bands"`
	DataType        string      `json:"data_type"`
	Interleave      string      `json:"interleave"`
	BigEndian       bool        `json:"big_endian"`
	FileType        string      `json:"file_type,omitempty"`
	DataBytes       int64       `json:"data_bytes"`
	WavelengthRange *[2]float64 `json:"wavelength_range_nm,omitempty"`
	NoData          *float64    `json:"no_data,omitempty"`
	ClassNames      []string    `json:"class_names,omitempty"`
	DefaultRGBBands *[3]int     `json:"default_rgb_bands,omitempty"`
	TileSize        int         `json:"tile_size"`
	Tiles           int         `json:"tiles"`
}

func (s *Server) handleRasterInfo(args json.RawMessage) (interface{}, error) {
	var a rasterInfoArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.TileSize <= 0 {
		a.TileSize = config.DefaultTileSize
	}
	f, err := raster.Open(a.Path, raster.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := f.Header()
	info := &RasterInfo{
		HeaderPath:  f.HeaderPath(),
		DataPath:    f.Path(),
		Description: h.Description,
		Samples:     h.Samples,
		Lines:       h.Lines,
		Bands:       h.Bands,
		DataType:    h.DataType.String(),
		Interleave:  string(h.Interleave),
		BigEndian:   h.BigEndian,
		FileType:    h.FileType,
		DataBytes:   h.DataSize(),
		ClassNames:  h.ClassNames,
		TileSize:    a.TileSize,
		Tiles:       len(raster.Tiles(h.Samples, h.Lines, a.TileSize)),
	}
	if n := len(h.Wavelengths); n > 0 {
		info.WavelengthRange = &[2]float64{h.Wavelengths[0], h.Wavelengths[n-1]}
		if bands, err := imaging.NearestBands(h.Wavelengths); err == nil {
			info.DefaultRGBBands = &bands
		}
	}
	if v, ok := h.NoDataValue(); ok {
		info.NoData = finite(v)
	}
	return info, nil
}

type libraryInfoArgs struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

func (s *Server) handleLibraryInfo(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a libraryInfoArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	mode, err := library.ParseMode(a.Mode)
	if err != nil {
		return nil, err
	}
	lib, err := s.libs.Load(ctx, a.Path, mode)
	if err != nil {
		return nil, err
	}
	return library.Summarize(a.Path, lib), nil
}

// === Classification Handlers ===

type classifyPixelArgs struct {
	Image             string   `json:"image"`
	Library           string   `json:"library"`
	X                 int      `json:"x"`
	Y                 int      `json:"y"`
	LibraryMode       string   `json:"library_mode"`
	Metric            string   `json:"metric"`
	Threshold         *float64 `json:"threshold"`
	MinValidBands     int      `json:"min_valid_bands"`
	ResampleTolerance *float64 `json:"resample_tolerance_nm"`
}

// PixelClass is the classification of one pixel for classify_pixel.
type PixelClass struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Metric string `json:"metric"`
	// Class is the label written to a classification raster: 0 for
	// unclassified, entry+1 otherwise.
	Class int    `json:"class"`
	Name  string `json:"name"`
	// Score is the best distance found; absent when nothing was compared.
	Score *float64 `json:"score,omitempty"`
	Flag  string   `json:"flag"`
}

func (s *Server) handleClassifyPixel(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a classifyPixelArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Metric = nonEmpty(a.Metric, cfg.Metric)
	cfg.LibraryMode = nonEmpty(a.LibraryMode, cfg.LibraryMode)
	cfg.Threshold = a.Threshold
	if a.MinValidBands != 0 {
		cfg.MinValidBands = a.MinValidBands
	}
	if a.ResampleTolerance != nil {
		cfg.ResampleTolerance = *a.ResampleTolerance
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	src, err := raster.Open(a.Image, raster.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	defer src.Close()
	h := src.Header()
	if a.X < 0 || a.Y < 0 || a.X >= h.Samples || a.Y >= h.Lines {
		return nil, fmt.Errorf("%w: pixel (%d,%d) outside %dx%d image", errs.ErrConfig, a.X, a.Y, h.Samples, h.Lines)
	}

	lib, err := s.libs.Load(ctx, a.Library, mode)
	if err != nil {
		return nil, err
	}
	eng, err := spectral.NewEngine(ctx, lib, h, opts, s.log)
	if err != nil {
		return nil, err
	}
	tile, err := src.ReadTile(ctx, raster.Region{X: a.X, Y: a.Y, Width: 1, Height: 1})
	if err != nil {
		return nil, err
	}
	res, err := eng.Classify(ctx, tile.Pixel(0))
	if err != nil {
		return nil, err
	}

	out := &PixelClass{
		X:      a.X,
		Y:      a.Y,
		Metric: opts.Metric.Name(),
		Class:  res.Index + 1,
		Name:   pipeline.UnclassifiedName,
		Score:  finite(res.Score),
		Flag:   res.Flag.String(),
	}
	if res.Classified() {
		out.Name = res.Label
	}
	return out, nil
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// handleClassifyImage runs a classification synchronously. Arguments are a
// run configuration; a run that stops part way is reported as an error
// carrying the partial result.
func (s *Server) handleClassifyImage(ctx context.Context, args json.RawMessage) (interface{}, error) {
	cfg, err := config.Parse(args)
	if err != nil {
		return nil, err
	}
	if cfg.ClassOutput == "" {
		return nil, fmt.Errorf("%w: classify_image needs class_output", errs.ErrConfig)
	}
	res := pipeline.RunFiles(ctx, cfg, s.log, logging.NewProgressObserver(s.log, 0))
	if err := res.Failure(); err != nil {
		if res.RunID == "" {
			return nil, err
		}
		return res, err
	}
	return res, nil
}

// === Visualisation Handlers ===

func (s *Server) handleComposeRGB(ctx context.Context, args json.RawMessage) (interface{}, error) {
	cfg, err := config.Parse(args)
	if err != nil {
		return nil, err
	}
	if cfg.ClassOutput != "" {
		return nil, fmt.Errorf("%w: compose_rgb does not classify, use classify_image", errs.ErrConfig)
	}
	res := pipeline.RunFiles(ctx, cfg, s.log, nil)
	if err := res.Failure(); err != nil {
		return nil, err
	}
	return struct {
		*imaging.Composite
		Outputs map[string]string `json:"outputs"`
	}{res.RGB, res.Outputs}, nil
}

// === Run Handlers ===

type runStatusArgs struct {
	Checkpoint string `json:"checkpoint"`
	RunID      string `json:"run_id"`
	Limit      int    `json:"limit"`
	Tiles      bool   `json:"tiles"`
}

// RunStatus is the result of run_status.
type RunStatus struct {
	Run   *checkpoint.Run         `json:"run,omitempty"`
	Tiles []checkpoint.TileRecord `json:"tiles,omitempty"`
	Runs  []*checkpoint.Run       `json:"runs,omitempty"`
}

func (s *Server) handleRunStatus(args json.RawMessage) (interface{}, error) {
	var a runStatusArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Checkpoint == "" {
		return nil, fmt.Errorf("%w: run_status needs checkpoint", errs.ErrConfig)
	}
	// Opening a missing ledger would create it.
	if _, err := os.Stat(a.Checkpoint); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no ledger at %s", errs.ErrIO, a.Checkpoint)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if a.Limit <= 0 {
		a.Limit = 10
	}

	ledger, err := checkpoint.Open(a.Checkpoint, s.log)
	if err != nil {
		return nil, err
	}
	defer ledger.Close()

	if a.RunID == "" {
		runs, err := ledger.Runs(a.Limit)
		if err != nil {
			return nil, err
		}
		return &RunStatus{Runs: runs}, nil
	}

	run, err := ledger.Run(a.RunID)
	if err != nil {
		return nil, err
	}
	out := &RunStatus{Run: run}
	if a.Tiles {
		if out.Tiles, err = ledger.Tiles(a.RunID); err != nil {
			return nil, err
		}
	}
	return out, nil
}
