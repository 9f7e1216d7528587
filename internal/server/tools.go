package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func pathProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

// matchingProps are the similarity settings shared by classify_pixel and
// classify_image.
func matchingProps() map[string]interface{} {
	return map[string]interface{}{
		"library_mode": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"in_memory", "streaming"},
			"description": "Hold the library in memory (default) or read each signature from disk when needed",
		},
		"metric": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"sam", "euclidean", "sid"},
			"description": "Similarity metric. Default sam (spectral angle, radians)",
		},
		"threshold": map[string]interface{}{
			"type":        "number",
			"description": "Accept the best match only when its score is below this value. Omit to accept every match",
		},
		"min_valid_bands": map[string]interface{}{
			"type":        "integer",
			"description": "Fewest valid bands needed to compare a pixel. Default 2",
		},
		"resample_tolerance_nm": map[string]interface{}{
			"type":        "number",
			"description": "How far (nm) an image band may lie outside a reference's wavelength range. Default 5",
		},
	}
}

func withProps(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Inspection
		{
			Name:        "raster_info",
			Description: "Read the ENVI header of a hyperspectral cube and report its dimensions, data type, interleave, wavelength range and no-data value.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProp("Absolute path to the ENVI header (.hdr) or data file"),
					"tile_size": map[string]interface{}{
						"type":        "integer",
						"description": "Tile edge used to report the tile count. Default 256",
						"default":     256,
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "library_info",
			Description: "Load a spectral library and report its entry count, wavelength domain and entry names. Libraries stay cached for later calls.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProp("Absolute path to the ENVI spectral library (.sli or .hdr)"),
					"mode": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"in_memory", "streaming"},
						"description": "Load mode. Default in_memory",
					},
				},
				"required": []string{"path"},
			},
		},

		// Classification
		{
			Name:        "classify_pixel",
			Description: "Classify one pixel of a cube against a spectral library and return the best match, its score and any flag (no_data, insufficient_bands, rejected).",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProps(map[string]interface{}{
					"image":   pathProp("Absolute path to the cube's ENVI header"),
					"library": pathProp("Absolute path to the spectral library"),
					"x":       map[string]interface{}{"type": "integer", "description": "Sample (column), 0-based"},
					"y":       map[string]interface{}{"type": "integer", "description": "Line (row), 0-based"},
				}, matchingProps()),
				"required": []string{"image", "library", "x", "y"},
			},
		},
		{
			Name:        "classify_image",
			Description: "Classify every pixel of a cube tile by tile and write an ENVI classification raster, optionally with a score raster and PNG quicklook. Interrupted runs resume when resume is true.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProps(map[string]interface{}{
					"image":         pathProp("Absolute path to the cube's ENVI header"),
					"library":       pathProp("Absolute path to the spectral library"),
					"class_output":  pathProp("Path of the classification header to write"),
					"score_output":  pathProp("Optional path of the best-score raster header"),
					"class_preview": pathProp("Optional path of a PNG quicklook of the classes"),
					"rgb_output":    pathProp("Optional path of an RGB composite written in the same run"),
					"rgb_preview":   pathProp("Optional PNG quicklook of the RGB composite"),
					"tie_tolerance": map[string]interface{}{
						"type":        "number",
						"description": "Score difference below which two references tie; ties go to the earlier entry",
					},
					"tile_size": map[string]interface{}{"type": "integer", "description": "Tile edge in pixels. Default 256"},
					"workers":   map[string]interface{}{"type": "integer", "description": "Tiles classified in parallel. Default: CPU count"},
					"resume": map[string]interface{}{
						"type":        "boolean",
						"description": "Skip tiles completed by an earlier run with the same inputs and settings",
					},
					"checkpoint": pathProp("Resume ledger path. Default: next to class_output"),
				}, matchingProps()),
				"required": []string{"image", "library", "class_output"},
			},
		},

		// Visualisation
		{
			Name:        "compose_rgb",
			Description: "Write a 3-band 8-bit ENVI RGB composite of a cube, and optionally a PNG quicklook. Bands default to those nearest 680, 532.5 and 472.5 nm.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"image":      pathProp("Absolute path to the cube's ENVI header"),
					"rgb_output": pathProp("Path of the RGB header to write"),
					"rgb_preview": pathProp("Optional path of a PNG quicklook"),
					"rgb_bands": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "integer"},
						"description": "0-based red, green and blue band indices",
					},
					"stretch": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"minmax", "percentile", "fixed"},
						"description": "Contrast stretch. Default minmax",
					},
					"percentile": map[string]interface{}{
						"type":        "number",
						"description": "Clip percentage at each end for the percentile stretch. Default 2",
					},
					"stretch_min": map[string]interface{}{"type": "number", "description": "Value mapped to 0 by the fixed stretch"},
					"stretch_max": map[string]interface{}{"type": "number", "description": "Value mapped to 255 by the fixed stretch"},
					"preview_size": map[string]interface{}{
						"type":        "integer",
						"description": "Longest quicklook edge in pixels. Default 1024",
					},
					"gamma": map[string]interface{}{"type": "number", "description": "Quicklook gamma. Default 1"},
				},
				"required": []string{"image", "rgb_output"},
			},
		},

		// Runs
		{
			Name:        "run_status",
			Description: "Report classification runs recorded in a resume ledger: status, tiles completed, failure details. Returns one run when run_id is given, otherwise the most recent runs.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"checkpoint": pathProp("Path of the resume ledger"),
					"run_id":     map[string]interface{}{"type": "string", "description": "Run to report"},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Most recent runs to list. Default 10",
						"default":     10,
					},
					"tiles": map[string]interface{}{
						"type":        "boolean",
						"description": "Include per-tile records when run_id is given",
					},
				},
				"required": []string{"checkpoint"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
