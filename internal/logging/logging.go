// Package logging builds the zap loggers used by the command and the MCP
// server, and turns pipeline progress events into log lines.
//
// Logs always go to stderr. The MCP server uses stdout for the protocol.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ironsheep/mineral-classify/internal/errs"
)

// EnvLevel overrides the configured log level when set.
const EnvLevel = "MINERAL_CLASSIFY_LOG_LEVEL"

// Formats accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Level returns the log level from the environment, or def when unset.
func Level(def string) string {
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		return v
	}
	return def
}

// New builds a logger writing to stderr. format "json" uses the production
// encoder; "console" (or empty) uses the development encoder without stack
// traces on warnings.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q: %v", errs.ErrConfig, level, err)
	}

	var cfg zap.Config
	switch format {
	case FormatJSON:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case FormatConsole, "":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("%w: log format %q (want %s or %s)", errs.ErrConfig, format, FormatConsole, FormatJSON)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}

// NewEventLog returns an observer that writes every pipeline event to w as
// one JSON object per line, for tools that follow a long run.
func NewEventLog(w io.Writer) *ProgressObserver {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), zap.DebugLevel)
	return NewProgressObserver(zap.New(core), 0)
}
