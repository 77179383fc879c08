package internal

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// SetupLogging installs the default logger used by NewLogger.
func SetupLogging(cfg LogConfig) {
	SetupLoggingTo(os.Stderr, cfg)
}

// SetupLoggingTo is SetupLogging with an explicit writer.
func SetupLoggingTo(w io.Writer, cfg LogConfig) {
	level := log.InfoLevel
	if parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	if cfg.Verbose {
		level = log.DebugLevel
	}

	formatter := log.TextFormatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	log.SetDefault(log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		ReportCaller:    cfg.Verbose,
	}))
}

// NewLogger returns the default logger prefixed with the component name.
func NewLogger(component string) *log.Logger {
	prefix := "modsync"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.Default().WithPrefix(prefix)
}
