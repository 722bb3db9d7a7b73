// Package ui provides terminal UI components and styling for sefs.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/sefs/internal/config"
)

// InitLogger sets the defaults used before configuration is loaded.
func InitLogger() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(false)
	log.SetReportTimestamp(false)
}

// ConfigureLogger applies the log section of the configuration. The debug
// flag wins over the configured level.
func ConfigureLogger(lc config.LogConfig, debug bool) error {
	level := log.InfoLevel
	if lc.Level != "" {
		parsed, err := log.ParseLevel(lc.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
		level = parsed
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	switch lc.Format {
	case "json":
		log.SetFormatter(log.JSONFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	default:
		log.SetFormatter(log.TextFormatter)
	}
	log.SetReportTimestamp(lc.Timestamps)
	return nil
}

// SetDebug enables debug logging.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
