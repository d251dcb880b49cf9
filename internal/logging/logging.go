package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Accepted values of logging.format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SetupLogging configures the global logrus logger. Nothing is changed when
// either argument is invalid.
func SetupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}

	log.SetOutput(os.Stdout)
	log.SetFormatter(formatter)
	log.SetLevel(lvl)
	return nil
}

func newFormatter(format string) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return &log.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
