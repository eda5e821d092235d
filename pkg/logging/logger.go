package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/poelstra/mhub-sub000/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger with a service field
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	// Add service name to all log entries
	logger = logger.WithField("service", serviceName).Logger

	return logger
}

// ApplyLevel applies a broker config logging level to the logger. Levels
// are none, fatal, error, warning, info and debug; "none" discards all
// output.
func ApplyLevel(logger *logrus.Logger, level string) error {
	if level == "" {
		return nil
	}
	if level == "none" {
		logger.SetOutput(io.Discard)
		return nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unknown logging level %q", level)
	}
	logger.SetLevel(parsed)
	return nil
}
