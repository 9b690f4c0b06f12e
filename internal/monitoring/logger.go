// Package monitoring builds the structured loggers used across the pipeline
// and bridges high-severity log entries onto the event bus so the realtime
// broker can fan them out to WebSocket subscribers.
package monitoring

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a configured logrus instance. Output is JSON so log lines
// can be shipped as-is over the system_log channel.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// NewComponentLogger returns an entry tagged with the component name. All
// workers log through one of these so every line carries its origin.
func NewComponentLogger(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// ParseLevel maps a LOG_LEVEL string to a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
