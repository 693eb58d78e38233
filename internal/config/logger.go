package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05Z07:00"

// NewLogger creates a new logger instance with consistent formatting
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logLevel())
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
	})
	return logger
}

// ConfigureGlobalLogger configures the global logrus instance
func ConfigureGlobalLogger() {
	logrus.SetLevel(logLevel())
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
	})
}

// logLevel reads LOG_LEVEL, falling back to info
func logLevel() logrus.Level {
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		return lvl
	}
	return logrus.InfoLevel
}
