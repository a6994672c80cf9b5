package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger creates the process logger.
//
// LOG_LEVEL selects the level (default: info). ENV=production switches to
// JSON output for log shipping; otherwise colored text with full timestamps.
func NewLogger(levelStr, env string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(levelStr)))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if env == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
	}

	return logger
}

// JobLogger returns an entry carrying the job context fields
func JobLogger(logger logrus.FieldLogger, jobID, url string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"url":    url,
	})
}
