package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide JSON logger. It is constructed once in main
// and passed to every component that logs.
func New() *logrus.Logger {
	logger := logrus.Logger{
		Formatter: &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyLevel: "loglevel",
			},
		},
		Out:   os.Stdout,
		Level: logrus.InfoLevel,
	}

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.Level = logrus.DebugLevel
	}

	return &logger
}
