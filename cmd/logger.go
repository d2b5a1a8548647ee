package main

import (
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// newStdLogger adapts logrus for http.Server, which only accepts *log.Logger.
func newStdLogger(w io.Writer) *log.Logger {
	return log.New(w, "", 0)
}
