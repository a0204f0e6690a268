// Package logging wires a logrus logger into the dlog context used by
// every other package.
package logging

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// InitContext returns a context carrying a logrus-backed dlog logger at
// the given level ("trace", "debug", "info", ...).
func InitContext(ctx context.Context, level string) context.Context {
	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.0000",
	}
	if lv, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lv)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}
