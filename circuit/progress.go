package circuit

import (
	"fmt"
	"log/slog"
)

// Reporter receives progress messages from long-running pruning routines.
type Reporter interface {
	Status(msg string)
}

type slogReporter struct {
	log *slog.Logger
}

// NewSlogReporter reports progress at info level on the given logger.
func NewSlogReporter(log *slog.Logger) Reporter {
	return slogReporter{log: log}
}

func (r slogReporter) Status(msg string) {
	r.log.Info(msg)
}

type nopReporter struct{}

// NopReporter discards all progress messages.
func NopReporter() Reporter {
	return nopReporter{}
}

func (nopReporter) Status(string) {}

func statusf(r Reporter, format string, args ...any) {
	r.Status(fmt.Sprintf(format, args...))
}
