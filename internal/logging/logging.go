// Package logging builds the process logger and the discard fallback that
// library packages use when the caller passes no logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// New returns a logger writing to out with the given level and format.
//
// format is "text" (default) or "json".
func New(out io.Writer, level, format string) (*log.Logger, error) {
	l := log.New()
	l.SetOutput(out)

	lvl := strings.TrimSpace(level)
	if lvl == "" {
		lvl = "info"
	}
	parsed, err := log.ParseLevel(lvl)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	l.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format %q (want text or json)", format)
	}
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l log.FieldLogger) log.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
