// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/bureau-foundation/courier/lib/config"
)

// NewLogger builds the command logger on stderr. Format "auto" picks
// text when stderr is a terminal and JSON when it is piped or
// redirected. verbose forces debug level.
func NewLogger(logging config.LoggingConfig, verbose bool) (*slog.Logger, error) {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), logging, verbose)
}

func newLogger(w io.Writer, terminal bool, logging config.LoggingConfig, verbose bool) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(orDefault(logging.Level, "info")))); err != nil {
		return nil, fmt.Errorf("process: invalid log level %q", logging.Level)
	}
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(orDefault(logging.Format, "auto")) {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "auto":
		if terminal {
			return slog.New(slog.NewTextHandler(w, options)), nil
		}
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return nil, fmt.Errorf("process: invalid log format %q", logging.Format)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
