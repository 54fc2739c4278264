// SPDX-License-Identifier: GPL-3.0-or-later

// Package slogx contains [log/slog] helpers.
package slogx

import (
	"io"
	"log/slog"
)

// discard is a logger that drops every record.
var discard = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
	Level: slog.Level(127),
}))

// OrDiscard returns logger if not nil and otherwise a logger
// that discards all the records it receives.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return discard
}
