package codepunk

import (
	"context"
	"log/slog"
)

// nopLogger discards all output. Components fall back to it so loggers are
// never nil.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NopLogger returns the shared discard logger. Exported for subpackages and
// callers that need an explicit no-op logger value.
func NopLogger() *slog.Logger { return nopLogger }
