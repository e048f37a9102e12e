package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"import.name/sjournal"
)

// initLogging returns a stderr logger on error.
func initLogging(journal bool, level slog.Level) (*slog.Logger, error) {
	stderr := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if !journal {
		return stderr, nil
	}

	opts := &sjournal.HandlerOptions{
		Delimiter:  sjournal.ColonDelimiter,
		TimeFormat: time.RFC3339Nano,
	}

	h, err := sjournal.NewHandler(opts)
	if err != nil {
		return stderr, err
	}

	return slog.New(leveled(h, level)), nil
}

// levelHandler drops records below its level before they reach the wrapped
// handler.
type levelHandler struct {
	level slog.Leveler
	slog.Handler
}

func leveled(h slog.Handler, level slog.Leveler) slog.Handler {
	return &levelHandler{level: level, Handler: h}
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.Handler.Enabled(ctx, l)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled(h.Handler.WithAttrs(attrs), h.level)
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return leveled(h.Handler.WithGroup(name), h.level)
}
