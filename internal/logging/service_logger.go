// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. NewServiceLogger uses it to write every record both to the
// dealer's global sink and to a service's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A service log write failure must not take down the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewServiceLogger builds a logger that writes both to baseLogger and to
// a dedicated per-service file at:
//
//	{serviceLogDir}/{alias}.log
//
// Every service's handles get their own log.Error/Debug trail alongside
// the aggregate dealer log, so a degraded or flapping service can be
// diagnosed without grepping the whole process's output. Returns the
// fanned-out logger and an io.Closer that must be called (defer) when
// the service is retired.
//
// If serviceLogDir is empty, returns baseLogger unmodified (no-op).
func NewServiceLogger(baseLogger *slog.Logger, serviceLogDir, alias string) (*slog.Logger, io.Closer, error) {
	if serviceLogDir == "" {
		return baseLogger, io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(serviceLogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating service log directory %s: %w", serviceLogDir, err)
	}

	logPath := filepath.Join(serviceLogDir, alias+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening service log file %s: %w", logPath, err)
	}

	// The service's own file always captures DEBUG, regardless of what
	// level the global logger accepts.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, nil
}
