// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging configura o slog do dccagent (nível, formato, destino)
// e provê o Broadcaster que replica registros para assinantes (WebSocket).
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// nopCloser é usado quando o destino do log não precisa de Close (stderr).
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger cria um *slog.Logger com o nível e formato configurados.
// Se file for vazio, escreve em stderr. O io.Closer retornado fecha o
// arquivo de log (ou é no-op para stderr).
func NewLogger(level, format, file string) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			// Sem arquivo de log utilizável, cai para stderr
			slog.Error("failed to open log file, falling back to stderr", "file", file, "error", err)
		} else {
			out = f
			closer = f
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer
}

// NewBroadcastLogger cria o logger e um Broadcaster encadeado no handler:
// todo registro vai para o destino configurado e para os assinantes.
func NewBroadcastLogger(level, format, file string) (*slog.Logger, *Broadcaster, io.Closer) {
	logger, closer := NewLogger(level, format, file)
	b := NewBroadcaster(logger.Handler())
	return slog.New(b), b, closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
