// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
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

// fanOutHandler é um slog.Handler que despacha cada registro para dois handlers.
// Usado pelo TransferLogger para gravar simultaneamente no handler global e no
// arquivo de log dedicado do transfer.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Verifica Enabled() de cada handler individualmente antes de despachar.
	// Isso garante que registros DEBUG não são enviados ao handler primário
	// quando este aceita apenas INFO (ou superior).
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erros de escrita no arquivo do transfer não devem impedir o log global.
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

// NewTransferLogger cria um logger que grava tanto no logger base (global)
// quanto em um arquivo dedicado ao transfer. O arquivo é criado em:
//
//	{transferLogDir}/{server}/{transferID}.log
//
// Retorna o logger enriquecido, um io.Closer para fechar o arquivo e o path
// absoluto criado. O Closer DEVE ser chamado quando o transfer terminar.
//
// Se transferLogDir for vazio, retorna o logger base sem modificações (no-op).
func NewTransferLogger(baseLogger *slog.Logger, transferLogDir, server, transferID string) (*slog.Logger, io.Closer, string, error) {
	if transferLogDir == "" {
		return baseLogger, nopCloser{}, "", nil
	}

	dir := filepath.Join(transferLogDir, server)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating transfer log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, transferID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening transfer log file %s: %w", logPath, err)
	}

	// Arquivo do transfer sempre usa JSON com nível DEBUG para captura máxima.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveTransferLog remove o arquivo de log de um transfer completado com
// sucesso. É no-op se transferLogDir for vazio ou o arquivo não existir.
func RemoveTransferLog(transferLogDir, server, transferID string) {
	if transferLogDir == "" {
		return
	}
	logPath := filepath.Join(transferLogDir, server, transferID+".log")
	os.Remove(logPath)
}
