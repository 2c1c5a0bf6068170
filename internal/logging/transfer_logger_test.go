// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTransferLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewTransferLogger(base, "", "irc.test.net", "tid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger != base {
		t.Error("expected the base logger back when disabled")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("no-op closer must not fail: %v", err)
	}
}

func TestNewTransferLogger_WritesBothDestinations(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	dir := t.TempDir()

	logger, closer, path, err := NewTransferLogger(base, dir, "irc.test.net", "tid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("chunk received", "bytes", 4096)
	closer.Close()

	if !strings.Contains(buf.String(), "chunk received") {
		t.Error("expected record in the base logger output")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read transfer log: %v", err)
	}
	if !strings.Contains(string(data), "chunk received") {
		t.Error("expected record in the transfer log file")
	}

	want := filepath.Join(dir, "irc.test.net", "tid-1.log")
	if path != want {
		t.Errorf("expected path %q, got %q", want, path)
	}
}

func TestNewTransferLogger_FileCapturesDebug(t *testing.T) {
	var buf bytes.Buffer
	// Logger base só aceita INFO+
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	dir := t.TempDir()

	logger, closer, path, err := NewTransferLogger(base, dir, "irc.test.net", "tid-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("ack sent", "total", 8192)
	closer.Close()

	if strings.Contains(buf.String(), "ack sent") {
		t.Error("debug record must not reach the INFO-level base logger")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read transfer log: %v", err)
	}
	if !strings.Contains(string(data), "ack sent") {
		t.Error("expected debug record in the transfer log file")
	}
}

func TestRemoveTransferLog(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))
	dir := t.TempDir()

	_, closer, path, err := NewTransferLogger(base, dir, "irc.test.net", "tid-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closer.Close()

	RemoveTransferLog(dir, "irc.test.net", "tid-3")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected transfer log removed, stat err: %v", err)
	}

	// No-op sem diretório configurado
	RemoveTransferLog("", "irc.test.net", "tid-3")
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "unknown"} {
		logger, closer := NewLogger("info", format, "")
		if logger == nil {
			t.Fatalf("expected non-nil logger for format %q", format)
		}
		closer.Close()
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, closer := NewLogger("debug", "json", path)

	logger.Info("agent starting")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "agent starting") {
		t.Error("expected record in the log file")
	}
}
