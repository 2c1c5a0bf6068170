// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manager

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nishisan-dev/dccagent/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Servers: map[string]*config.ServerConfig{
			"irc.known.invalid": {Nick: "tester"},
		},
		DownloadPath:        ".",
		MaxFileSize:         1 << 20,
		ServerIdleTimeout:   1800,
		ChannelIdleTimeout:  1800,
		ResumeTimeout:       30,
		TransferListTimeout: 86400,
	}
}

func newTestManager(cfg *config.Config) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger, nil)
}

func TestGetOrCreateSession_UnknownServer(t *testing.T) {
	m := newTestManager(testConfig())
	defer m.Shutdown()

	_, err := m.GetOrCreateSession("irc.other.invalid")
	if err == nil {
		t.Fatalf("expected error for unconfigured server")
	}
	if got := err.Error(); got != "No configuration found for server: irc.other.invalid" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestGetOrCreateSession_CachesSession(t *testing.T) {
	m := newTestManager(testConfig())
	defer m.Shutdown()

	a, err := m.GetOrCreateSession("irc.known.invalid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.GetOrCreateSession("irc.known.invalid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("expected the same session instance on repeated lookups")
	}
}

func TestGetOrCreateSession_DefaultFallback(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultServerConfig = &config.ServerConfig{Nick: "fallback"}
	m := newTestManager(cfg)
	defer m.Shutdown()

	if _, err := m.GetOrCreateSession("irc.other.invalid"); err != nil {
		t.Errorf("default_server_config should cover unknown servers, got %v", err)
	}
}

func TestCancel_NoMatch(t *testing.T) {
	m := newTestManager(testConfig())
	defer m.Shutdown()

	if m.Cancel("irc.known.invalid", "bot", "file.bin") {
		t.Errorf("cancel must report false without a session")
	}

	if _, err := m.GetOrCreateSession("irc.known.invalid"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Cancel("irc.known.invalid", "bot", "file.bin") {
		t.Errorf("cancel must report false without a matching transfer")
	}
}

func TestSnapshot_Empty(t *testing.T) {
	m := newTestManager(testConfig())
	defer m.Shutdown()

	snap := m.Snapshot()
	if len(snap.Networks) != 0 {
		t.Errorf("expected no networks, got %d", len(snap.Networks))
	}
	if len(snap.Transfers) != 0 {
		t.Errorf("expected no transfers, got %d", len(snap.Transfers))
	}
}

func TestRecentEvents_NilStore(t *testing.T) {
	m := newTestManager(testConfig())
	defer m.Shutdown()

	if got := m.RecentEvents(10); len(got) != 0 {
		t.Errorf("expected empty slice without an event store, got %d entries", len(got))
	}
}
