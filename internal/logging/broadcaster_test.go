// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestBroadcaster(out io.Writer) (*slog.Logger, *Broadcaster) {
	inner := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
	b := NewBroadcaster(inner)
	return slog.New(b), b
}

func receiveEntry(t *testing.T, ch <-chan []byte) LogEntry {
	t.Helper()
	select {
	case data := <-ch:
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("failed to decode log entry: %v", err)
		}
		return entry
	case <-time.After(2 * time.Second):
		t.Fatalf("no log entry received")
		return LogEntry{}
	}
}

func TestBroadcaster_DeliversToSubscriberAndInner(t *testing.T) {
	var out bytes.Buffer
	logger, b := newTestBroadcaster(&out)

	ch, cancel := b.Subscribe()
	defer cancel()

	logger.Info("session created", "server", "irc.test.net")

	entry := receiveEntry(t, ch)
	if entry.Message != "session created" {
		t.Errorf("expected message 'session created', got %q", entry.Message)
	}
	if entry.Level != "INFO" {
		t.Errorf("expected level INFO, got %q", entry.Level)
	}
	if entry.Attrs["server"] != "irc.test.net" {
		t.Errorf("expected server attr, got %v", entry.Attrs)
	}
	if !bytes.Contains(out.Bytes(), []byte("session created")) {
		t.Errorf("inner handler should also receive the record")
	}
}

func TestBroadcaster_DerivedHandlerSharesSubscribers(t *testing.T) {
	logger, b := newTestBroadcaster(io.Discard)

	ch, cancel := b.Subscribe()
	defer cancel()

	logger.With("component", "dcc").Info("transfer started")

	entry := receiveEntry(t, ch)
	if entry.Attrs["component"] != "dcc" {
		t.Errorf("expected component attr from derived handler, got %v", entry.Attrs)
	}
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	_, b := newTestBroadcaster(io.Discard)

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotente

	if _, ok := <-ch; ok {
		t.Errorf("expected closed channel after cancel")
	}
}

func TestBroadcaster_SlowSubscriberDropsRecords(t *testing.T) {
	logger, b := newTestBroadcaster(io.Discard)

	ch, cancel := b.Subscribe()
	defer cancel()

	// Enche o buffer do assinante sem consumir; os excedentes são
	// descartados em vez de bloquear o logging.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuf*2; i++ {
			logger.Info("flood")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("logging blocked on slow subscriber")
	}

	if len(ch) != subscriberBuf {
		t.Errorf("expected full subscriber buffer, got %d", len(ch))
	}
}
