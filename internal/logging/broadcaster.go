// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// subscriberBuf é o tamanho do canal de cada assinante. Assinantes lentos
// perdem registros em vez de bloquear o logging.
const subscriberBuf = 64

// LogEntry é o registro serializado entregue aos assinantes.
type LogEntry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Broadcaster é um slog.Handler que encadeia um handler interno e replica
// cada registro, como JSON, para todos os assinantes registrados.
// Handlers derivados via WithAttrs/WithGroup compartilham os assinantes.
type Broadcaster struct {
	inner slog.Handler
	attrs []slog.Attr
	hub   *subscriberHub
}

// subscriberHub guarda o conjunto de assinantes compartilhado entre o
// Broadcaster raiz e seus derivados.
type subscriberHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewBroadcaster cria um Broadcaster encadeando o handler interno.
func NewBroadcaster(inner slog.Handler) *Broadcaster {
	return &Broadcaster{
		inner: inner,
		hub:   &subscriberHub{subs: make(map[chan []byte]struct{})},
	}
}

// Subscribe registra um assinante e retorna o canal de entrega e a função
// de cancelamento. O canal é fechado pelo cancel.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuf)

	b.hub.mu.Lock()
	b.hub.subs[ch] = struct{}{}
	b.hub.mu.Unlock()

	cancel := func() {
		b.hub.mu.Lock()
		if _, ok := b.hub.subs[ch]; ok {
			delete(b.hub.subs, ch)
			close(ch)
		}
		b.hub.mu.Unlock()
	}
	return ch, cancel
}

// Enabled implementa slog.Handler.
func (b *Broadcaster) Enabled(ctx context.Context, level slog.Level) bool {
	return b.inner.Enabled(ctx, level)
}

// Handle implementa slog.Handler: entrega ao handler interno e replica
// para os assinantes sem bloquear.
func (b *Broadcaster) Handle(ctx context.Context, record slog.Record) error {
	err := b.inner.Handle(ctx, record)
	b.hub.publish(record, b.attrs)
	return err
}

// WithAttrs implementa slog.Handler.
func (b *Broadcaster) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(b.attrs)+len(attrs))
	merged = append(merged, b.attrs...)
	merged = append(merged, attrs...)
	return &Broadcaster{
		inner: b.inner.WithAttrs(attrs),
		attrs: merged,
		hub:   b.hub,
	}
}

// WithGroup implementa slog.Handler.
func (b *Broadcaster) WithGroup(name string) slog.Handler {
	return &Broadcaster{
		inner: b.inner.WithGroup(name),
		attrs: b.attrs,
		hub:   b.hub,
	}
}

// publish serializa o registro e entrega a cada assinante sem bloquear.
func (h *subscriberHub) publish(record slog.Record, base []slog.Attr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) == 0 {
		return
	}

	entry := LogEntry{
		Time:    record.Time.Format(time.RFC3339),
		Level:   record.Level.String(),
		Message: record.Message,
	}
	attrs := make(map[string]any)
	for _, a := range base {
		attrs[a.Key] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			// Assinante lento: descarta o registro
		}
	}
}
