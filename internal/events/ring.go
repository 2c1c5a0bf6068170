// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package events guarda os eventos operacionais do agent: um ring buffer
// in-memory para consulta rápida pela API e um arquivo JSONL rotacionado
// para histórico.
package events

import (
	"sync"
	"time"
)

// Entry é um evento operacional (transfer concluído, sessão criada,
// canal banido, etc).
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Type      string `json:"type"`
	Server    string `json:"server,omitempty"`
	Nick      string `json:"nick,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Message   string `json:"message"`
}

// Ring é um ring buffer thread-safe para eventos operacionais.
// Armazena os últimos N eventos, descartando os mais antigos quando cheio.
type Ring struct {
	mu  sync.RWMutex
	buf []Entry
	pos int // próxima posição de escrita
	cap int
	len int
}

// NewRing cria um ring buffer com capacidade fixa.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring{
		buf: make([]Entry, capacity),
		cap: capacity,
	}
}

// Push adiciona um evento ao buffer, num esquema circular. Timestamp
// vazio é preenchido com o horário atual.
func (r *Ring) Push(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

// Recent retorna os últimos N eventos em ordem cronológica (mais antigo
// primeiro). Se limit <= 0 ou maior que o disponível, retorna todos.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []Entry{}
	}

	out := make([]Entry, 0, n)
	start := (r.pos - n + r.cap*2) % r.cap
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%r.cap])
	}
	return out
}

// Len retorna quantos eventos o ring contém.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len
}
