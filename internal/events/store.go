// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Store combina um Ring (in-memory) com persistência em arquivo JSONL.
// Cada Push() faz append de uma linha JSON ao arquivo. No startup, as
// últimas entradas são carregadas para popular o ring buffer.
//
// Rotação: quando o arquivo excede maxLines, reescreve mantendo as
// últimas maxLines/2 linhas; o trecho deslocado vai comprimido para
// <path>.1.gz. Isso evita crescimento indefinido sem perder histórico.
type Store struct {
	ring      *Ring
	file      *os.File
	mu        sync.Mutex // protege writes e rotação no arquivo
	maxLines  int
	lineCount int
	path      string
}

// NewStore abre (ou cria) o arquivo JSONL e carrega as últimas entradas
// para o ring. ringCap define a capacidade in-memory, maxLines define
// quando o arquivo rotaciona.
func NewStore(path string, ringCap, maxLines int) (*Store, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	ring := NewRing(ringCap)

	entries, lineCount, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}

	start := 0
	if len(entries) > ringCap {
		start = len(entries) - ringCap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}

	return &Store{
		ring:      ring,
		file:      f,
		maxLines:  maxLines,
		lineCount: lineCount,
		path:      path,
	}, nil
}

// loadJSONL lê o arquivo JSONL e retorna as entradas válidas.
// Linhas malformadas são ignoradas silenciosamente.
func loadJSONL(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []Entry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // ignora linhas corrompidas
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// Push adiciona um evento ao ring e persiste no arquivo JSONL. O
// timestamp é preenchido aqui para a mesma entrada ir ao ring e ao
// arquivo, mesmo com Push concorrente.
func (s *Store) Push(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	s.ring.Push(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// PushEvent é um helper para criar e inserir um evento com campos comuns.
func (s *Store) PushEvent(level, eventType, server, nick, filename, message string) {
	s.Push(Entry{
		Level:    level,
		Type:     eventType,
		Server:   server,
		Nick:     nick,
		Filename: filename,
		Message:  message,
	})
}

// Recent retorna os últimos N eventos em ordem cronológica.
func (s *Store) Recent(limit int) []Entry {
	return s.ring.Recent(limit)
}

// Len retorna o número de eventos no ring in-memory.
func (s *Store) Len() int {
	return s.ring.Len()
}

// Close fecha o file handle do arquivo JSONL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate mantém as últimas maxLines/2 linhas do arquivo e comprime o
// trecho deslocado em <path>.1.gz. Deve ser chamada com s.mu travado.
func (s *Store) rotate() {
	keep := s.maxLines / 2

	entries, _, err := loadJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}

	displaced := entries[:len(entries)-keep]
	entries = entries[len(entries)-keep:]

	s.archive(displaced)

	s.file.Close()

	f, err := os.Create(s.path)
	if err != nil {
		// Tenta reabrir em modo append para não perder o handle
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		return
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	s.lineCount = len(entries)
}

// archive grava as entradas deslocadas pela rotação em <path>.1.gz,
// substituindo o arquivo anterior.
func (s *Store) archive(displaced []Entry) {
	if len(displaced) == 0 {
		return
	}

	f, err := os.Create(s.path + ".1.gz")
	if err != nil {
		return
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	w := bufio.NewWriter(gz)
	for _, e := range displaced {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
}
