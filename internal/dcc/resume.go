// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"net"
	"sync"
	"time"
)

// ResumeOffer é um resume pendente: o agent emitiu DCC RESUME e aguarda o
// DCC ACCEPT do peer. O Transfer embutido já carrega offset e caminho.
type ResumeOffer struct {
	PeerAddr   net.IP
	PeerPort   int
	Filename   string
	LocalPath  string
	RemoteSize int64
	Position   int64
	UseSSL     bool
	Completed  bool
	OfferedAt  time.Time

	Transfer *Transfer
}

// ResumeQueue guarda os resumes pendentes por nick do sender, em ordem de
// inserção. O match do ACCEPT é exato em (porta, posição).
type ResumeQueue struct {
	mu     sync.Mutex
	byNick map[string][]*ResumeOffer
}

// NewResumeQueue cria uma fila de resume vazia.
func NewResumeQueue() *ResumeQueue {
	return &ResumeQueue{byNick: make(map[string][]*ResumeOffer)}
}

// Add registra um resume pendente para o nick.
func (q *ResumeQueue) Add(nick string, offer *ResumeOffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if offer.OfferedAt.IsZero() {
		offer.OfferedAt = time.Now()
	}
	q.byNick[nick] = append(q.byNick[nick], offer)
}

// Take remove e retorna o resume do nick com (porta, posição) exatos.
// Retorna false quando não há match; o caller loga e ignora o ACCEPT.
func (q *ResumeQueue) Take(nick string, port int, position int64) (*ResumeOffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	offers, ok := q.byNick[nick]
	if !ok {
		return nil, false
	}
	for i, offer := range offers {
		if offer.PeerPort == port && offer.Position == position {
			q.byNick[nick] = append(offers[:i], offers[i+1:]...)
			if len(q.byNick[nick]) == 0 {
				delete(q.byNick, nick)
			}
			return offer, true
		}
	}
	return nil, false
}

// Has retorna se existe algum resume pendente para o nick.
func (q *ResumeQueue) Has(nick string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byNick[nick]) > 0
}

// Len retorna o total de resumes pendentes.
func (q *ResumeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, offers := range q.byNick {
		n += len(offers)
	}
	return n
}

// Expire descarta resumes mais antigos que maxAge e retorna quantos
// foram removidos.
func (q *ResumeQueue) Expire(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for nick, offers := range q.byNick {
		kept := offers[:0]
		for _, offer := range offers {
			if offer.OfferedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, offer)
		}
		if len(kept) == 0 {
			delete(q.byNick, nick)
		} else {
			q.byNick[nick] = kept
		}
	}
	return removed
}
