// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manager

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/dccagent/internal/dcc"
)

// announceReconcileWindow é a janela para reconciliar um anúncio de pack
// com a oferta DCC subsequente, e para anexar o md5 de conclusão ao
// transfer completado mais recente do mesmo peer.
const announceReconcileWindow = 30 * time.Second

// Registry é o histórico compartilhado de transfers, indexado por
// filename. Um filename pode mapear para vários registros; no máximo um
// conectado por (server, nick, filename).
type Registry struct {
	mu         sync.Mutex
	byFilename map[string][]*dcc.Transfer
	logger     *slog.Logger

	// onFinished é chamado quando um transfer atinge estado terminal.
	onFinished func(*dcc.Transfer)
	// onVerify é chamado para agendar a verificação de MD5 de um
	// transfer completado que tem md5 anunciado.
	onVerify func(*dcc.Transfer)
}

// NewRegistry cria um histórico vazio.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byFilename: make(map[string][]*dcc.Transfer),
		logger:     logger.With("component", "registry"),
	}
}

// Announce pré-registra um pack anunciado ("Sending you pack ...") com o
// MD5; a oferta DCC dentro da janela de reconciliação adota este registro
// em vez de criar um duplicado.
func (r *Registry) Announce(server, nick, filename, md5 string) {
	t := dcc.NewAnnounced(server, nick, filename, md5, r.logger)
	r.mu.Lock()
	r.byFilename[filename] = append(r.byFilename[filename], t)
	r.mu.Unlock()
}

// Register adiciona um transfer ao histórico. Um anúncio recente do mesmo
// (server, nick, filename) é absorvido: o novo registro herda start_time
// e md5 e substitui o anúncio na lista.
func (r *Registry) Register(t *dcc.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filename := t.Filename()
	records := r.byFilename[filename]
	for i, rec := range records {
		if rec == t {
			return // já registrado (retry de ACCEPT não duplica)
		}
		if rec.Size() == 0 && rec.Status() == dcc.StatusStarted &&
			rec.Matches(t.Server(), t.Nick(), filename) &&
			time.Since(rec.StartTime()) <= announceReconcileWindow {
			t.AdoptAnnouncement(rec)
			records[i] = t
			r.logger.Debug("reconciled announced pack with DCC offer",
				"nick", t.Nick(), "filename", filename)
			return
		}
	}
	r.byFilename[filename] = append(records, t)
}

// HasActive retorna se já existe um transfer conectado com o par
// (filename, size).
func (r *Registry) HasActive(filename string, size int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byFilename[filename] {
		if rec.Connected() && rec.Size() == size {
			return true
		}
	}
	return false
}

// Finished propaga o término de um transfer para os hooks do manager.
func (r *Registry) Finished(t *dcc.Transfer) {
	if r.onFinished != nil {
		r.onFinished(t)
	}
	if t.Status() == dcc.StatusCompleted && t.AnnouncedMD5() != "" && r.onVerify != nil {
		r.onVerify(t)
	}
}

// AttachMD5 anexa um md5 anunciado ("Transfer Completed ... md5sum") ao
// transfer completado mais recente do peer que ainda não tem um, dentro
// da janela de reconciliação, e agenda a verificação.
func (r *Registry) AttachMD5(server, nick, md5 string) {
	r.mu.Lock()
	var newest *dcc.Transfer
	for _, records := range r.byFilename {
		for _, rec := range records {
			if rec.Status() != dcc.StatusCompleted || rec.AnnouncedMD5() != "" {
				continue
			}
			if !rec.Matches(server, nick, rec.Filename()) {
				continue
			}
			if time.Since(rec.CompletedAt()) > announceReconcileWindow {
				continue
			}
			if newest == nil || rec.CompletedAt().After(newest.CompletedAt()) {
				newest = rec
			}
		}
	}
	r.mu.Unlock()

	if newest == nil {
		r.logger.Debug("no recent completed transfer to attach md5", "nick", nick)
		return
	}
	newest.SetAnnouncedMD5(md5)
	if r.onVerify != nil {
		r.onVerify(newest)
	}
}

// Prune remove do histórico os registros desconectados cujo start_time é
// mais antigo que a retenção. Retorna quantos foram removidos.
func (r *Registry) Prune(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for filename, records := range r.byFilename {
		kept := records[:0]
		for _, rec := range records {
			if !rec.Connected() && rec.StartTime().Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(r.byFilename, filename)
		} else {
			r.byFilename[filename] = kept
		}
	}
	return removed
}

// Views retorna a visão de todos os registros, ordenada por start_time.
func (r *Registry) Views() []dcc.View {
	r.mu.Lock()
	var views []dcc.View
	for _, records := range r.byFilename {
		for _, rec := range records {
			views = append(views, rec.View())
		}
	}
	r.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].StartTime.Before(views[j].StartTime) })
	return views
}

// Len retorna o total de registros no histórico.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, records := range r.byFilename {
		n += len(records)
	}
	return n
}
