// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package manager coordena as sessões IRC, o histórico global de
// transfers, o worker de MD5 e os sweeps periódicos de limpeza.
package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/dccagent/internal/config"
	"github.com/nishisan-dev/dccagent/internal/dcc"
	"github.com/nishisan-dev/dccagent/internal/events"
	"github.com/nishisan-dev/dccagent/internal/session"
)

// Cadência do loop de limpeza: tick de 1s, backoff de 10s após um erro.
const (
	cleanupTick    = time.Second
	cleanupBackoff = 10 * time.Second
)

// pruneSchedule dispara a expiração do histórico de transfers.
const pruneSchedule = "@every 1m"

// Manager possui o conjunto de sessões IRC, o histórico de transfers e os
// workers de fundo. É a superfície que o adapter HTTP consome.
type Manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	events   *events.Store
	registry *Registry
	monitor  *SystemMonitor

	mu       sync.Mutex
	sessions map[string]*session.Session

	md5Queue chan *dcc.Transfer
	cron     *cron.Cron

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New cria o manager. store pode ser nil (eventos só em log).
func New(cfg *config.Config, logger *slog.Logger, store *events.Store) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "manager"),
		events:   store,
		sessions: make(map[string]*session.Session),
		md5Queue: make(chan *dcc.Transfer, md5QueueSize),
		stopCh:   make(chan struct{}),
	}
	m.registry = NewRegistry(logger)
	m.registry.onFinished = m.transferFinished
	m.registry.onVerify = m.enqueueMD5
	m.monitor = NewSystemMonitor(cfg.DownloadPath, logger)
	return m
}

// Registry retorna o histórico compartilhado (a interface que as sessões
// consomem).
func (m *Manager) Registry() *Registry { return m.registry }

// Start lança os workers de fundo: MD5, loop de limpeza, prune agendado
// do histórico e o monitor de sistema.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.md5Worker()
	go m.cleanupLoop()

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(pruneSchedule, m.pruneHistory); err != nil {
		m.logger.Error("failed to schedule history prune", "error", err)
	} else {
		c.Start()
		m.cron = c
	}

	m.monitor.Start()
	m.logger.Info("manager started")
}

// GetOrCreateSession resolve (ou cria lazily) a sessão do servidor. Sem
// configuração específica nem default_server_config, retorna erro.
func (m *Manager) GetOrCreateSession(server string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[server]; ok {
		return s, nil
	}

	sc, err := m.cfg.ServerFor(server)
	if err != nil {
		return nil, err
	}

	s := session.New(session.Params{
		Server:   server,
		Config:   sc,
		Global:   m.cfg,
		Registry: m.registry,
		Logger:   m.logger,
	})
	m.sessions[server] = s
	m.pushEvent("info", "session_created", server, "", "", "IRC session created")

	// Erros de conexão deixam a sessão inerte mas registrada; o sweep de
	// idle a descarta depois.
	go func() {
		if err := s.Connect(); err != nil {
			m.logger.Error("IRC connect failed", "server", server, "error", err)
		}
	}()

	return s, nil
}

// Join enfileira a entrada nos canais do servidor.
func (m *Manager) Join(server string, channels []string) error {
	s, err := m.GetOrCreateSession(server)
	if err != nil {
		return err
	}
	return s.EnqueueJoin(channels)
}

// Part enfileira a saída dos canais do servidor.
func (m *Manager) Part(server string, channels []string, reason string) error {
	s, err := m.GetOrCreateSession(server)
	if err != nil {
		return err
	}
	return s.EnqueuePart(channels, reason)
}

// Msg enfileira um PRIVMSG, com canais pré-requisito opcionais.
func (m *Manager) Msg(server, user, message string, channels []string) error {
	s, err := m.GetOrCreateSession(server)
	if err != nil {
		return err
	}
	return s.EnqueueSend(user, message, channels)
}

// Cancel encerra um transfer em andamento. Retorna false quando nenhuma
// sessão tem transfer correspondente.
func (m *Manager) Cancel(server, nick, filename string) bool {
	m.mu.Lock()
	s, ok := m.sessions[server]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !s.Cancel(nick, filename, "Cancelled by user") {
		return false
	}
	m.pushEvent("info", "transfer_cancelled", server, nick, filename, "Cancelled by user")
	return true
}

// Snapshot é a visão corrente de redes e transfers para a API.
type Snapshot struct {
	Networks  []session.NetworkView `json:"networks"`
	Transfers []dcc.View            `json:"transfers"`
	System    SystemStats           `json:"system"`
}

// Snapshot captura a visão corrente de redes, transfers e sistema.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	networks := make([]session.NetworkView, 0, len(m.sessions))
	for _, s := range m.sessions {
		networks = append(networks, s.View())
	}
	m.mu.Unlock()

	return Snapshot{
		Networks:  networks,
		Transfers: m.registry.Views(),
		System:    m.monitor.Stats(),
	}
}

// RecentEvents retorna os últimos eventos operacionais.
func (m *Manager) RecentEvents(limit int) []events.Entry {
	if m.events == nil {
		return []events.Entry{}
	}
	return m.events.Recent(limit)
}

// Shutdown encerra todas as sessões e os workers de fundo.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.logger.Info("shutting down")

		m.mu.Lock()
		sessions := make([]*session.Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[string]*session.Session)
		m.mu.Unlock()

		for _, s := range sessions {
			s.Disconnect("Shutting down")
		}

		if m.cron != nil {
			<-m.cron.Stop().Done()
		}
		close(m.stopCh)
		m.wg.Wait()
		m.monitor.Stop()
	})
}

// cleanupLoop roda o sweep periódico: tick de 1s e backoff de 10s quando
// um passo falha.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(cleanupTick):
		}

		if err := m.cleanupOnce(); err != nil {
			m.logger.Error("cleanup pass failed, backing off", "error", err)
			select {
			case <-m.stopCh:
				return
			case <-time.After(cleanupBackoff):
			}
		}
	}
}

// cleanupOnce descarta sessões ociosas ("Idle timeout") e delega a
// limpeza por sessão (canais ociosos, resumes expirados).
func (m *Manager) cleanupOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()

	m.mu.Lock()
	type pair struct {
		server string
		s      *session.Session
	}
	all := make([]pair, 0, len(m.sessions))
	for server, s := range m.sessions {
		all = append(all, pair{server, s})
	}
	m.mu.Unlock()

	for _, p := range all {
		if p.s.Idle(m.cfg.ServerIdle()) {
			m.logger.Info("dropping idle session", "server", p.server)
			p.s.Disconnect("Idle timeout")
			m.mu.Lock()
			delete(m.sessions, p.server)
			m.mu.Unlock()
			m.pushEvent("info", "session_idle", p.server, "", "", "Idle timeout")
			continue
		}
		p.s.SweepIdleChannels(m.cfg.ChannelIdle())
		p.s.ExpireResumes(m.cfg.ResumeExpiry())
	}
	return nil
}

// pruneHistory expira registros do histórico mais antigos que a retenção.
func (m *Manager) pruneHistory() {
	if removed := m.registry.Prune(m.cfg.TransferRetention()); removed > 0 {
		m.logger.Info("pruned transfer history", "removed", removed)
	}
}

// transferFinished publica o evento do estado terminal de um transfer.
func (m *Manager) transferFinished(t *dcc.Transfer) {
	status := t.Status()
	switch status {
	case dcc.StatusCompleted:
		m.pushEvent("info", "transfer_completed", t.Server(), t.Nick(), t.Filename(), t.FilePath())
	case dcc.StatusCancelled:
		m.pushEvent("info", "transfer_cancelled", t.Server(), t.Nick(), t.Filename(), t.Error())
	default:
		m.pushEvent("error", "transfer_"+string(status), t.Server(), t.Nick(), t.Filename(), t.Error())
	}
}

func (m *Manager) pushEvent(level, eventType, server, nick, filename, message string) {
	if m.events == nil {
		return
	}
	m.events.PushEvent(level, eventType, server, nick, filename, message)
}
