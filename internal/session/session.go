// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session mantém uma conexão IRC por servidor: handlers de eventos,
// gate de autenticação NickServ, fila serial de comandos, canais joinados e
// os transfers DCC em andamento.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	irc "github.com/fluffle/goirc/client"

	"github.com/nishisan-dev/dccagent/internal/config"
	"github.com/nishisan-dev/dccagent/internal/dcc"
)

// Version é anunciada em respostas CTCP VERSION.
const Version = "dccagent 1.0"

// authTimeout limita a espera pelo login do NickServ antes do consumer de
// comandos prosseguir mesmo assim.
const authTimeout = 10 * time.Second

// commandQueueSize é a capacidade da fila de comandos por sessão.
const commandQueueSize = 128

// ircClient é o subconjunto do goirc usado pela sessão. Existe para os
// testes injetarem um cliente fake.
type ircClient interface {
	Connect() error
	Join(channel string, key ...string)
	Part(channel string, message ...string)
	Privmsg(target, msg string)
	Ctcp(target, ctcp string, args ...string)
	CtcpReply(target, ctcp string, args ...string)
	Quit(message ...string)
}

var _ ircClient = (*irc.Conn)(nil)

// Registry é o que a sessão precisa do manager: o histórico compartilhado
// de transfers e a reconciliação com anúncios de packs.
type Registry interface {
	// Announce pré-registra um pack anunciado pelo bot, com o MD5.
	Announce(server, nick, filename, md5 string)
	// Register adiciona um transfer ao histórico, reconciliando com um
	// anúncio recente do mesmo (server, nick, filename).
	Register(t *dcc.Transfer)
	// HasActive retorna se já existe transfer conectado com o par
	// (filename, size); ofertas duplicadas são rejeitadas.
	HasActive(filename string, size int64) bool
	// Finished é chamado quando um transfer atinge estado terminal.
	Finished(t *dcc.Transfer)
	// AttachMD5 anexa um md5 anunciado ao completed mais recente do nick.
	AttachMD5(server, nick, md5 string)
}

// Params agrupa as dependências de uma sessão.
type Params struct {
	Server   string
	Config   *config.ServerConfig
	Global   *config.Config
	Registry Registry
	Logger   *slog.Logger
}

// Session é uma conexão com um servidor IRC e todo o estado que ela
// possui: canais, fila de comandos, transfers e resumes pendentes.
type Session struct {
	server   string
	nick     string
	cfg      *config.ServerConfig
	global   *config.Config
	registry Registry
	logger   *slog.Logger

	client ircClient
	conn   *irc.Conn

	mu               sync.Mutex
	joinedChannels   map[string]time.Time
	bannedChannels   map[string]struct{}
	botChannelMap    map[string]map[string]struct{}
	currentTransfers map[string]*dcc.Transfer
	logClosers       map[string]io.Closer
	lastActive       time.Time
	authenticated    bool
	connected        bool

	authOnce sync.Once
	authCh   chan struct{}

	consumerOnce sync.Once
	commands     chan Command

	resume *dcc.ResumeQueue

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New cria a sessão e registra os handlers IRC. A conexão só é aberta em
// Connect.
func New(p Params) *Session {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nick := p.Config.Nick
	if p.Config.RandomNick {
		nick = fmt.Sprintf("%s%03d", nick, rand.Intn(1000))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		server:           p.Server,
		nick:             nick,
		cfg:              p.Config,
		global:           p.Global,
		registry:         p.Registry,
		logger:           logger.With("component", "session", "server", p.Server),
		joinedChannels:   make(map[string]time.Time),
		bannedChannels:   make(map[string]struct{}),
		botChannelMap:    make(map[string]map[string]struct{}),
		currentTransfers: make(map[string]*dcc.Transfer),
		logClosers:       make(map[string]io.Closer),
		lastActive:       time.Now(),
		authCh:           make(chan struct{}),
		commands:         make(chan Command, commandQueueSize),
		resume:           dcc.NewResumeQueue(),
		ctx:              ctx,
		cancel:           cancel,
	}

	cfg := irc.NewConfig(nick)
	cfg.Server = net.JoinHostPort(p.Server, strconv.Itoa(p.Config.IRCPort()))
	cfg.SSL = p.Config.UseTLS
	if p.Config.UseTLS {
		cfg.SSLConfig = &tls.Config{
			ServerName:         p.Server,
			InsecureSkipVerify: !p.Config.VerifyTLS(),
		}
	}
	cfg.Version = Version
	cfg.NewNick = func(n string) string { return fmt.Sprintf("%s%03d", n, rand.Intn(1000)) }

	conn := irc.Client(cfg)
	s.conn = conn
	s.client = conn
	s.registerHandlers(conn)
	return s
}

func (s *Session) registerHandlers(conn *irc.Conn) {
	conn.HandleFunc(irc.CONNECTED, func(_ *irc.Conn, _ *irc.Line) { s.handleWelcome() })
	conn.HandleFunc(irc.DISCONNECTED, func(_ *irc.Conn, _ *irc.Line) { s.handleDisconnected() })

	conn.HandleFunc(irc.JOIN, func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) > 0 {
			s.handleJoin(line.Nick, line.Args[0])
		}
	})
	conn.HandleFunc(irc.PART, func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) > 0 {
			s.handlePart(line.Nick, line.Args[0])
		}
	})
	conn.HandleFunc(irc.KICK, func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) > 1 {
			s.handleKick(line.Args[0], line.Args[1])
		}
	})

	// 474: banned from channel; 477: canal sem modos (inalcançável)
	conn.HandleFunc("474", func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) > 1 {
			s.handleBanned(line.Args[1])
		}
	})
	conn.HandleFunc("477", func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) > 1 {
			s.handleNoChanModes(line.Args[1])
		}
	})
	// 401: no-such-nick, tipicamente um PRIVMSG para um bot offline
	conn.HandleFunc("401", func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) > 1 {
			s.handleNoSuchNick(line.Args[1])
		}
	})

	conn.HandleFunc(irc.CTCP, func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) == 0 {
			return
		}
		s.handleCTCP(line.Nick, line.Args[0], line.Text())
	})

	conn.HandleFunc(irc.PRIVMSG, func(_ *irc.Conn, line *irc.Line) {
		s.handleMessage(line.Nick, line.Text())
	})
	conn.HandleFunc(irc.NOTICE, func(_ *irc.Conn, line *irc.Line) {
		s.handleMessage(line.Nick, line.Text())
	})
}

// Connect abre a conexão IRC. O goirc mantém as goroutines de leitura e
// escrita internamente.
func (s *Session) Connect() error {
	s.logger.Info("connecting to IRC server", "nick", s.nick, "tls", s.cfg.UseTLS)
	return s.client.Connect()
}

// Server retorna o servidor desta sessão.
func (s *Session) Server() string { return s.server }

// Nick retorna o nick em uso.
func (s *Session) Nick() string { return s.nick }

func (s *Session) handleWelcome() {
	s.mu.Lock()
	s.connected = true
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.logger.Info("connected to IRC server", "nick", s.nick)

	if s.cfg.NickservPassword != "" {
		s.client.Privmsg("NickServ", "IDENTIFY "+s.cfg.NickservPassword)
	} else {
		// Sem NickServ configurado não há gate a esperar
		s.setAuthenticated()
	}

	s.consumerOnce.Do(func() {
		s.wg.Add(1)
		go s.consume()
	})

	if len(s.cfg.Channels) > 0 {
		s.EnqueueJoin(s.cfg.Channels)
	}
}

func (s *Session) handleDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Warn("disconnected from IRC server")
}

func (s *Session) handleJoin(nick, channel string) {
	if !strings.EqualFold(nick, s.nick) {
		return
	}
	channel = normalizeChannel(channel)
	s.mu.Lock()
	s.joinedChannels[channel] = time.Now()
	delete(s.bannedChannels, channel)
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.logger.Info("joined channel", "channel", channel)
}

func (s *Session) handlePart(nick, channel string) {
	if !strings.EqualFold(nick, s.nick) {
		return
	}
	channel = normalizeChannel(channel)
	s.mu.Lock()
	delete(s.joinedChannels, channel)
	s.mu.Unlock()
	s.logger.Info("parted channel", "channel", channel)
}

func (s *Session) handleKick(channel, target string) {
	if !strings.EqualFold(target, s.nick) {
		return
	}
	channel = normalizeChannel(channel)
	s.mu.Lock()
	delete(s.joinedChannels, channel)
	s.mu.Unlock()
	s.logger.Warn("kicked from channel", "channel", channel)
}

func (s *Session) handleBanned(channel string) {
	channel = normalizeChannel(channel)
	s.mu.Lock()
	delete(s.joinedChannels, channel)
	s.bannedChannels[channel] = struct{}{}
	s.mu.Unlock()
	s.logger.Warn("banned from channel", "channel", channel)
}

func (s *Session) handleNoChanModes(channel string) {
	channel = normalizeChannel(channel)
	s.mu.Lock()
	delete(s.joinedChannels, channel)
	s.mu.Unlock()
	s.logger.Warn("channel does not support modes, treating as unreachable", "channel", channel)
}

func (s *Session) handleNoSuchNick(target string) {
	s.logger.Error("no such nick", "target", target)
}

func (s *Session) handleCTCP(nick, verb, text string) {
	switch strings.ToUpper(verb) {
	case "DCC":
		s.handleDCC(nick, text)
	case "VERSION":
		s.client.CtcpReply(nick, "VERSION", Version)
	default:
		// PING e demais CTCPs caem no tratamento genérico de mensagens
		s.handleMessage(nick, text)
	}
}

// setAuthenticated marca o login NickServ como concluído e libera o gate
// do consumer. Monotônico: só transiciona false→true.
func (s *Session) setAuthenticated() {
	s.authOnce.Do(func() {
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		close(s.authCh)
		s.logger.Info("session authenticated")
	})
}

// Authenticated retorna se o login NickServ já foi confirmado.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Connected retorna se a sessão está conectada ao servidor.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// JoinedChannels retorna os canais atualmente joinados.
func (s *Session) JoinedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joinedChannels))
	for ch := range s.joinedChannels {
		out = append(out, ch)
	}
	return out
}

// Banned retorna se a sessão está banida do canal.
func (s *Session) Banned(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bannedChannels[normalizeChannel(channel)]
	return ok
}

// ActiveTransfers retorna quantos transfers a sessão acompanha.
func (s *Session) ActiveTransfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.currentTransfers)
}

// QueueLen retorna o tamanho atual da fila de comandos.
func (s *Session) QueueLen() int { return len(s.commands) }

// LastActive retorna o último momento de atividade da sessão.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Idle retorna se a sessão pode ser descartada: sem canais, sem
// transfers, fila vazia e inativa há mais que maxIdle.
func (s *Session) Idle(maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joinedChannels) == 0 &&
		len(s.currentTransfers) == 0 &&
		len(s.commands) == 0 &&
		time.Since(s.lastActive) > maxIdle
}

// SweepIdleChannels sai dos canais inativos há mais que maxIdle.
func (s *Session) SweepIdleChannels(maxIdle time.Duration) {
	s.mu.Lock()
	var idle []string
	for ch, ts := range s.joinedChannels {
		if time.Since(ts) > maxIdle {
			idle = append(idle, ch)
			delete(s.joinedChannels, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range idle {
		s.logger.Info("parting idle channel", "channel", ch)
		s.client.Part(ch, "Idle timeout")
	}
}

// ExpireResumes descarta resumes pendentes mais antigos que maxAge.
func (s *Session) ExpireResumes(maxAge time.Duration) {
	if removed := s.resume.Expire(maxAge); removed > 0 {
		s.logger.Info("expired pending resume offers", "count", removed)
	}
}

// Cancel encerra o transfer em andamento de (nick, filename) com a razão
// dada. Retorna false quando não há transfer correspondente.
func (s *Session) Cancel(nick, filename, reason string) bool {
	s.mu.Lock()
	var match *dcc.Transfer
	for _, t := range s.currentTransfers {
		if t.Matches(s.server, nick, filename) && t.Status() == dcc.StatusInProgress {
			match = t
			break
		}
	}
	s.mu.Unlock()

	if match == nil {
		return false
	}
	return match.Cancel(reason)
}

// Disconnect encerra a sessão: cancela transfers, para o consumer e envia
// QUIT com a razão dada.
func (s *Session) Disconnect(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		transfers := make([]*dcc.Transfer, 0, len(s.currentTransfers))
		for _, t := range s.currentTransfers {
			transfers = append(transfers, t)
		}
		s.mu.Unlock()

		for _, t := range transfers {
			t.Cancel(reason)
		}

		s.cancel()
		s.client.Quit(reason)
		s.logger.Info("session disconnected", "reason", reason)
	})
	s.wg.Wait()
}

// NetworkView é a visão serializável de uma sessão para snapshots.
type NetworkView struct {
	Server        string   `json:"server"`
	Nick          string   `json:"nick"`
	Connected     bool     `json:"connected"`
	Authenticated bool     `json:"authenticated"`
	Channels      []string `json:"channels"`
	Transfers     int      `json:"transfers"`
	QueuedCmds    int      `json:"queued_commands"`
}

// View captura o estado atual da sessão.
func (s *Session) View() NetworkView {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]string, 0, len(s.joinedChannels))
	for ch := range s.joinedChannels {
		channels = append(channels, ch)
	}
	return NetworkView{
		Server:        s.server,
		Nick:          s.nick,
		Connected:     s.connected,
		Authenticated: s.authenticated,
		Channels:      channels,
		Transfers:     len(s.currentTransfers),
		QueuedCmds:    len(s.commands),
	}
}

// normalizeChannel aplica a normalização de nomes de canal: lowercase e
// prefixo '#' quando ausente.
func normalizeChannel(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel != "" && !strings.HasPrefix(channel, "#") && !strings.HasPrefix(channel, "&") {
		channel = "#" + channel
	}
	return channel
}
