// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/dccagent/internal/dcc"
	"github.com/nishisan-dev/dccagent/internal/logging"
)

// handleDCC despacha um CTCP DCC recebido: SEND/SSEND abrem (ou resumem)
// um transfer, ACCEPT fecha o handshake de resume. Ofertas inválidas são
// logadas e ignoradas sem resposta ao peer.
func (s *Session) handleDCC(nick, text string) {
	args := dcc.SplitArgs(text)
	if len(args) == 0 {
		return
	}

	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "SEND", "SSEND":
		s.handleDCCSend(nick, args)
	case "ACCEPT":
		s.handleDCCAccept(nick, args)
	default:
		s.logger.Debug("ignoring unsupported DCC verb", "verb", args[0], "nick", nick)
	}
}

func (s *Session) handleDCCSend(nick string, args []string) {
	policy := dcc.SendPolicy{
		DownloadDir:     s.global.DownloadPath,
		MaxFileSize:     int64(s.global.MaxFileSize),
		AllowPrivateIPs: s.global.AllowPrivateIPs,
	}

	offer, err := dcc.ParseSendOffer(args, policy)
	if err != nil {
		s.logger.Warn("rejecting DCC offer", "nick", nick, "error", err)
		return
	}

	if s.registry.HasActive(offer.Filename, offer.Size) {
		s.logger.Warn("rejecting duplicate DCC offer", "nick", nick, "filename", offer.Filename, "size", offer.Size)
		return
	}

	targetPath, err := dcc.ResolvePath(s.global.DownloadPath, offer.Filename)
	if err != nil {
		s.logger.Warn("rejecting DCC offer", "nick", nick, "error", err)
		return
	}
	filePath := targetPath
	if s.global.IncompleteSuffix != "" {
		filePath = targetPath + s.global.IncompleteSuffix
	}

	// Um arquivo local parcial (no caminho final ou no de incompleto)
	// dispara o handshake de resume.
	existingPath, localSize := localFileSize(targetPath, filePath)
	if localSize > offer.Size {
		s.logger.Warn("local file is larger than the offered size, rejecting",
			"nick", nick, "filename", offer.Filename, "local", localSize, "remote", offer.Size)
		return
	}

	if localSize > 0 {
		s.requestResume(nick, offer, existingPath, targetPath, localSize)
		return
	}

	t := dcc.New(dcc.Params{
		Server:           s.server,
		Nick:             nick,
		PeerAddr:         offer.IP,
		PeerPort:         offer.Port,
		Filename:         offer.Filename,
		FilePath:         filePath,
		TargetPath:       targetPath,
		Size:             offer.Size,
		UseSSL:           offer.UseSSL,
		AllowedMimetypes: s.global.AllowedMimetypes,
		MaxRate:          int64(s.global.MaxTransferRate),
		Logger:           s.logger,
		OnDone:           s.transferDone,
		OnProgress:       s.transferProgress,
	})
	s.startTransfer(t)
}

// requestResume emite CTCP DCC RESUME e deixa a oferta pendente até o
// ACCEPT do peer. Quando o arquivo local já está completo, o resume é
// pedido nos últimos 4 KiB só para levar o sender ao estado "done"; os
// bytes re-recebidos são contados mas não gravados.
func (s *Session) requestResume(nick string, offer *dcc.SendOffer, existingPath, targetPath string, localSize int64) {
	completed := localSize == offer.Size
	position := localSize
	if completed {
		position = offer.Size - dcc.CompletedTickleBytes
		if position < 0 {
			position = 0
		}
	}

	t := dcc.New(dcc.Params{
		Server:           s.server,
		Nick:             nick,
		PeerAddr:         offer.IP,
		PeerPort:         offer.Port,
		Filename:         offer.Filename,
		FilePath:         existingPath,
		TargetPath:       targetPath,
		Size:             offer.Size,
		Offset:           position,
		UseSSL:           offer.UseSSL,
		Completed:        completed,
		AllowedMimetypes: s.global.AllowedMimetypes,
		MaxRate:          int64(s.global.MaxTransferRate),
		Logger:           s.logger,
		OnDone:           s.transferDone,
		OnProgress:       s.transferProgress,
	})

	s.resume.Add(nick, &dcc.ResumeOffer{
		PeerAddr:   offer.IP,
		PeerPort:   offer.Port,
		Filename:   offer.Filename,
		LocalPath:  existingPath,
		RemoteSize: offer.Size,
		Position:   position,
		UseSSL:     offer.UseSSL,
		Completed:  completed,
		Transfer:   t,
	})

	s.logger.Info("requesting DCC resume",
		"nick", nick, "filename", offer.Filename, "position", position, "completed", completed)
	s.client.Ctcp(nick, "DCC",
		fmt.Sprintf("RESUME %s %d %d", dcc.QuoteFilename(offer.Filename), offer.Port, position))
}

func (s *Session) handleDCCAccept(nick string, args []string) {
	filename, port, position, err := dcc.ParseAccept(args)
	if err != nil {
		s.logger.Warn("ignoring malformed DCC ACCEPT", "nick", nick, "error", err)
		return
	}

	offer, ok := s.resume.Take(nick, port, position)
	if !ok {
		s.logger.Warn("no matching resume offer for DCC ACCEPT",
			"nick", nick, "filename", filename, "port", port, "position", position)
		return
	}

	s.logger.Info("resume accepted by peer", "nick", nick, "filename", offer.Filename, "position", position)
	s.startTransfer(offer.Transfer)
}

// startTransfer registra o transfer no histórico do manager, anexa o
// arquivo de log dedicado (quando configurado) e inicia o loop de dados
// numa goroutine própria.
func (s *Session) startTransfer(t *dcc.Transfer) {
	s.registry.Register(t)

	if dir := s.global.Logging.TransferDir; dir != "" {
		tl, closer, path, err := logging.NewTransferLogger(s.logger, dir, s.server, t.ID)
		if err != nil {
			s.logger.Warn("failed to create transfer log", "filename", t.Filename(), "error", err)
		} else {
			t.SetLogger(tl)
			s.mu.Lock()
			s.logClosers[t.ID] = closer
			s.mu.Unlock()
			s.logger.Debug("transfer log attached", "path", path)
		}
	}

	s.mu.Lock()
	s.currentTransfers[t.ID] = t
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.Run(s.ctx)
	}()
}

// transferProgress mantém vivos os canais pelos quais o bot foi
// alcançado enquanto o transfer anda; sem isso um download mais longo
// que o channel_idle_timeout teria o canal partido no meio (e muitos
// bots XDCC abortam o envio quando o requisitante sai do canal).
func (s *Session) transferProgress(t *dcc.Transfer) {
	s.touchBotChannels(t.Nick())
}

// transferDone retira o transfer do mapa da sessão, fecha o arquivo de
// log dedicado (descartando-o se o transfer completou) e avisa o manager.
func (s *Session) transferDone(t *dcc.Transfer) {
	s.touchBotChannels(t.Nick())
	s.mu.Lock()
	delete(s.currentTransfers, t.ID)
	closer := s.logClosers[t.ID]
	delete(s.logClosers, t.ID)
	s.lastActive = time.Now()
	s.mu.Unlock()

	if closer != nil {
		closer.Close()
		if t.Status() == dcc.StatusCompleted {
			logging.RemoveTransferLog(s.global.Logging.TransferDir, s.server, t.ID)
		}
	}

	s.registry.Finished(t)
}

// localFileSize retorna o primeiro caminho existente entre o final e o de
// incompleto, com o tamanho. Sem arquivo, retorna o caminho final e zero.
func localFileSize(targetPath, incompletePath string) (string, int64) {
	if fi, err := os.Stat(targetPath); err == nil {
		return targetPath, fi.Size()
	}
	if incompletePath != targetPath {
		if fi, err := os.Stat(incompletePath); err == nil {
			return incompletePath, fi.Size()
		}
	}
	return targetPath, 0
}
