// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"regexp"
	"strings"
	"time"
)

// Dialeto de anúncios de bots XDCC. O matching é best-effort: mensagens
// que não casam são simplesmente ignoradas.
var (
	packAnnounceRe      = regexp.MustCompile(`(?i)\*\*\s*sending you pack #?\d+[^(]*\("?([^")]+)"?\).*md5:\s*([0-9a-f]{32})`)
	transferCompletedRe = regexp.MustCompile(`(?i)\*\*\s*transfer completed.*md5sum:\s*([0-9a-f]{32})`)
	sendDeniedRe        = regexp.MustCompile(`(?i)xdcc send denied,\s*(.*)`)

	nickservSuccessRe = regexp.MustCompile(`(?i)(you are now identified|password accepted|you are successfully identified)`)
)

// handleMessage trata PRIVMSG/NOTICE genéricos: confirmação do NickServ,
// anúncios de packs, conclusões com md5 e recusas de XDCC SEND.
func (s *Session) handleMessage(nick, text string) {
	if strings.EqualFold(nick, "NickServ") {
		if nickservSuccessRe.MatchString(text) {
			s.setAuthenticated()
		}
		return
	}

	s.touchBotChannels(nick)

	if m := packAnnounceRe.FindStringSubmatch(text); m != nil {
		filename, md5 := m[1], strings.ToLower(m[2])
		s.logger.Info("pack announced", "nick", nick, "filename", filename, "md5", md5)
		s.registry.Announce(s.server, nick, filename, md5)
		return
	}

	if m := transferCompletedRe.FindStringSubmatch(text); m != nil {
		md5 := strings.ToLower(m[1])
		s.logger.Info("transfer completion announced", "nick", nick, "md5", md5)
		s.registry.AttachMD5(s.server, nick, md5)
		return
	}

	if m := sendDeniedRe.FindStringSubmatch(text); m != nil {
		s.logger.Error("XDCC SEND denied", "nick", nick, "reason", strings.TrimSpace(m[1]))
		return
	}
}

// touchBotChannels atualiza o last-active dos canais pelos quais o agent
// alcançou este nick, para os sweeps de idle não os derrubarem no meio de
// uma conversa com o bot.
func (s *Session) touchBotChannels(nick string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	channels, ok := s.botChannelMap[strings.ToLower(nick)]
	if !ok {
		return
	}
	for ch := range channels {
		if _, joined := s.joinedChannels[ch]; joined {
			s.joinedChannels[ch] = now
		}
	}
	s.lastActive = now
}
