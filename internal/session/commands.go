// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CommandKind identifica um comando de controle.
type CommandKind string

const (
	CommandJoin CommandKind = "join"
	CommandPart CommandKind = "part"
	CommandSend CommandKind = "send"
)

// Command é um item da fila serial de comandos da sessão.
type Command struct {
	Kind     CommandKind
	Channels []string
	Reason   string
	User     string
	Message  string
}

// Parâmetros da espera de join: até 10 polls de 1s por lote de canais.
const (
	joinWaitAttempts = 10
	joinWaitInterval = time.Second
)

// xdccSendRe reconhece comandos XDCC de saída reescrevíveis para a
// variante TLS (send→ssend, batch→sbatch).
var xdccSendRe = regexp.MustCompile(`(?i)^xdcc (send|batch) `)

// Enqueue adiciona um comando à fila da sessão. Retorna erro com a fila
// cheia; o caller devolve o erro ao operador.
func (s *Session) Enqueue(cmd Command) error {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()

	select {
	case s.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("command queue is full for server %s", s.server)
	}
}

// EnqueueJoin enfileira um join dos canais dados.
func (s *Session) EnqueueJoin(channels []string) error {
	return s.Enqueue(Command{Kind: CommandJoin, Channels: channels})
}

// EnqueuePart enfileira um part dos canais dados.
func (s *Session) EnqueuePart(channels []string, reason string) error {
	return s.Enqueue(Command{Kind: CommandPart, Channels: channels, Reason: reason})
}

// EnqueueSend enfileira um PRIVMSG para um usuário, com canais
// pré-requisito opcionais.
func (s *Session) EnqueueSend(user, message string, channels []string) error {
	return s.Enqueue(Command{Kind: CommandSend, User: user, Message: message, Channels: channels})
}

// consume é o consumer serial da fila: espera o gate de autenticação até
// authTimeout e então processa comandos até a sessão encerrar.
func (s *Session) consume() {
	defer s.wg.Done()

	select {
	case <-s.authCh:
	case <-time.After(authTimeout):
		s.logger.Warn("NickServ authentication timed out, proceeding without it")
	case <-s.ctx.Done():
		return
	}

	for {
		select {
		case cmd := <-s.commands:
			s.execute(cmd)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) execute(cmd Command) {
	switch cmd.Kind {
	case CommandJoin:
		s.executeJoin(cmd.Channels)
	case CommandPart:
		s.executePart(cmd.Channels, cmd.Reason)
	case CommandSend:
		s.executeSend(cmd.User, cmd.Message, cmd.Channels)
	default:
		s.logger.Warn("ignoring unknown command", "kind", string(cmd.Kind))
	}
}

// executeJoin emite JOIN para os canais e seus companheiros (also_join) e
// espera a confirmação. Falhas de join são logadas, nunca param a fila.
func (s *Session) executeJoin(channels []string) {
	wanted := s.issueJoins(channels)
	if missing := s.waitForChannels(wanted); len(missing) > 0 {
		s.logger.Warn("channels not joined within wait window", "channels", missing)
	}
}

// issueJoins emite os JOINs (com companheiros) e retorna a lista
// normalizada de canais esperados.
func (s *Session) issueJoins(channels []string) []string {
	var wanted []string
	seen := make(map[string]struct{})

	add := func(ch string) {
		ch = normalizeChannel(ch)
		if ch == "" {
			return
		}
		if _, dup := seen[ch]; dup {
			return
		}
		seen[ch] = struct{}{}
		wanted = append(wanted, ch)
		s.client.Join(ch)
	}

	for _, ch := range channels {
		add(ch)
		for _, companion := range s.cfg.AlsoJoin[normalizeChannel(ch)] {
			add(companion)
		}
	}
	return wanted
}

// waitForChannels espera os canais aparecerem em joinedChannels, com até
// joinWaitAttempts polls. Retorna os que não confirmaram.
func (s *Session) waitForChannels(channels []string) []string {
	for attempt := 0; attempt < joinWaitAttempts; attempt++ {
		if len(s.missingChannels(channels)) == 0 {
			return nil
		}
		select {
		case <-time.After(joinWaitInterval):
		case <-s.ctx.Done():
			return s.missingChannels(channels)
		}
	}
	return s.missingChannels(channels)
}

func (s *Session) missingChannels(channels []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, ch := range channels {
		if _, ok := s.joinedChannels[ch]; !ok {
			missing = append(missing, ch)
		}
	}
	return missing
}

func (s *Session) executePart(channels []string, reason string) {
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		s.mu.Lock()
		_, joined := s.joinedChannels[ch]
		s.mu.Unlock()
		if !joined {
			continue
		}
		if reason != "" {
			s.client.Part(ch, reason)
		} else {
			s.client.Part(ch)
		}
	}
}

// executeSend entra nos canais pré-requisito, manda o PRIVMSG (com a
// reescrita ssend quando aplicável) e atualiza o bot_channel_map.
func (s *Session) executeSend(user, message string, channels []string) {
	if len(channels) > 0 {
		s.executeJoin(channels)
	}

	message = s.rewriteMessage(user, message, channels)
	s.client.Privmsg(user, message)

	now := time.Now()
	s.mu.Lock()
	key := strings.ToLower(user)
	if s.botChannelMap[key] == nil {
		s.botChannelMap[key] = make(map[string]struct{})
	}
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		s.botChannelMap[key][ch] = struct{}{}
		if _, ok := s.joinedChannels[ch]; ok {
			s.joinedChannels[ch] = now
		}
	}
	s.lastActive = now
	s.mu.Unlock()
}

// rewriteMessage aplica a regra de reescrita para a variante TLS: um
// "xdcc send"/"xdcc batch" vira "xdcc ssend"/"xdcc sbatch" quando o nick
// de destino está no ssend_map ou algum canal está em rewrite_to_ssend.
// Protege senders que preferem TLS de pedidos acidentais em claro.
func (s *Session) rewriteMessage(user, message string, channels []string) string {
	m := xdccSendRe.FindStringSubmatch(message)
	if m == nil {
		return message
	}

	if !s.shouldRewrite(user, channels) {
		return message
	}

	verb := strings.ToLower(m[1])
	return "xdcc s" + verb + " " + message[len(m[0]):]
}

func (s *Session) shouldRewrite(user string, channels []string) bool {
	if s.global.SsendMap[strings.ToLower(user)] {
		return true
	}
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		for _, rw := range s.cfg.RewriteToSsend {
			if ch == rw {
				return true
			}
		}
	}
	return false
}
