// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var errNoMatchingTransfer = errors.New("no matching transfer")

func errMissingField(name string) error {
	return fmt.Errorf("%s required for this command", name)
}

func errUnknownCommand(command string) error {
	return fmt.Errorf("unknown command %q", command)
}

// Parâmetros do stream WebSocket.
const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 90 * time.Second
	wsOutboundBuf  = 16
)

// A ACL por IP já roda antes do upgrade; a checagem de Origin não agrega
// nada para uma API operada por ferramentas, não por browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand é a mensagem de comando aceita no stream WebSocket. O mesmo
// vocabulário dos endpoints POST: join, part, msg e cancel.
type wsCommand struct {
	Command  string   `json:"command"`
	Server   string   `json:"server"`
	Channels []string `json:"channels,omitempty"`
	User     string   `json:"user,omitempty"`
	Message  string   `json:"message,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Nick     string   `json:"nick,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// handleWS faz o upgrade e serve o stream: registros de log do
// Broadcaster e respostas de comando saem pelo mesmo escritor; pings a
// cada 30s mantêm a conexão viva.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	var logCh <-chan []byte
	cancel := func() {}
	if s.logs != nil {
		logCh, cancel = s.logs.Subscribe()
	}
	defer cancel()

	outbound := make(chan []byte, wsOutboundBuf)
	done := make(chan struct{})
	go s.wsWriter(conn, logCh, outbound, done)
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket client gone", "remote", r.RemoteAddr, "error", err)
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.wsReply(outbound, "error", "invalid command payload")
			continue
		}
		if msg, err := s.dispatchCommand(cmd); err != nil {
			s.wsReply(outbound, "error", err.Error())
		} else {
			s.wsReply(outbound, "ok", msg)
		}
	}
}

// wsWriter é o único escritor da conexão: replica logs, entrega respostas
// de comando e emite pings periódicos.
func (s *Server) wsWriter(conn *websocket.Conn, logCh <-chan []byte, outbound <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	write := func(messageType int, data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-outbound:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case data, ok := <-logCh:
			if !ok {
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReply enfileira a resposta de um comando; com o escritor atolado a
// resposta é descartada (o cliente ainda vê o efeito pelos logs).
func (s *Server) wsReply(outbound chan<- []byte, status, message string) {
	resp := map[string]string{"status": status}
	if message != "" {
		resp["message"] = message
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case outbound <- data:
	default:
	}
}

// dispatchCommand executa um comando recebido pelo WebSocket. Retorna a
// mensagem de sucesso (vazia para a maioria) ou o erro a reportar.
func (s *Server) dispatchCommand(cmd wsCommand) (string, error) {
	if cmd.Server == "" {
		return "", errMissingField("server")
	}
	switch cmd.Command {
	case "join":
		if len(cmd.Channels) == 0 {
			return "", errMissingField("channels")
		}
		return "", s.ctrl.Join(cmd.Server, cmd.Channels)
	case "part":
		if len(cmd.Channels) == 0 {
			return "", errMissingField("channels")
		}
		return "", s.ctrl.Part(cmd.Server, cmd.Channels, cmd.Reason)
	case "msg":
		if cmd.User == "" || cmd.Message == "" {
			return "", errMissingField("user and message")
		}
		return "", s.ctrl.Msg(cmd.Server, cmd.User, cmd.Message, cmd.Channels)
	case "cancel":
		if cmd.Nick == "" || cmd.Filename == "" {
			return "", errMissingField("nick and filename")
		}
		if !s.ctrl.Cancel(cmd.Server, cmd.Nick, cmd.Filename) {
			return "", errNoMatchingTransfer
		}
		return "", nil
	default:
		return "", errUnknownCommand(cmd.Command)
	}
}
