// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/dccagent/internal/events"
	"github.com/nishisan-dev/dccagent/internal/logging"
	"github.com/nishisan-dev/dccagent/internal/manager"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// defaultEventLimit limita quantos eventos GET /events retorna sem o
// parâmetro limit.
const defaultEventLimit = 100

// Controller define o que o router precisa do manager. Isso desacopla o
// pacote web do manager sem expor o Manager inteiro.
type Controller interface {
	Join(server string, channels []string) error
	Part(server string, channels []string, reason string) error
	Msg(server, user, message string, channels []string) error
	Cancel(server, nick, filename string) bool
	Snapshot() manager.Snapshot
	RecentEvents(limit int) []events.Entry
}

var _ Controller = (*manager.Manager)(nil)

// Server publica a API de controle: comandos IRC, snapshot de estado,
// eventos e o stream WebSocket de logs.
type Server struct {
	ctrl       Controller
	logs       *logging.Broadcaster
	logger     *slog.Logger
	onShutdown func()
}

// New cria o Server. logs pode ser nil (o stream WebSocket só entrega
// respostas de comando). onShutdown é invocado após o POST /shutdown
// responder.
func New(ctrl Controller, logs *logging.Broadcaster, logger *slog.Logger, onShutdown func()) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctrl:       ctrl,
		logs:       logs,
		logger:     logger.With("component", "web"),
		onShutdown: onShutdown,
	}
}

// Router cria o http.Handler da API de controle, com a ACL aplicada em
// todas as rotas.
func (s *Server) Router(acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /join", s.handleJoin)
	mux.HandleFunc("POST /part", s.handlePart)
	mux.HandleFunc("POST /msg", s.handleMsg)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	if acl == nil {
		acl = NewACL(nil)
	}
	return acl.Middleware(mux)
}

type joinRequest struct {
	Server   string   `json:"server"`
	Channels []string `json:"channels"`
}

type partRequest struct {
	Server   string   `json:"server"`
	Channels []string `json:"channels"`
	Reason   string   `json:"reason"`
}

type msgRequest struct {
	Server   string   `json:"server"`
	User     string   `json:"user"`
	Message  string   `json:"message"`
	Channels []string `json:"channels"`
}

type cancelRequest struct {
	Server   string `json:"server"`
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" || len(req.Channels) == 0 {
		writeError(w, http.StatusBadRequest, "server and channels are required")
		return
	}
	if err := s.ctrl.Join(req.Server, req.Channels); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handlePart(w http.ResponseWriter, r *http.Request) {
	var req partRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" || len(req.Channels) == 0 {
		writeError(w, http.StatusBadRequest, "server and channels are required")
		return
	}
	if err := s.ctrl.Part(req.Server, req.Channels, req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	var req msgRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" || req.User == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "server, user and message are required")
		return
	}
	if err := s.ctrl.Msg(req.Server, req.User, req.Message, req.Channels); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" || req.Nick == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "server, nick and filename are required")
		return
	}
	if !s.ctrl.Cancel(req.Server, req.Nick, req.Filename) {
		writeError(w, http.StatusBadRequest, "no matching transfer")
		return
	}
	writeOK(w)
}

// handleShutdown responde antes de iniciar o desligamento; o encerramento
// em si é coordenado pelo main via onShutdown.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("shutdown requested via API", "remote", r.RemoteAddr)
	writeOK(w)
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.ctrl.RecentEvents(limit)})
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(startTime).String(),
		"version": Version,
		"go":      runtime.Version(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody desserializa o corpo JSON, rejeitando campos desconhecidos.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError envia o envelope de erro padrão da API.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
