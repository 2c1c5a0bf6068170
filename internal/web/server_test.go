// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/dccagent/internal/events"
	"github.com/nishisan-dev/dccagent/internal/logging"
	"github.com/nishisan-dev/dccagent/internal/manager"
)

// fakeController implementa Controller para testes.
type fakeController struct {
	joins     [][]string
	parts     [][]string
	msgs      []string
	cancels   []string
	cancelOK  bool
	joinErr   error
	snapshot  manager.Snapshot
	lastLimit int
}

func (f *fakeController) Join(server string, channels []string) error {
	f.joins = append(f.joins, append([]string{server}, channels...))
	return f.joinErr
}

func (f *fakeController) Part(server string, channels []string, reason string) error {
	f.parts = append(f.parts, append([]string{server, reason}, channels...))
	return nil
}

func (f *fakeController) Msg(server, user, message string, channels []string) error {
	f.msgs = append(f.msgs, server+"|"+user+"|"+message)
	return nil
}

func (f *fakeController) Cancel(server, nick, filename string) bool {
	f.cancels = append(f.cancels, server+"|"+nick+"|"+filename)
	return f.cancelOK
}

func (f *fakeController) Snapshot() manager.Snapshot { return f.snapshot }

func (f *fakeController) RecentEvents(limit int) []events.Entry {
	f.lastLimit = limit
	return []events.Entry{}
}

func newTestServer(ctrl *fakeController) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ctrl, nil, logger, nil)
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestJoin_OK(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/join", `{"server":"irc.test.net","channels":["#a","#b"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.joins) != 1 || ctrl.joins[0][0] != "irc.test.net" || len(ctrl.joins[0]) != 3 {
		t.Errorf("unexpected join calls: %v", ctrl.joins)
	}
}

func TestJoin_MissingFields(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/join", `{"server":"irc.test.net"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "error" || resp["message"] == "" {
		t.Errorf("expected error envelope, got %v", resp)
	}
	if len(ctrl.joins) != 0 {
		t.Errorf("controller must not be called on invalid input")
	}
}

func TestJoin_ControllerError(t *testing.T) {
	ctrl := &fakeController{joinErr: errMissingField("nickserv auth")}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/join", `{"server":"irc.test.net","channels":["#a"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on controller error, got %d", rec.Code)
	}
}

func TestJoin_UnknownField(t *testing.T) {
	router := newTestServer(&fakeController{}).Router(nil)

	rec := doJSON(t, router, "POST", "/join", `{"server":"irc.test.net","chans":["#a"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestPart_OK(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/part", `{"server":"irc.test.net","channels":["#a"],"reason":"done"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ctrl.parts) != 1 || ctrl.parts[0][1] != "done" {
		t.Errorf("unexpected part calls: %v", ctrl.parts)
	}
}

func TestMsg_OK(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/msg", `{"server":"irc.test.net","user":"bot","message":"xdcc send #1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ctrl.msgs) != 1 || ctrl.msgs[0] != "irc.test.net|bot|xdcc send #1" {
		t.Errorf("unexpected msg calls: %v", ctrl.msgs)
	}
}

func TestCancel_Matched(t *testing.T) {
	ctrl := &fakeController{cancelOK: true}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/cancel", `{"server":"irc.test.net","nick":"bot","filename":"file.bin"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestCancel_Unmatched(t *testing.T) {
	ctrl := &fakeController{cancelOK: false}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "POST", "/cancel", `{"server":"irc.test.net","nick":"bot","filename":"file.bin"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unmatched cancel, got %d", rec.Code)
	}
}

func TestShutdown_InvokesCallback(t *testing.T) {
	called := make(chan struct{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&fakeController{}, nil, logger, func() { close(called) })
	router := s.Router(nil)

	rec := doJSON(t, router, "POST", "/shutdown", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never invoked")
	}
}

func TestInfo_ReturnsSnapshot(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "GET", "/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"networks", "transfers", "system"} {
		if _, ok := snap[key]; !ok {
			t.Errorf("expected %q in snapshot", key)
		}
	}
}

func TestEvents_LimitParam(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestServer(ctrl).Router(nil)

	rec := doJSON(t, router, "GET", "/events?limit=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ctrl.lastLimit != 7 {
		t.Errorf("expected limit 7, got %d", ctrl.lastLimit)
	}

	if rec := doJSON(t, router, "GET", "/events?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHealth_ReturnsOK(t *testing.T) {
	router := newTestServer(&fakeController{}).Router(nil)

	rec := doJSON(t, router, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if resp["uptime"] == "" {
		t.Error("expected uptime field")
	}
}

func TestACL_BlocksForbiddenIP(t *testing.T) {
	acl := NewACL([]*net.IPNet{mustParseCIDR("10.0.0.0/8")})
	router := newTestServer(&fakeController{}).Router(acl)

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestACL_EmptyAllowsAll(t *testing.T) {
	acl := NewACL(nil)
	if !acl.Allowed("203.0.113.7:9999") {
		t.Errorf("empty ACL must allow all")
	}
}

func TestACL_Allowed(t *testing.T) {
	acl := NewACL([]*net.IPNet{mustParseCIDR("10.0.0.0/8")})
	if !acl.Allowed("10.1.2.3:555") {
		t.Errorf("expected 10.1.2.3 allowed")
	}
	if acl.Allowed("192.168.1.1:555") {
		t.Errorf("expected 192.168.1.1 denied")
	}
	if acl.Allowed("not-an-ip") {
		t.Errorf("expected garbage denied")
	}
}

func TestWS_CommandsAndLogStream(t *testing.T) {
	inner := slog.NewTextHandler(io.Discard, nil)
	broadcaster := logging.NewBroadcaster(inner)
	logger := slog.New(broadcaster)

	ctrl := &fakeController{cancelOK: true}
	s := New(ctrl, broadcaster, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ts := httptest.NewServer(s.Router(nil))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	readJSON := func() map[string]any {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("invalid JSON %q: %v", data, err)
		}
		return m
	}

	// Comando join válido
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"join","server":"irc.test.net","channels":["#a"]}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if resp := readJSON(); resp["status"] != "ok" {
		t.Errorf("expected ok reply, got %v", resp)
	}

	// Comando desconhecido
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"dance","server":"irc.test.net"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if resp := readJSON(); resp["status"] != "error" {
		t.Errorf("expected error reply, got %v", resp)
	}

	// Um registro de log chega pelo mesmo stream
	logger.Info("transfer started", "filename", "file.bin")
	entry := readJSON()
	if entry["message"] != "transfer started" {
		t.Errorf("expected log record on the stream, got %v", entry)
	}
}

func mustParseCIDR(s string) *net.IPNet {
	_, cidr, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return cidr
}
