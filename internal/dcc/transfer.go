// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package dcc implementa o lado receptor do protocolo DCC: validação de
// ofertas SEND/SSEND, a conexão de dados TCP/TLS, a máquina de estados de
// cada transfer (progresso, acks, MIME, finalização) e a fila de resume.
package dcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	// chunkBufSize é o buffer de leitura do socket de dados.
	chunkBufSize = 32 * 1024

	// Cadência de atualização de progresso: a cada 5s ou a cada 10%.
	progressInterval    = 5 * time.Second
	progressPercentStep = 10.0

	// CompletedTickleBytes é quanto do fim do arquivo é re-pedido quando o
	// arquivo local já está completo. Alguns senders só marcam o pack como
	// entregue quando veem tráfego de resume perto do fim; os bytes
	// re-recebidos são contados mas não regravados.
	CompletedTickleBytes = 4096
)

// errTransferStopped interrompe o loop de leitura quando o transfer já
// atingiu estado terminal (cancelado, erro de MIME, erro de disco).
var errTransferStopped = errors.New("transfer stopped")

// Status é o estado de um transfer.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal retorna se o status é final. Uma vez terminal, nenhum chunk
// atualiza mais o transfer.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Params descreve um transfer a criar a partir de uma oferta validada.
type Params struct {
	Server     string
	Nick       string
	PeerAddr   net.IP
	PeerPort   int
	Filename   string
	FilePath   string // caminho em disco durante o transfer (pode ter sufixo)
	TargetPath string // caminho final, sem sufixo
	Size       int64
	Offset     int64
	UseSSL     bool

	// Completed marca o caso de tickle: o arquivo local já tem o tamanho
	// remoto e os bytes re-recebidos não são gravados.
	Completed bool

	AllowedMimetypes []string
	MaxRate          int64 // bytes/s; 0 = sem limite

	Logger *slog.Logger

	// OnDone é chamado uma vez quando o transfer finaliza, em qualquer
	// estado terminal.
	OnDone func(*Transfer)

	// OnProgress é chamado (fora do lock) a cada marco de progresso,
	// na cadência de progressInterval/progressPercentStep.
	OnProgress func(*Transfer)
}

// Transfer é um recebimento DCC, da oferta validada até o estado terminal.
// Todos os campos mutáveis são guardados pelo mutex; o loop de leitura
// roda numa goroutine própria.
type Transfer struct {
	ID string

	mu                 sync.Mutex
	server             string
	nick               string
	peerAddr           net.IP
	peerPort           int
	filename           string
	filePath           string
	targetPath         string
	size               int64
	offset             int64
	bytesReceived      int64
	startTime          time.Time
	lastProgressUpdate time.Time
	lastProgressBytes  int64
	percent            float64
	ssl                bool
	completed          bool
	completedAt        time.Time
	status             Status
	errMsg             string
	md5                string
	fileMD5            string
	connected          bool

	allowed    []string
	maxRate    int64
	logger     *slog.Logger
	onDone     func(*Transfer)
	onProgress func(*Transfer)

	conn net.Conn
	file *os.File
}

// New cria um transfer no estado started, pronto para Run.
func New(p Params) *Transfer {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transfer{
		ID:         uuid.NewString(),
		server:     p.Server,
		nick:       p.Nick,
		peerAddr:   p.PeerAddr,
		peerPort:   p.PeerPort,
		filename:   p.Filename,
		filePath:   p.FilePath,
		targetPath: p.TargetPath,
		size:       p.Size,
		offset:     p.Offset,
		startTime:  time.Now(),
		ssl:        p.UseSSL,
		completed:  p.Completed,
		status:     StatusStarted,
		allowed:    p.AllowedMimetypes,
		maxRate:    p.MaxRate,
		onDone:     p.OnDone,
		onProgress: p.OnProgress,
	}
	t.logger = logger.With("component", "dcc", "transfer_id", t.ID, "nick", t.nick, "filename", t.filename)
	return t
}

// NewAnnounced cria um registro pré-anunciado por um bot XDCC
// ("Sending you pack ..."), antes da oferta DCC chegar. O registro carrega
// o MD5 anunciado e é reconciliado com o DCC SEND subsequente.
func NewAnnounced(server, nick, filename, md5 string, logger *slog.Logger) *Transfer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transfer{
		ID:        uuid.NewString(),
		server:    server,
		nick:      nick,
		filename:  filename,
		md5:       md5,
		startTime: time.Now(),
		status:    StatusStarted,
	}
	t.logger = logger.With("component", "dcc", "transfer_id", t.ID, "nick", t.nick, "filename", t.filename)
	return t
}

// SetLogger troca o logger do transfer. Deve ser chamado antes de Run
// (usado para anexar o arquivo de log dedicado do transfer).
func (t *Transfer) SetLogger(logger *slog.Logger) {
	t.mu.Lock()
	t.logger = logger.With("component", "dcc", "transfer_id", t.ID, "nick", t.nick, "filename", t.filename)
	t.mu.Unlock()
}

// Run abre a conexão de dados e consome o stream do peer até EOF, erro ou
// tamanho atingido. Bloqueia; o caller roda numa goroutine.
func (t *Transfer) Run(ctx context.Context) {
	conn, err := Dial(ctx, t.peerAddr, t.peerPort, t.ssl)
	if err != nil {
		t.mu.Lock()
		t.status = StatusError
		t.errMsg = err.Error()
		t.mu.Unlock()
		t.logger.Error("DCC connect failed", "peer", t.peerAddr.String(), "port", t.peerPort, "error", err)
		t.finish()
		return
	}

	file, err := os.OpenFile(t.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		conn.Close()
		t.mu.Lock()
		t.status = StatusError
		t.errMsg = fmt.Sprintf("opening file: %v", err)
		t.mu.Unlock()
		t.logger.Error("failed to open download file", "path", t.filePath, "error", err)
		t.finish()
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.file = file
	t.connected = true
	t.status = StatusInProgress
	t.lastProgressUpdate = time.Now()
	t.mu.Unlock()

	t.logger.Info("DCC transfer started",
		"peer", t.peerAddr.String(), "port", t.peerPort,
		"size", t.size, "offset", t.offset, "ssl", t.ssl)

	ack := NewAckWriter(conn, t.size)
	var src io.Reader = conn
	if t.maxRate > 0 {
		src = NewThrottledReader(ctx, conn, t.maxRate)
	}

	var reason string
	buf := make([]byte, chunkBufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if herr := t.handleChunk(buf[:n], ack); herr != nil {
				if !errors.Is(herr, errTransferStopped) {
					reason = herr.Error()
				}
				break
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				reason = "Connection reset by peer."
			}
			break
		}
		if t.Received()+t.offset >= t.size {
			break
		}
	}

	t.disconnect(reason)
	t.finish()
}

// handleChunk processa um chunk recebido: checagem de MIME no primeiro
// chunk, gravação em disco, contadores de progresso e o ack acumulado.
func (t *Transfer) handleChunk(p []byte, ack *AckWriter) error {
	t.mu.Lock()
	if t.status != StatusInProgress {
		t.mu.Unlock()
		return errTransferStopped
	}

	if len(t.allowed) > 0 && t.offset == 0 && t.bytesReceived == 0 {
		mt := mimetype.Detect(p)
		if !mimeAllowed(mt, t.allowed) {
			t.status = StatusError
			t.errMsg = fmt.Sprintf("Invalid MIME type (%s)", mt.String())
			t.mu.Unlock()
			t.logger.Warn("MIME type not allowed, aborting transfer", "detected", mt.String())
			return errTransferStopped
		}
	}

	if !t.completed {
		if _, err := t.file.Write(p); err != nil {
			t.status = StatusError
			t.errMsg = fmt.Sprintf("write failed: %v", err)
			t.mu.Unlock()
			t.logger.Error("disk write failed, aborting transfer", "error", err)
			return errTransferStopped
		}
	}

	t.bytesReceived += int64(len(p))
	total := t.bytesReceived + t.offset
	advanced := t.updateProgressLocked(time.Now(), total)
	t.mu.Unlock()

	if advanced && t.onProgress != nil {
		t.onProgress(t)
	}

	if err := ack.WriteAck(total); err != nil {
		return errors.New("Connection reset by peer.")
	}
	return nil
}

// updateProgressLocked atualiza percent e os marcos de progresso a cada
// progressInterval ou a cada progressPercentStep por cento, retornando se
// um marco foi atingido. Lock held.
func (t *Transfer) updateProgressLocked(now time.Time, total int64) bool {
	percent := float64(total) / float64(t.size) * 100
	if now.Sub(t.lastProgressUpdate) < progressInterval && percent-t.percent < progressPercentStep {
		return false
	}

	elapsed := now.Sub(t.lastProgressUpdate).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(t.bytesReceived-t.lastProgressBytes) / elapsed / 1024
	}

	t.percent = percent
	t.lastProgressUpdate = now
	t.lastProgressBytes = t.bytesReceived

	t.logger.Debug("transfer progress",
		"percent", fmt.Sprintf("%.1f", percent),
		"received", total, "size", t.size,
		"speed_kbps", fmt.Sprintf("%.1f", speed))
	return true
}

// disconnect fecha socket e arquivo e, se o transfer ainda não atingiu
// estado terminal, aplica as regras de finalização por tamanho em disco.
func (t *Transfer) disconnect(reason string) {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.connected = false
	terminal := t.status.Terminal()
	t.mu.Unlock()

	if reason != "" {
		t.logger.Info("DCC disconnected", "reason", reason)
	}
	if !terminal {
		t.finalizeFromDisk()
	}
}

// finalizeFromDisk decide o estado final comparando o arquivo em disco com
// o tamanho declarado: ausente = error, divergente = failed, igual =
// completed (com rename do sufixo de incompleto, se houver).
func (t *Transfer) finalizeFromDisk() {
	fi, statErr := os.Stat(t.filePath)

	t.mu.Lock()
	switch {
	case statErr != nil:
		t.status = StatusError
		t.errMsg = fmt.Sprintf("file missing after transfer: %v", statErr)
	case fi.Size() != t.size:
		t.status = StatusFailed
		t.errMsg = fmt.Sprintf("size mismatch %d != %d", fi.Size(), t.size)
	default:
		t.status = StatusCompleted
		t.completed = true
		t.completedAt = time.Now()
		t.percent = 100
		if t.filePath != t.targetPath {
			if err := os.Rename(t.filePath, t.targetPath); err != nil {
				t.logger.Warn("failed to rename incomplete file", "from", t.filePath, "to", t.targetPath, "error", err)
			} else {
				t.filePath = t.targetPath
			}
		}
	}
	status, errMsg := t.status, t.errMsg
	t.mu.Unlock()

	switch status {
	case StatusCompleted:
		t.logger.Info("transfer completed", "path", t.FilePath(), "size", t.size)
	default:
		t.logger.Warn("transfer did not complete", "status", string(status), "error", errMsg)
	}
}

// finish invoca o callback de término uma única vez, já em estado terminal.
func (t *Transfer) finish() {
	if t.onDone != nil {
		t.onDone(t)
	}
}

// Cancel encerra um transfer em andamento com a razão dada. Retorna false
// quando o transfer não está mais em andamento.
func (t *Transfer) Cancel(reason string) bool {
	t.mu.Lock()
	if t.status != StatusInProgress {
		t.mu.Unlock()
		return false
	}
	t.status = StatusCancelled
	t.errMsg = reason
	if t.conn != nil {
		t.conn.Close()
	}
	t.connected = false
	t.mu.Unlock()

	t.logger.Info("transfer cancelled", "reason", reason)
	return true
}

// Matches compara o transfer com a tripla (server, nick, filename).
func (t *Transfer) Matches(server, nick, filename string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server == server && t.nick == nick && t.filename == filename
}

// Server retorna o servidor IRC de origem.
func (t *Transfer) Server() string { t.mu.Lock(); defer t.mu.Unlock(); return t.server }

// Nick retorna o nick do peer.
func (t *Transfer) Nick() string { t.mu.Lock(); defer t.mu.Unlock(); return t.nick }

// Filename retorna o nome oferecido.
func (t *Transfer) Filename() string { t.mu.Lock(); defer t.mu.Unlock(); return t.filename }

// FilePath retorna o caminho atual em disco.
func (t *Transfer) FilePath() string { t.mu.Lock(); defer t.mu.Unlock(); return t.filePath }

// Size retorna o tamanho declarado.
func (t *Transfer) Size() int64 { t.mu.Lock(); defer t.mu.Unlock(); return t.size }

// Offset retorna o offset de resume.
func (t *Transfer) Offset() int64 { t.mu.Lock(); defer t.mu.Unlock(); return t.offset }

// Received retorna os bytes recebidos nesta sessão (sem o offset).
func (t *Transfer) Received() int64 { t.mu.Lock(); defer t.mu.Unlock(); return t.bytesReceived }

// Status retorna o estado atual.
func (t *Transfer) Status() Status { t.mu.Lock(); defer t.mu.Unlock(); return t.status }

// Error retorna a mensagem de erro, se houver.
func (t *Transfer) Error() string { t.mu.Lock(); defer t.mu.Unlock(); return t.errMsg }

// Connected retorna se o socket de dados está aberto.
func (t *Transfer) Connected() bool { t.mu.Lock(); defer t.mu.Unlock(); return t.connected }

// StartTime retorna quando o registro foi criado/conectado.
func (t *Transfer) StartTime() time.Time { t.mu.Lock(); defer t.mu.Unlock(); return t.startTime }

// CompletedAt retorna quando o transfer completou (zero se não completou).
func (t *Transfer) CompletedAt() time.Time { t.mu.Lock(); defer t.mu.Unlock(); return t.completedAt }

// AnnouncedMD5 retorna o MD5 anunciado pelo bot, se houver.
func (t *Transfer) AnnouncedMD5() string { t.mu.Lock(); defer t.mu.Unlock(); return t.md5 }

// SetAnnouncedMD5 registra o MD5 anunciado pelo bot.
func (t *Transfer) SetAnnouncedMD5(md5 string) {
	t.mu.Lock()
	t.md5 = md5
	t.mu.Unlock()
}

// FileMD5 retorna o MD5 calculado do arquivo, se já computado.
func (t *Transfer) FileMD5() string { t.mu.Lock(); defer t.mu.Unlock(); return t.fileMD5 }

// SetFileMD5 registra o MD5 calculado pelo worker.
func (t *Transfer) SetFileMD5(md5 string) {
	t.mu.Lock()
	t.fileMD5 = md5
	t.mu.Unlock()
}

// AdoptAnnouncement incorpora um registro pré-anunciado: preserva o
// start_time e o MD5 do anúncio no transfer criado pela oferta DCC.
func (t *Transfer) AdoptAnnouncement(announced *Transfer) {
	announced.mu.Lock()
	md5 := announced.md5
	started := announced.startTime
	announced.mu.Unlock()

	t.mu.Lock()
	if t.md5 == "" {
		t.md5 = md5
	}
	t.startTime = started
	t.mu.Unlock()
}

// View é a visão serializável de um transfer para snapshots e API.
type View struct {
	ID            string     `json:"id"`
	Server        string     `json:"server"`
	Nick          string     `json:"nick"`
	Filename      string     `json:"filename"`
	FilePath      string     `json:"file_path"`
	PeerAddress   string     `json:"peer_address,omitempty"`
	PeerPort      int        `json:"peer_port,omitempty"`
	Size          int64      `json:"size"`
	Offset        int64      `json:"offset"`
	BytesReceived int64      `json:"bytes_received"`
	Percent       float64    `json:"percent"`
	Speed         float64    `json:"speed"`     // KB/s instantâneo
	SpeedAvg      float64    `json:"speed_avg"` // KB/s médio
	SSL           bool       `json:"ssl"`
	Connected     bool       `json:"connected"`
	Completed     bool       `json:"completed"`
	Status        Status     `json:"status"`
	Error         string     `json:"error,omitempty"`
	MD5           string     `json:"md5,omitempty"`
	FileMD5       string     `json:"file_md5,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// View captura o estado atual do transfer, com velocidades em KB/s.
func (t *Transfer) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var speed, speedAvg float64
	if t.status == StatusInProgress {
		if recent := now.Sub(t.lastProgressUpdate).Seconds(); recent > 0 {
			speed = float64(t.bytesReceived-t.lastProgressBytes) / recent / 1024
		}
		if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
			speedAvg = float64(t.bytesReceived) / elapsed / 1024
		}
	}

	v := View{
		ID:            t.ID,
		Server:        t.server,
		Nick:          t.nick,
		Filename:      t.filename,
		FilePath:      t.filePath,
		Size:          t.size,
		Offset:        t.offset,
		BytesReceived: t.bytesReceived,
		Percent:       t.percent,
		Speed:         speed,
		SpeedAvg:      speedAvg,
		SSL:           t.ssl,
		Connected:     t.connected,
		Completed:     t.completed,
		Status:        t.status,
		Error:         t.errMsg,
		MD5:           t.md5,
		FileMD5:       t.fileMD5,
		StartTime:     t.startTime,
	}
	if t.peerAddr != nil {
		v.PeerAddress = t.peerAddr.String()
		v.PeerPort = t.peerPort
	}
	if !t.completedAt.IsZero() {
		completedAt := t.completedAt
		v.CompletedAt = &completedAt
	}
	return v
}

// mimeAllowed compara o tipo detectado (incluindo aliases) com a lista
// permitida.
func mimeAllowed(mt *mimetype.MIME, allowed []string) bool {
	for _, a := range allowed {
		if mt.Is(a) {
			return true
		}
	}
	return false
}
