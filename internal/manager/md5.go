// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manager

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/nishisan-dev/dccagent/internal/dcc"
)

// md5BlockSize é o tamanho dos blocos lidos pelo worker de MD5.
const md5BlockSize = 8 * 1024

// md5QueueSize limita quantas verificações podem aguardar o worker.
const md5QueueSize = 64

// fileMD5 calcula o MD5 do arquivo lendo em blocos fixos.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for md5: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, md5BlockSize)); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// md5Worker drena a fila de verificação: calcula o digest do arquivo em
// disco, registra no transfer e compara com o md5 anunciado. Hashing é
// CPU-bound, então roda fora do caminho de dados.
func (m *Manager) md5Worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case t := <-m.md5Queue:
			m.verifyMD5(t)
		}
	}
}

func (m *Manager) verifyMD5(t *dcc.Transfer) {
	digest, err := fileMD5(t.FilePath())
	if err != nil {
		m.logger.Warn("md5 verification failed", "filename", t.Filename(), "error", err)
		return
	}
	t.SetFileMD5(digest)

	announced := t.AnnouncedMD5()
	switch {
	case announced == "":
		m.logger.Debug("md5 computed", "filename", t.Filename(), "md5", digest)
	case announced == digest:
		m.logger.Info("md5 verified", "filename", t.Filename(), "md5", digest)
	default:
		m.logger.Error("md5 mismatch", "filename", t.Filename(), "announced", announced, "computed", digest)
		m.pushEvent("error", "md5_mismatch", t.Server(), t.Nick(), t.Filename(),
			fmt.Sprintf("announced %s, computed %s", announced, digest))
	}
}

// enqueueMD5 agenda a verificação sem bloquear o caminho de dados; com a
// fila cheia a verificação é descartada com warning.
func (m *Manager) enqueueMD5(t *dcc.Transfer) {
	select {
	case m.md5Queue <- t:
	default:
		m.logger.Warn("md5 queue full, skipping verification", "filename", t.Filename())
	}
}
