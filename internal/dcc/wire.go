// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
)

// ackWidth64Threshold é o tamanho de arquivo a partir do qual os acks
// passam de 4 para 8 bytes. É o esquema que os senders DCC esperam.
const ackWidth64Threshold = int64(1) << 32 // 4 GiB

// maxChatLine é o máximo acumulado sem newline antes de considerar a
// conexão de chat como mal-comportada.
const maxChatLine = 16 * 1024

// ErrLineTooLong indica que o peer de chat acumulou mais que maxChatLine
// bytes sem enviar newline.
var ErrLineTooLong = errors.New("chat line exceeds maximum length")

// AckWriter emite os acknowledgements do canal de dados DCC: um inteiro
// unsigned big-endian após cada chunk recebido, com o total acumulado.
// A largura é fixada pelo tamanho declarado do arquivo na criação.
type AckWriter struct {
	w    io.Writer
	wide bool
	buf  [8]byte
}

// NewAckWriter cria um AckWriter para um arquivo do tamanho declarado.
func NewAckWriter(w io.Writer, fileSize int64) *AckWriter {
	return &AckWriter{w: w, wide: fileSize >= ackWidth64Threshold}
}

// Wide retorna se os acks são de 8 bytes.
func (a *AckWriter) Wide() bool { return a.wide }

// WriteAck escreve o total acumulado de bytes recebidos.
func (a *AckWriter) WriteAck(total int64) error {
	if a.wide {
		binary.BigEndian.PutUint64(a.buf[:8], uint64(total))
		_, err := a.w.Write(a.buf[:8])
		return err
	}
	binary.BigEndian.PutUint32(a.buf[:4], uint32(total))
	_, err := a.w.Write(a.buf[:4])
	return err
}

// LineBuffer reagrupa o stream de uma conexão DCC chat em linhas. A
// decodificação UTF-8 é não-estrita: bytes inválidos viram U+FFFD.
type LineBuffer struct {
	buf bytes.Buffer
}

// Feed acumula dados e retorna as linhas completas disponíveis. Retorna
// ErrLineTooLong quando o peer excede maxChatLine sem newline; o caller
// deve derrubar a conexão.
func (b *LineBuffer) Feed(data []byte) ([]string, error) {
	b.buf.Write(data)

	var lines []string
	for {
		raw := b.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := string(raw[:idx])
		b.buf.Next(idx + 1)
		line = strings.TrimSuffix(line, "\r")
		lines = append(lines, strings.ToValidUTF8(line, "�"))
	}

	if b.buf.Len() > maxChatLine {
		return lines, ErrLineTooLong
	}
	return lines, nil
}
