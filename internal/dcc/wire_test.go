// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestAckWriter_Narrow(t *testing.T) {
	var buf bytes.Buffer
	ack := NewAckWriter(&buf, 1024)

	if ack.Wide() {
		t.Fatalf("expected 4-byte acks for size below 4 GiB")
	}
	if err := ack.WriteAck(1024); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if buf.Len() != 4 {
		t.Fatalf("expected 4-byte ack, got %d bytes", buf.Len())
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()); got != 1024 {
		t.Errorf("expected ack value 1024, got %d", got)
	}
}

func TestAckWriter_Wide(t *testing.T) {
	var buf bytes.Buffer
	size := int64(5) * 1024 * 1024 * 1024 // 5 GiB
	ack := NewAckWriter(&buf, size)

	if !ack.Wide() {
		t.Fatalf("expected 8-byte acks for size of 4 GiB or more")
	}
	if err := ack.WriteAck(size); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if buf.Len() != 8 {
		t.Fatalf("expected 8-byte ack, got %d bytes", buf.Len())
	}
	if got := binary.BigEndian.Uint64(buf.Bytes()); got != uint64(size) {
		t.Errorf("expected ack value %d, got %d", size, got)
	}
}

func TestAckWriter_ThresholdBoundary(t *testing.T) {
	var buf bytes.Buffer
	if NewAckWriter(&buf, ackWidth64Threshold-1).Wide() {
		t.Errorf("size just below threshold should use 4-byte acks")
	}
	if !NewAckWriter(&buf, ackWidth64Threshold).Wide() {
		t.Errorf("size at threshold should use 8-byte acks")
	}
}

func TestLineBuffer_Lines(t *testing.T) {
	var lb LineBuffer

	lines, err := lb.Feed([]byte("hello\r\nwor"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("expected single line 'hello', got %v", lines)
	}

	lines, err = lb.Feed([]byte("ld\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "world" {
		t.Fatalf("expected single line 'world', got %v", lines)
	}
}

func TestLineBuffer_InvalidUTF8(t *testing.T) {
	var lb LineBuffer

	lines, err := lb.Feed([]byte{'a', 0xff, 'b', '\n'})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "a�b" {
		t.Fatalf("expected replacement character, got %q", lines)
	}
}

func TestLineBuffer_TooLong(t *testing.T) {
	var lb LineBuffer

	if _, err := lb.Feed(make([]byte, maxChatLine)); err != nil {
		t.Fatalf("at the limit should not error: %v", err)
	}
	if _, err := lb.Feed([]byte{'x'}); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}
