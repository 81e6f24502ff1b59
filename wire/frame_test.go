// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	original := Envelope{
		Method:  "discovery.announce",
		Params:  map[string]any{"identity": "daemon/a"},
		ReplyTo: "req-1",
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, original); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Envelope == nil {
		t.Fatal("ReadFrame: expected Envelope, got nil")
	}
	if frame.Envelope.Method != original.Method || frame.Envelope.ReplyTo != original.ReplyTo {
		t.Errorf("decoded envelope = %+v, want %+v", frame.Envelope, original)
	}
}

func TestReplyRoundtrip(t *testing.T) {
	original := Reply{ReplyTo: "req-1", Result: map[string]any{"accepted": true}}

	var buf bytes.Buffer
	if err := WriteReply(&buf, original); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Reply == nil {
		t.Fatal("ReadFrame: expected Reply, got nil")
	}
	if !frame.Reply.OK() {
		t.Errorf("Reply.OK() = false, want true")
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(frameTypeEnvelope)
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // claims a ~4GB payload
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("ReadFrame: expected error for oversized payload, got nil")
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x7F)
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("ReadFrame: expected error for unknown frame type, got nil")
	}
}
