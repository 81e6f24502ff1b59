// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sentrymesh/sentryd/lib/codec"
)

// Frame type tags. Each frame is [1 byte type][4 byte big-endian
// payload length][CBOR payload], carrying either a structured
// envelope or a reply.
const (
	frameTypeEnvelope byte = 0x01
	frameTypeReply    byte = 0x02
)

// frameHeaderLength is the fixed size of a frame header.
const frameHeaderLength = 5

// maxFramePayloadLength bounds a single frame's CBOR payload. Generous
// for a discovery or delegation message; guards against a malformed
// peer claiming an unbounded length and exhausting memory.
const maxFramePayloadLength = 1 * 1024 * 1024

// Frame is a decoded wire frame: exactly one of Envelope or Reply is
// non-nil.
type Frame struct {
	Envelope *Envelope
	Reply    *Reply
}

// WriteEnvelope frames and writes a request envelope.
func WriteEnvelope(w io.Writer, e Envelope) error {
	return writeFrame(w, frameTypeEnvelope, e)
}

// WriteReply frames and writes a reply.
func WriteReply(w io.Writer, r Reply) error {
	return writeFrame(w, frameTypeReply, r)
}

func writeFrame(w io.Writer, frameType byte, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}

	var header [frameHeaderLength]byte
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and decodes it into an Envelope or
// a Reply depending on its type tag. Returns an error if the stream
// is malformed, the payload exceeds maxFramePayloadLength, or the
// type tag is unrecognized.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame header: %w", err)
	}

	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxFramePayloadLength {
		return Frame{}, fmt.Errorf("wire: frame payload length %d exceeds maximum %d", payloadLength, maxFramePayloadLength)
	}

	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}

	switch frameType {
	case frameTypeEnvelope:
		var e Envelope
		if err := codec.Unmarshal(payload, &e); err != nil {
			return Frame{}, fmt.Errorf("wire: decode envelope: %w", err)
		}
		return Frame{Envelope: &e}, nil
	case frameTypeReply:
		var r Reply
		if err := codec.Unmarshal(payload, &r); err != nil {
			return Frame{}, fmt.Errorf("wire: decode reply: %w", err)
		}
		return Frame{Reply: &r}, nil
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame type 0x%02x", frameType)
	}
}
