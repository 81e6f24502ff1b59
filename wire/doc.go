// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the peer mesh's message codec: framed
// request/response envelopes with typed parameter blocks.
//
// Every frame is a 1-byte type tag, a 4-byte big-endian payload
// length, and a Core Deterministic Encoding CBOR payload. [Envelope] is a
// request: a method name, a parameter block, and an optional
// correlation id for callers expecting a reply. [Reply] carries that
// correlation id back with either a result block or an error string.
package wire
