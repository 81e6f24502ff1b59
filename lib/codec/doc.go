// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides sentryd's standard CBOR encoding configuration.
//
// Every wire message between sentryd peers — envelopes and replies in
// package wire — is CBOR, tagged with `cbor` struct tags; sentryd has
// no JSON boundary of its own to draw a line against. Package export
// does not use CBOR: its queue holds plain-text records in memory.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every sentryd package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// Types on the wire use `cbor` tags. fxamacker/cbor v2 also reads
// `json` tags as a fallback when `cbor` tags are absent, so a type
// that needs to round-trip through both CBOR and encoding/json (none
// currently do) can rely on a single `json` tag rather than carrying
// both. Never put both tags on the same field — the tag choice should
// say unambiguously which format a type is for.
package codec
