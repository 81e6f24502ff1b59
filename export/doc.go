// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package export implements the status/config exporter: a single
// outbound TCP sink that emits the object graph in the legacy
// newline-framed, numeric-typecode wire format expected by the IDO
// status consumer. Three independent timers drive periodic status,
// program-status, and config dumps; a persistent reconnecting
// connection with exponential backoff carries them, bracketed by a
// HELLO preamble and a GOODBYE sentinel.
package export
