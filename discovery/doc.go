// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery implements the peer handshake and directory: it
// registers the discovery.register, discovery.announce, and
// discovery.welcome topic handlers on a mesh.Manager, maintains the
// directory of known remote identities, evicts stale entries, and
// drives the reconnect loop on a timer.
package discovery
