// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delegation implements the assignment state machine: it
// picks which connected peer executes each configured service's
// checks, confirms the assignment with the peer before treating it as
// authoritative, and reassigns on timeout or endpoint loss.
package delegation
