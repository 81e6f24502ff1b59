// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the in-memory object graph that the delegation
// engine partially owns (service assignment fields) and the status
// exporter reads on its timers: hosts, host groups, services, service
// groups, and a singleton program record.
//
// [Graph] is the shared, lock-protected container. Readers take a
// try-acquired read lock via [Graph.TryRLock] so that a config reload
// in progress surfaces as [ErrReloading] instead of blocking — the
// same transient-error contract the delegation tick and the exporter
// both rely on.
package core
