// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package principal provides glob-based pattern matching over
// hierarchical, "/"-separated names.
//
// [MatchPattern] and [MatchAnyPattern] support "*" (single segment),
// "**" (recursive), and interior patterns like "web/**/http". Malformed
// patterns deny by default rather than propagating errors — this makes
// the package suitable for access-control and service-acceptance
// predicates, where a bad pattern should never grant a match.
package principal
