// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for sentryd.
//
// Configuration is loaded from a single file specified by either the
// SENTRYD_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no discovery by search
// path, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// Variable expansion is performed on the listen address and the
// export sink's socket address after loading: ${HOME} and
// ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct: Identity, Listen, Peers, Discovery,
//     Delegation, Export
//   - [Default] -- returns a Config with every field at a sensible
//     zero-value except Identity, which has no default
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- parses a validated duration field, panicking only
//     if called on a Config that bypassed Validate
//
// This package depends on no other sentryd package.
package config
