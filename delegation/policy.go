// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegation

import "github.com/sentrymesh/sentryd/lib/principal"

// AcceptPolicy is a first-class wrapper around a candidate's
// service-name glob list. Remote peers' policies come from this
// daemon's own config (config.PeerConfig.Accepts); the local policy
// comes from config.DelegationConfig.Accepts. Neither is advertised
// over the wire — there is no message in the discovery protocol that
// carries an accepts predicate, so candidacy for a remote peer always
// reflects what this daemon's operator configured for it, not what
// the peer claims for itself.
type AcceptPolicy struct {
	patterns []string
}

// NewAcceptPolicy wraps a glob list. A nil or empty list denies every
// service name (default-deny, matching principal.MatchAnyPattern).
func NewAcceptPolicy(patterns []string) AcceptPolicy {
	return AcceptPolicy{patterns: patterns}
}

// Matches reports whether serviceName satisfies the policy.
func (p AcceptPolicy) Matches(serviceName string) bool {
	return principal.MatchAnyPattern(p.patterns, serviceName)
}
