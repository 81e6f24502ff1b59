// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"net"

	"github.com/sentrymesh/sentryd/wire"
)

// Endpoint is a handle for a peer, local or remote. All fields are
// touched only from the Manager's event-loop goroutine — there is no
// internal locking, matching the concurrency model's "handler code
// needs no internal locking for the data it touches."
type Endpoint struct {
	Identity Identity
	State    ConnState

	// Local is true for the loopback endpoint representing this
	// daemon itself. Local endpoints skip the handshake entirely.
	Local bool

	// SentWelcome and ReceivedWelcome track the discovery handshake.
	// SessionEstablished fires exactly once, when both become true.
	SentWelcome        bool
	ReceivedWelcome    bool
	sessionEstablished bool

	// Address and Port are the last-known reachable location, used by
	// the discovery engine's reconnect attempts. Empty for inbound
	// connections whose peer address was not separately announced.
	Address string
	Port    int

	publications  map[string]struct{}
	subscriptions map[string]struct{}

	conn net.Conn

	// outbound is drained by a per-endpoint writer goroutine so a slow
	// peer cannot block the Manager's event loop on a network write.
	outbound chan wire.Frame

	// protocolViolations counts malformed/unauthorized frames since
	// the last successful message. The discovery/delegation tick does
	// not reset this; resetViolations in the Manager does, after an
	// envelope is dispatched successfully.
	protocolViolations int
}

// NewEndpoint constructs an Endpoint in Disconnected state with empty
// topic sets.
func NewEndpoint(identity Identity) *Endpoint {
	return &Endpoint{
		Identity:      identity,
		State:         Disconnected,
		publications:  make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// RegisterPublication grants e the right to send messages for method.
func (e *Endpoint) RegisterPublication(method string) {
	e.publications[method] = struct{}{}
}

// RegisterSubscription marks e as willing to receive messages for
// method.
func (e *Endpoint) RegisterSubscription(method string) {
	e.subscriptions[method] = struct{}{}
}

// HasPublication reports whether e may send messages for method.
func (e *Endpoint) HasPublication(method string) bool {
	_, ok := e.publications[method]
	return ok
}

// HasSubscription reports whether e is willing to receive messages
// for method.
func (e *Endpoint) HasSubscription(method string) bool {
	_, ok := e.subscriptions[method]
	return ok
}

// Publications returns a snapshot of the endpoint's publication set.
func (e *Endpoint) Publications() []string {
	return setKeys(e.publications)
}

// Subscriptions returns a snapshot of the endpoint's subscription set.
func (e *Endpoint) Subscriptions() []string {
	return setKeys(e.subscriptions)
}

func setKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// SessionEstablished reports whether the welcome handshake has
// completed for this endpoint.
func (e *Endpoint) SessionEstablished() bool {
	return e.sessionEstablished
}

// MarkSessionEstablishedForTest sets both welcome flags and completes
// the handshake transition, skipping the discovery engine's real
// register/announce/welcome sequence. Exported for delegation package
// tests that need a ready-made established peer.
func (e *Endpoint) MarkSessionEstablishedForTest() {
	e.SentWelcome = true
	e.ReceivedWelcome = true
	e.MaybeEstablishSession()
}

// MaybeEstablishSession sets sessionEstablished and returns true the
// first time both SentWelcome and ReceivedWelcome are true. Returns
// false on every subsequent call, enforcing the "fires exactly once
// per endpoint lifetime" invariant.
func (e *Endpoint) MaybeEstablishSession() bool {
	if e.sessionEstablished {
		return false
	}
	if e.SentWelcome && e.ReceivedWelcome {
		e.sessionEstablished = true
		return true
	}
	return false
}
