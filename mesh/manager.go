// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/wire"
)

// maxProtocolViolations is the number of malformed or unauthorized
// frames tolerated from one peer before the Manager disconnects it,
// per the error-handling design's protocol-error threshold.
const maxProtocolViolations = 8

// inboundFrame pairs a decoded frame with the endpoint it arrived on.
// Reader goroutines post these onto Manager.inbound; the event-loop
// goroutine is the only consumer.
type inboundFrame struct {
	endpoint *Endpoint
	frame    wire.Frame
	readErr  error
}

// Manager owns every peer connection and dispatches inbound messages
// to topic handlers. All registry and endpoint mutation happens on
// one event-loop goroutine (run); every other goroutine — per-
// connection readers, timer-driven ticks — reaches the Manager only
// through Post, SendUnicast, or SendMulticast, which either enqueue
// work for the loop or are themselves safe to call only from the loop
// (documented per-method). This is the concrete realization of the
// "single-threaded cooperative event loop with a pool of socket
// reactors" scheduling model: the reactors are the per-connection
// goroutines, the loop is the one goroutine that touches Manager and
// Endpoint state.
type Manager struct {
	identity Identity
	logger   *slog.Logger
	clock    clock.Clock

	endpoints map[Identity]*Endpoint
	handlers  map[string][]Handler

	onNewEndpoint        []func(*Endpoint)
	onSessionEstablished []func(*Endpoint)

	// pendingReplies maps a correlation id to the callback awaiting
	// that reply. Entries are removed when a Reply arrives; the
	// delegation engine is responsible for giving up (and leaking no
	// memory) via its own pending-deadline tick, which should call
	// CancelReply once a service reverts to unassigned. The callback
	// receives the endpoint the reply actually arrived on, which a
	// caller must check against whichever identity it expected to
	// answer — the connection's identity is established by the
	// discovery handshake, not by anything the reply payload claims
	// about itself.
	pendingReplies map[string]func(*Endpoint, wire.Reply)

	tasks   chan func()
	inbound chan inboundFrame

	listener net.Listener

	nextConnID atomic.Uint64

	local *Endpoint
}

// Handler processes an inbound Envelope addressed to a topic this
// Manager has registered a handler for. sender is nil only when a
// handler is invoked synthetically (never in production code).
type Handler func(ctx context.Context, m *Manager, sender *Endpoint, env wire.Envelope)

// New constructs a Manager with the given local identity. The local
// endpoint transitions directly from creation to session-established,
// matching the data model's invariant for loopback endpoints.
func New(identity Identity, logger *slog.Logger, clk clock.Clock) *Manager {
	local := NewEndpoint(identity)
	local.Local = true
	local.State = Connected
	local.sessionEstablished = true

	m := &Manager{
		identity:       identity,
		logger:         logger,
		clock:          clk,
		endpoints:      make(map[Identity]*Endpoint),
		handlers:       make(map[string][]Handler),
		pendingReplies: make(map[string]func(*Endpoint, wire.Reply)),
		tasks:          make(chan func(), 256),
		inbound:        make(chan inboundFrame, 256),
		local:          local,
	}
	m.endpoints[identity] = local
	return m
}

// Identity returns the Manager's own identity.
func (m *Manager) Identity() Identity { return m.identity }

// Local returns the loopback endpoint representing this daemon.
func (m *Manager) Local() *Endpoint { return m.local }

// RegisterTopicHandler registers h to run whenever an inbound
// Envelope's Method equals method. Multiple handlers for the same
// method all run, in registration order.
func (m *Manager) RegisterTopicHandler(method string, h Handler) {
	m.handlers[method] = append(m.handlers[method], h)
}

// OnNewEndpoint registers a callback fired once, on the event loop,
// for every endpoint registered after the callback is added — inbound
// or outbound. The local endpoint, created by New, is registered before
// any callback can be added. The Discovery Engine uses this to learn
// about new peers without polling the registry.
func (m *Manager) OnNewEndpoint(fn func(*Endpoint)) {
	m.onNewEndpoint = append(m.onNewEndpoint, fn)
}

// OnSessionEstablished registers fn to run, on the event loop, the
// instant an endpoint's welcome handshake completes. The Delegation
// Engine uses this to send delegation.clear to a peer that held an
// assignment before; the peer's candidacy is evaluated on the next tick.
func (m *Manager) OnSessionEstablished(fn func(*Endpoint)) {
	m.onSessionEstablished = append(m.onSessionEstablished, fn)
}

// NotifySessionEstablished fires the onSessionEstablished callbacks
// for e. Called by the discovery engine, the sole component that
// flips an endpoint's session-established flag, right after it does
// so. Must run on the event loop.
func (m *Manager) NotifySessionEstablished(e *Endpoint) {
	for _, fn := range m.onSessionEstablished {
		fn(e)
	}
}

// Post enqueues fn to run on the event-loop goroutine. Safe to call
// from any goroutine, including timer ticks from the discovery and
// delegation engines. fn runs to completion before the loop processes
// anything else, so it needs no locking for Manager or Endpoint state.
func (m *Manager) Post(fn func()) {
	m.tasks <- fn
}

// Lookup returns the endpoint for identity, or nil if none is
// registered. Safe to call only from the event loop.
func (m *Manager) Lookup(identity Identity) *Endpoint {
	return m.endpoints[identity]
}

// ForEachEndpoint calls fn once for a snapshot of every registered
// endpoint. Safe to call only from the event loop.
func (m *Manager) ForEachEndpoint(fn func(*Endpoint)) {
	snapshot := make([]*Endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		snapshot = append(snapshot, e)
	}
	for _, e := range snapshot {
		fn(e)
	}
}

// registerEndpoint adds e to the registry and fires onNewEndpoint
// callbacks. A non-local endpoint already registered under the same
// identity is torn down first, so the most recently accepted one wins.
// Must run on the event loop.
func (m *Manager) registerEndpoint(e *Endpoint) {
	if old := m.endpoints[e.Identity]; old != nil && old != e && !old.Local {
		m.logger.Warn("duplicate identity, disconnecting older endpoint", "identity", e.Identity)
		m.unregisterEndpoint(old)
	}
	m.endpoints[e.Identity] = e
	for _, fn := range m.onNewEndpoint {
		fn(e)
	}
}

// TestRegisterEndpoint registers e in the Manager's registry without
// requiring a live connection. Exported for discovery/delegation
// tests that construct endpoints directly rather than dialing a real
// socket.
func (m *Manager) TestRegisterEndpoint(e *Endpoint) {
	m.registerEndpoint(e)
}

// TestDispatchReply delivers reply as if it had just been read from
// sender's connection. Exported for delegation/discovery tests that
// need to simulate a reply — including one from the wrong sender —
// without a real socket.
func (m *Manager) TestDispatchReply(sender *Endpoint, reply wire.Reply) {
	m.dispatchReply(sender, reply)
}

// Disconnect tears down e: closes its transport and removes it from
// the registry. Exported for components outside the mesh package
// (the discovery engine's duplicate-identity and loopback rules) that
// need to force a teardown. Must run on the event loop.
func (m *Manager) Disconnect(e *Endpoint) {
	m.unregisterEndpoint(e)
}

// unregisterEndpoint removes e from the registry and closes its
// transport if open. Must run on the event loop.
func (m *Manager) unregisterEndpoint(e *Endpoint) {
	delete(m.endpoints, e.Identity)
	e.State = Closed
	if e.conn != nil {
		e.conn.Close()
	}
	if e.outbound != nil {
		close(e.outbound)
		e.outbound = nil
	}
}

// SendUnicast sends request to target iff target has subscribed to
// request.Method and source has published it. Otherwise the message
// is dropped silently (logged at debug) per the routing policy. Must
// run on the event loop.
func (m *Manager) SendUnicast(source, target *Endpoint, request wire.Envelope) error {
	if !source.HasPublication(request.Method) {
		m.logger.Debug("dropped unicast: source lacks publication",
			"source", source.Identity, "method", request.Method)
		return nil
	}
	if !target.HasSubscription(request.Method) {
		m.logger.Debug("dropped unicast: target lacks subscription",
			"target", target.Identity, "method", request.Method)
		return nil
	}
	return m.deliver(target, request)
}

// SendMulticast delivers request to every registered endpoint whose
// subscription set contains request.Method, excluding source and the
// local endpoint. Errors
// writing to an individual peer are logged, not returned — one bad
// peer does not abort a broadcast. Must run on the event loop.
func (m *Manager) SendMulticast(source *Endpoint, request wire.Envelope) {
	m.ForEachEndpoint(func(target *Endpoint) {
		if target == source || target.Local {
			return
		}
		if !target.HasSubscription(request.Method) {
			return
		}
		if err := m.deliver(target, request); err != nil {
			m.logger.Warn("multicast delivery failed",
				"target", target.Identity, "method", request.Method, "error", err)
		}
	})
}

// AwaitReply registers callback to run, on the event loop, when a
// Reply with the given correlation id arrives. callback receives the
// endpoint the reply was actually read from, so callers expecting an
// answer from one specific peer can verify the sender before acting
// on the reply. Call CancelReply if the caller stops waiting (e.g.
// the delegation engine's pending deadline expired) to avoid leaking
// the entry forever on a reply that never comes.
func (m *Manager) AwaitReply(replyTo string, callback func(sender *Endpoint, reply wire.Reply)) {
	m.pendingReplies[replyTo] = callback
}

// CancelReply removes a pending reply waiter without invoking it.
func (m *Manager) CancelReply(replyTo string) {
	delete(m.pendingReplies, replyTo)
}

// SendReply sends a reply back to target, bypassing publication
// checks — replies are always permitted once a request has been
// accepted. Must run on the event loop.
func (m *Manager) SendReply(target *Endpoint, reply wire.Reply) error {
	if target.outbound == nil {
		return fmt.Errorf("mesh: endpoint %s has no open connection", target.Identity)
	}
	target.outbound <- wire.Frame{Reply: &reply}
	return nil
}

func (m *Manager) deliver(target *Endpoint, request wire.Envelope) error {
	if target.Local {
		// Loopback delivery never touches the network: dispatch
		// directly as if the frame had arrived over a connection.
		m.dispatchEnvelope(context.Background(), target, request)
		return nil
	}
	if target.outbound == nil {
		return fmt.Errorf("mesh: endpoint %s has no open connection", target.Identity)
	}
	target.outbound <- wire.Frame{Envelope: &request}
	return nil
}

// recordViolation increments e's protocol-violation counter and
// disconnects it once maxProtocolViolations is reached, matching the
// error-handling design's "repeated violations ... lead to
// disconnection after a threshold." Must run on the event loop.
func (m *Manager) recordViolation(e *Endpoint, reason string) {
	e.protocolViolations++
	m.logger.Warn("protocol violation",
		"endpoint", e.Identity, "reason", reason, "count", e.protocolViolations)
	if e.protocolViolations >= maxProtocolViolations {
		m.logger.Error("disconnecting endpoint after repeated protocol violations",
			"endpoint", e.Identity)
		m.unregisterEndpoint(e)
	}
}

// resetViolations clears e's protocol-violation counter after a
// successfully processed message.
func (m *Manager) resetViolations(e *Endpoint) {
	e.protocolViolations = 0
}
