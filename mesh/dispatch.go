// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sentrymesh/sentryd/wire"
)

// Run drives the event loop until ctx is canceled. It is the only
// goroutine that calls registerEndpoint, unregisterEndpoint, or any
// Handler — every other goroutine communicates with it through tasks
// or inbound.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case fn := <-m.tasks:
			fn()
		case in := <-m.inbound:
			m.handleInbound(ctx, in)
		}
	}
}

func (m *Manager) shutdown() {
	if m.listener != nil {
		m.listener.Close()
	}
	m.ForEachEndpoint(func(e *Endpoint) {
		if !e.Local {
			m.unregisterEndpoint(e)
		}
	})
}

func (m *Manager) handleInbound(ctx context.Context, in inboundFrame) {
	e := in.endpoint
	if in.readErr != nil {
		m.logger.Info("endpoint disconnected", "endpoint", e.Identity, "error", in.readErr)
		m.unregisterEndpoint(e)
		return
	}

	switch {
	case in.frame.Envelope != nil:
		m.dispatchEnvelope(ctx, e, *in.frame.Envelope)
	case in.frame.Reply != nil:
		m.dispatchReply(e, *in.frame.Reply)
	default:
		m.recordViolation(e, "empty frame")
	}
}

func (m *Manager) dispatchEnvelope(ctx context.Context, sender *Endpoint, env wire.Envelope) {
	handlers, ok := m.handlers[env.Method]
	if !ok || len(handlers) == 0 {
		m.recordViolation(sender, fmt.Sprintf("no handler for method %q", env.Method))
		return
	}
	if !sender.Local && !sender.HasPublication(env.Method) {
		m.recordViolation(sender, fmt.Sprintf("unauthorized publish of %q", env.Method))
		return
	}
	m.resetViolations(sender)
	for _, h := range handlers {
		h(ctx, m, sender, env)
	}
}

func (m *Manager) dispatchReply(sender *Endpoint, reply wire.Reply) {
	callback, ok := m.pendingReplies[reply.ReplyTo]
	if !ok {
		// Stale reply: the waiter already gave up, or this is a
		// duplicate. Discarded per the error taxonomy, not logged as
		// a violation — this is an expected race, not misbehavior.
		return
	}
	delete(m.pendingReplies, reply.ReplyTo)
	callback(sender, reply)
}

// Listen starts accepting inbound peer connections on address. Newly
// accepted connections are registered as endpoints in Connected
// state with an identity the discovery handler fills in once the
// register/announce handshake names the peer.
func (m *Manager) Listen(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("mesh: listen on %s: %w", address, err)
	}
	m.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					m.logger.Warn("accept failed", "error", err)
					return
				}
			}
			m.Post(func() { m.adoptInbound(conn) })
		}
	}()
	return nil
}

// adoptInbound registers a provisional endpoint for a newly accepted
// connection. Its identity is unknown until the peer's first
// discovery.register envelope names it, so it is keyed under a
// synthetic, unroutable identity until then.
func (m *Manager) adoptInbound(conn net.Conn) {
	provisional := NewEndpoint(Identity(fmt.Sprintf("unidentified/%d", m.nextConnID.Add(1))))
	provisional.State = Connected
	m.attachConn(provisional, conn)
	m.registerEndpoint(provisional)
}

// Rekey changes an endpoint's registry key. The discovery handler
// calls this once an inbound connection's peer identity becomes known
// from its register envelope, moving it out of the synthetic
// "unidentified/N" namespace. A non-local endpoint already registered
// under newIdentity is torn down first, as in registerEndpoint.
func (m *Manager) Rekey(e *Endpoint, newIdentity Identity) {
	if old := m.endpoints[newIdentity]; old != nil && old != e && !old.Local {
		m.logger.Warn("duplicate identity, disconnecting older endpoint", "identity", newIdentity)
		m.unregisterEndpoint(old)
	}
	delete(m.endpoints, e.Identity)
	e.Identity = newIdentity
	m.endpoints[newIdentity] = e
}

// Dial opens an outbound connection to a known peer identity and
// registers it as an endpoint. Used by the discovery engine's
// reconnect tick for peers named in configuration.
func (m *Manager) Dial(ctx context.Context, identity Identity, address string, port int, timeout time.Duration) (*Endpoint, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("mesh: dial %s:%d: %w", address, port, err)
	}

	e := NewEndpoint(identity)
	e.Address = address
	e.Port = port
	e.State = Connected
	m.attachConn(e, conn)
	m.registerEndpoint(e)
	return e, nil
}

// attachConn wires e to a live connection: a writer goroutine drains
// e.outbound onto the wire, and a reader goroutine posts every frame
// it decodes onto m.inbound. Must run on the event loop (it mutates
// e.conn/e.outbound, but never blocks on network I/O itself).
func (m *Manager) attachConn(e *Endpoint, conn net.Conn) {
	e.conn = conn
	e.outbound = make(chan wire.Frame, 64)

	go m.writeLoop(e, conn, e.outbound)
	go m.readLoop(e, conn)
}

func (m *Manager) writeLoop(e *Endpoint, conn net.Conn, outbound <-chan wire.Frame) {
	for frame := range outbound {
		var err error
		switch {
		case frame.Envelope != nil:
			err = wire.WriteEnvelope(conn, *frame.Envelope)
		case frame.Reply != nil:
			err = wire.WriteReply(conn, *frame.Reply)
		}
		if err != nil {
			m.logger.Warn("write failed, closing connection", "endpoint", e.Identity, "error", err)
			conn.Close()
			return
		}
	}
}

func (m *Manager) readLoop(e *Endpoint, conn net.Conn) {
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			m.inbound <- inboundFrame{endpoint: e, readErr: err}
			return
		}
		m.inbound <- inboundFrame{endpoint: e, frame: frame}
	}
}
