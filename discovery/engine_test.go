// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
	"github.com/sentrymesh/sentryd/mesh"
	"github.com/sentrymesh/sentryd/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires an Engine to a fresh Manager without starting
// any goroutines — tests call onNewEndpoint/handleAnnounce/handleRegister
// directly and synchronously, which is safe because nothing else
// touches the Manager concurrently in these tests.
func newTestEngine(identity string, peers map[string]config.PeerConfig) (*mesh.Manager, *Engine) {
	cfg := config.Default()
	cfg.Identity = identity
	cfg.Peers = peers

	clk := clock.Real()
	m := mesh.New(mesh.Identity(identity), testLogger(), clk)
	eng := New(m, cfg, clk, testLogger())

	local := m.Local()
	local.RegisterPublication(topicRegister)
	local.RegisterPublication(topicAnnounce)
	local.RegisterPublication(topicWelcome)
	m.RegisterTopicHandler(topicRegister, eng.handleRegister)
	m.RegisterTopicHandler(topicAnnounce, eng.handleAnnounce)
	m.RegisterTopicHandler(topicWelcome, eng.handleWelcome)

	return m, eng
}

// TestLoopbackSuppression covers scenario 1: an endpoint claiming our
// own identity must be torn down immediately, with no directory entry
// created for it.
func TestLoopbackSuppression(t *testing.T) {
	m, eng := newTestEngine("A", nil)

	loopback := mesh.NewEndpoint("A")
	loopback.State = mesh.Connected
	m.TestRegisterEndpoint(loopback)
	eng.onNewEndpoint(loopback)

	if _, ok := eng.Directory().Get("A"); ok {
		t.Error("loopback endpoint should not create a directory entry")
	}
	if m.Lookup("A") != nil {
		t.Error("loopback endpoint should have been disconnected and removed from the registry")
	}
}

// TestDuplicateIdentityTearsDownOlder covers scenario 2: when a second
// connection from the same identity arrives, the first is torn down
// and only the second survives.
func TestDuplicateIdentityTearsDownOlder(t *testing.T) {
	m, eng := newTestEngine("A", nil)

	first := mesh.NewEndpoint("B")
	first.State = mesh.Connected
	m.TestRegisterEndpoint(first)
	eng.onNewEndpoint(first)

	second := mesh.NewEndpoint("B")
	second.State = mesh.Connected
	m.TestRegisterEndpoint(second)
	eng.onNewEndpoint(second)

	if m.Lookup("B") != second {
		t.Error("second endpoint should be the one registered for identity B")
	}
	if first.State != mesh.Closed {
		t.Error("first endpoint should have been disconnected")
	}
}

// TestBrokerMediatedAnnounceFiltersUntrustedTopics covers the
// permission-filtering half of scenario 3: an announce relayed by a
// non-broker peer has its topics filtered through AllowedTopics,
// while a broker's announce passes through unfiltered.
func TestBrokerMediatedAnnounceFiltersUntrustedTopics(t *testing.T) {
	peers := map[string]config.PeerConfig{
		"relay":  {AllowedTopics: []string{"check.execute"}},
		"broker": {Broker: true},
	}
	m, eng := newTestEngine("A", peers)

	relay := mesh.NewEndpoint("relay")
	relay.State = mesh.Connected
	m.TestRegisterEndpoint(relay)

	broker := mesh.NewEndpoint("broker")
	broker.State = mesh.Connected
	m.TestRegisterEndpoint(broker)

	eng.handleAnnounce(context.Background(), m, relay, announceEnvelope("C", []string{"check.execute", "admin.shutdown"}))

	entry, ok := eng.Directory().Get("C")
	if !ok {
		t.Fatal("expected directory entry for C")
	}
	if entry.HasPublication("admin.shutdown") {
		t.Error("untrusted relay should not be able to grant admin.shutdown")
	}
	if !entry.HasPublication("check.execute") {
		t.Error("allowed topic check.execute should have passed through")
	}

	eng.handleAnnounce(context.Background(), m, broker, announceEnvelope("D", []string{"admin.shutdown"}))

	entryD, ok := eng.Directory().Get("D")
	if !ok {
		t.Fatal("expected directory entry for D")
	}
	if !entryD.HasPublication("admin.shutdown") {
		t.Error("a broker's announce should pass through unfiltered")
	}
}

func announceEnvelope(identity string, publications []string) wire.Envelope {
	return wire.Envelope{
		Method: topicAnnounce,
		Params: buildParams(discoveryParams{
			Identity:     identity,
			Publications: publications,
		}),
	}
}

// TestHandshakeEstablishesSessionBothDirections exercises the
// register/announce/welcome sequence directly between two engines'
// handlers, without a real transport, confirming sessionEstablished
// fires on both sides exactly once.
func TestHandshakeEstablishesSessionBothDirections(t *testing.T) {
	mA, engA := newTestEngine("A", nil)
	mB, engB := newTestEngine("B", nil)

	// A learns about B as a new remote endpoint.
	bAsSeenByA := mesh.NewEndpoint("B")
	bAsSeenByA.State = mesh.Connected
	mA.TestRegisterEndpoint(bAsSeenByA)
	engA.onNewEndpoint(bAsSeenByA)

	// B learns about A symmetrically.
	aAsSeenByB := mesh.NewEndpoint("A")
	aAsSeenByB.State = mesh.Connected
	mB.TestRegisterEndpoint(aAsSeenByB)
	engB.onNewEndpoint(aAsSeenByB)

	// Simulate B receiving A's register (identity already known since
	// this harness skips the provisional-identity rekey path).
	engB.handleRegister(context.Background(), mB, aAsSeenByB, wire.Envelope{
		Method: topicRegister,
		Params: buildParams(engA.describeLocal()),
	})
	// B replies with its own register/welcome, which in this harness we
	// deliver by invoking A's handlers directly.
	engA.handleRegister(context.Background(), mA, bAsSeenByA, wire.Envelope{
		Method: topicRegister,
		Params: buildParams(engB.describeLocal()),
	})

	if !bAsSeenByA.SentWelcome {
		t.Error("A should have sent a welcome to B once B's topics were known")
	}
	if !aAsSeenByB.SentWelcome {
		t.Error("B should have sent a welcome to A once A's topics were known")
	}

	engA.handleWelcome(context.Background(), mA, bAsSeenByA, wire.Envelope{Method: topicWelcome})
	engB.handleWelcome(context.Background(), mB, aAsSeenByB, wire.Envelope{Method: topicWelcome})

	if !bAsSeenByA.SessionEstablished() {
		t.Error("A's view of the session with B should be established")
	}
	if !aAsSeenByB.SessionEstablished() {
		t.Error("B's view of the session with A should be established")
	}
}
