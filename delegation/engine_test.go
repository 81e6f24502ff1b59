// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sentrymesh/sentryd/core"
	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
	"github.com/sentrymesh/sentryd/mesh"
	"github.com/sentrymesh/sentryd/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires an Engine to a fresh Manager and Graph without
// starting any goroutines — tests call tick/resolveAssignment directly
// and synchronously. peerAccepts configures this daemon's own opinion
// of what each remote identity accepts, matching config.PeerConfig.Accepts.
func newTestEngine(identity string, localAccepts []string, peerAccepts map[string][]string) (*mesh.Manager, *core.Graph, *Engine, *clock.FakeClock) {
	cfg := config.Default()
	cfg.Identity = identity
	cfg.Delegation.Accepts = localAccepts
	cfg.Peers = make(map[string]config.PeerConfig, len(peerAccepts))
	for peerIdentity, accepts := range peerAccepts {
		cfg.Peers[peerIdentity] = config.PeerConfig{Accepts: accepts}
	}

	clk := clock.Fake(time.Unix(0, 0))
	m := mesh.New(mesh.Identity(identity), testLogger(), clk)
	graph := core.NewGraph()
	eng := New(m, graph, cfg, clk, testLogger())

	local := m.Local()
	local.RegisterPublication(topicAssign)
	local.RegisterSubscription(topicAssign)

	return m, graph, eng, clk
}

// remoteCandidate registers a connected, session-established remote
// endpoint subscribed to delegation.assign. Whether it is actually a
// candidate for a given service still depends on this daemon's
// configured AcceptPolicy for its identity (see newTestEngine).
func remoteCandidate(m *mesh.Manager, identity string) *mesh.Endpoint {
	e := mesh.NewEndpoint(mesh.Identity(identity))
	e.State = mesh.Connected
	e.RegisterSubscription(topicAssign)
	e.RegisterPublication(topicAssign)
	m.TestRegisterEndpoint(e)
	e.MarkSessionEstablishedForTest()
	return e
}

func TestCandidatesFiltersByConfiguredAcceptPolicyAndSubscription(t *testing.T) {
	m, _, eng, _ := newTestEngine("A", []string{"web.*"}, map[string][]string{
		"B": {"web.*"},
	})

	b := remoteCandidate(m, "B")
	c := mesh.NewEndpoint("C") // never session-established
	c.State = mesh.Connected
	m.TestRegisterEndpoint(c)

	webService := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	dbService := &core.Service{Name: "db.postgres", AssignmentState: core.Unassigned}

	webCandidates := eng.candidates(webService)
	found := false
	for _, e := range webCandidates {
		if e == b {
			found = true
		}
		if e == c {
			t.Error("endpoint without an established session must not be a candidate")
		}
	}
	if !found {
		t.Error("B should be a candidate for web.http per its configured accept policy")
	}

	for _, e := range eng.candidates(dbService) {
		if e == b {
			t.Error("B's configured accept policy does not cover db.postgres")
		}
		if e.Local {
			t.Error("local endpoint should not be a candidate for db.postgres given accepts=[web.*]")
		}
	}
}

func TestRemoteCandidateWithoutConfiguredPolicyIsExcluded(t *testing.T) {
	m, _, eng, _ := newTestEngine("A", nil, nil)

	remoteCandidate(m, "B") // no entry in cfg.Peers at all

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	if len(eng.candidates(s)) != 0 {
		t.Error("a peer with no configured accepts policy must default-deny, not default-allow")
	}
}

// TestAssignmentRebalanceOnLoss covers scenario 4: an assigned peer is
// lost, and the service is reassigned to the remaining candidate, all
// within the tick that observes the loss.
func TestAssignmentRebalanceOnLoss(t *testing.T) {
	m, graph, eng, clk := newTestEngine("A", nil, map[string][]string{
		"B": {"**"},
		"C": {"**"},
	})

	b := remoteCandidate(m, "B")
	remoteCandidate(m, "C")

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	graph.AddService(s)

	eng.tick(clk.Now())

	if s.AssignmentState != core.Pending {
		t.Fatalf("expected Pending after first tick, got %s", s.AssignmentState)
	}
	pending, ok := eng.pending[s.Name]
	if !ok || pending.peer != "B" {
		t.Fatalf("expected pending assignment to B (lowest identity), got %+v", pending)
	}

	// Simulate B accepting.
	eng.resolveAssignment(s, "B", true)
	if s.AssignmentState != core.Assigned || s.Assignee != "B" {
		t.Fatalf("expected Assigned to B, got state=%s assignee=%s", s.AssignmentState, s.Assignee)
	}

	// B is lost.
	m.Disconnect(b)

	eng.tick(clk.Now())

	if s.AssignmentState != core.Pending {
		t.Fatalf("expected service reassigned (Pending) after B's loss, got %s", s.AssignmentState)
	}
	pending, ok = eng.pending[s.Name]
	if !ok || pending.peer != "C" {
		t.Fatalf("expected reassignment to C after B's loss, got %+v", pending)
	}
}

// TestAssignmentTimeoutExcludesPeerForOneTick covers scenario 5: a
// pending assignment that never gets a reply reverts to Unassigned,
// and the timed-out peer is excluded from the very next candidate
// selection but becomes eligible again the tick after.
func TestAssignmentTimeoutExcludesPeerForOneTick(t *testing.T) {
	m, graph, eng, clk := newTestEngine("A", nil, map[string][]string{"B": {"**"}})

	remoteCandidate(m, "B")

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	graph.AddService(s)

	eng.tick(clk.Now())
	if s.AssignmentState != core.Pending {
		t.Fatalf("expected Pending, got %s", s.AssignmentState)
	}

	clk.Advance(config.Duration(config.Default().Delegation.AssignTimeout) + time.Second)

	eng.tick(clk.Now())
	if s.AssignmentState != core.Unassigned {
		t.Fatalf("expected timeout to revert to Unassigned, got %s", s.AssignmentState)
	}
	if _, stillPending := eng.pending[s.Name]; stillPending {
		t.Error("pending entry should have been cleared on timeout")
	}

	// B is the only candidate and was excluded for this tick, so the
	// service should remain unassigned through this same tick.
	if s.AssignmentState == core.Pending {
		t.Fatal("B should have been excluded from reassignment in the timeout tick")
	}

	// Next tick: B is eligible again.
	eng.tick(clk.Now())
	if s.AssignmentState != core.Pending {
		t.Fatalf("expected reassignment to B on the following tick, got %s", s.AssignmentState)
	}
	if eng.pending[s.Name].peer != "B" {
		t.Errorf("expected B to be reassigned once its exclusion expired, got %s", eng.pending[s.Name].peer)
	}
}

// TestRejectionExcludesPeerForOneTick covers the rejection half of the
// same rule: an explicit accepted=false reply behaves like a timeout.
func TestRejectionExcludesPeerForOneTick(t *testing.T) {
	m, graph, eng, clk := newTestEngine("A", nil, map[string][]string{
		"B": {"**"},
		"C": {"**"},
	})

	remoteCandidate(m, "B")
	remoteCandidate(m, "C")

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	graph.AddService(s)

	eng.tick(clk.Now())
	firstPeer := eng.pending[s.Name].peer

	eng.resolveAssignment(s, firstPeer, false)
	if s.AssignmentState != core.Unassigned {
		t.Fatalf("expected rejection to revert to Unassigned, got %s", s.AssignmentState)
	}

	eng.tick(clk.Now())
	if eng.pending[s.Name] == nil {
		t.Fatal("expected reassignment on the tick following rejection")
	}
	if eng.pending[s.Name].peer == firstPeer {
		t.Errorf("rejecting peer %s should have been excluded for one tick", firstPeer)
	}
}

// TestAssignReplyFromNonAssigneeIsIgnored covers the assignServiceResponse
// rule that a reply is only meaningful from the peer the assignment was
// actually sent to — any other sender's frame is discarded, and the
// assignment keeps waiting for the real assignee.
func TestAssignReplyFromNonAssigneeIsIgnored(t *testing.T) {
	m, graph, eng, clk := newTestEngine("A", nil, map[string][]string{
		"B": {"**"},
		"C": {"**"},
	})

	remoteCandidate(m, "B")
	impostor := remoteCandidate(m, "C")

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	graph.AddService(s)

	eng.tick(clk.Now())
	pending, ok := eng.pending[s.Name]
	if !ok || pending.peer != "B" {
		t.Fatalf("expected pending assignment to B, got %+v", pending)
	}

	m.TestDispatchReply(impostor, wire.Reply{ReplyTo: pending.replyTo, Result: map[string]any{"accepted": true}})

	if s.AssignmentState != core.Pending {
		t.Fatalf("reply from non-assignee must not resolve the assignment, got state=%s", s.AssignmentState)
	}
	if _, stillPending := eng.pending[s.Name]; !stillPending {
		t.Fatal("assignment must keep waiting for the real assignee after an impostor's reply")
	}

	// The legitimate assignee's reply must still be honored afterward.
	b := m.Lookup("B")
	m.TestDispatchReply(b, wire.Reply{ReplyTo: pending.replyTo, Result: map[string]any{"accepted": true}})
	if s.AssignmentState != core.Assigned || s.Assignee != "B" {
		t.Fatalf("expected assignment to B to resolve after its own reply, got state=%s assignee=%s", s.AssignmentState, s.Assignee)
	}
}

// TestStaleReplyAfterTimeoutIsDiscarded covers the other half of the
// same rule: once a pending assignment has timed out, the Manager has
// already cancelled its waiter, so a reply that arrives afterward must
// not resurrect it.
func TestStaleReplyAfterTimeoutIsDiscarded(t *testing.T) {
	m, graph, eng, clk := newTestEngine("A", nil, map[string][]string{"B": {"**"}})

	remoteCandidate(m, "B")

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	graph.AddService(s)

	eng.tick(clk.Now())
	pending := eng.pending[s.Name]

	clk.Advance(config.Duration(config.Default().Delegation.AssignTimeout) + time.Second)
	eng.tick(clk.Now())
	if s.AssignmentState != core.Unassigned {
		t.Fatalf("expected timeout to revert to Unassigned, got %s", s.AssignmentState)
	}

	b := m.Lookup("B")
	m.TestDispatchReply(b, wire.Reply{ReplyTo: pending.replyTo, Result: map[string]any{"accepted": true}})

	if s.AssignmentState != core.Unassigned {
		t.Fatalf("a reply arriving after timeout must stay discarded, got state=%s", s.AssignmentState)
	}
}

func TestLocalAssignmentResolvesSynchronously(t *testing.T) {
	_, graph, eng, clk := newTestEngine("A", []string{"**"}, nil)

	s := &core.Service{Name: "web.http", AssignmentState: core.Unassigned}
	graph.AddService(s)

	eng.tick(clk.Now())

	if s.AssignmentState != core.Assigned || s.Assignee != "A" {
		t.Fatalf("expected local assignment to resolve without a round trip, got state=%s assignee=%s", s.AssignmentState, s.Assignee)
	}
}
