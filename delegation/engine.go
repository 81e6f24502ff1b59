// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentrymesh/sentryd/core"
	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
	"github.com/sentrymesh/sentryd/mesh"
	"github.com/sentrymesh/sentryd/wire"
)

const (
	topicAssign = "delegation.assign"
	topicClear  = "delegation.clear"
)

// assignment tracks an in-flight delegation.assign request: which
// peer it was sent to and the correlation id used to match the reply.
type assignment struct {
	peer     mesh.Identity
	replyTo  string
	deadline time.Time
}

// Engine is the Delegation Engine: it owns the service → identity
// assignment map stored in the shared Graph and runs the periodic
// candidate-selection tick.
type Engine struct {
	manager *mesh.Manager
	graph   *core.Graph
	clock   clock.Clock
	logger  *slog.Logger

	localIdentity mesh.Identity
	localPolicy   AcceptPolicy

	// policies holds this daemon's configured accepts predicate for
	// every known peer identity, keyed by the identity string as it
	// appears in config.Config.Peers. Consulted instead of any
	// wire-advertised predicate — see AcceptPolicy's doc comment.
	policies map[mesh.Identity]AcceptPolicy

	assignTimeout time.Duration
	interval      time.Duration

	pending map[string]*assignment

	// ineligible excludes a (service, peer) pair from candidacy for
	// exactly one tick following a timeout or rejection, per the
	// "next tick re-attempts with the next-best candidate excluding
	// P1 for one tick" rule. Replaced with an empty map when each tick
	// returns.
	ineligible map[string]map[mesh.Identity]bool

	// everAssignedTo records every identity that has ever been handed
	// at least one assignment, so a reconnecting peer can be told to
	// discard stale local state even though we track no per-peer
	// history beyond this run.
	everAssignedTo map[mesh.Identity]bool

	ticker *clock.Ticker
}

// New constructs a Delegation Engine from configuration.
func New(manager *mesh.Manager, graph *core.Graph, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Engine {
	policies := make(map[mesh.Identity]AcceptPolicy, len(cfg.Peers))
	for identity, peer := range cfg.Peers {
		policies[mesh.Identity(identity)] = NewAcceptPolicy(peer.Accepts)
	}

	return &Engine{
		manager:        manager,
		graph:          graph,
		clock:          clk,
		logger:         logger,
		localIdentity:  manager.Identity(),
		localPolicy:    NewAcceptPolicy(cfg.Delegation.Accepts),
		policies:       policies,
		assignTimeout:  config.Duration(cfg.Delegation.AssignTimeout),
		interval:       config.Duration(cfg.Delegation.Interval),
		pending:        make(map[string]*assignment),
		ineligible:     make(map[string]map[mesh.Identity]bool),
		everAssignedTo: make(map[mesh.Identity]bool),
	}
}

// Start registers the delegation topic handlers and begins the
// periodic assignment tick. Must be called from the event loop.
func (eng *Engine) Start(ctx context.Context) {
	local := eng.manager.Local()
	local.RegisterPublication(topicAssign)
	local.RegisterSubscription(topicAssign)
	local.RegisterPublication(topicClear)
	local.RegisterSubscription(topicClear)

	eng.manager.RegisterTopicHandler(topicAssign, eng.handleAssign)
	eng.manager.RegisterTopicHandler(topicClear, eng.handleClear)
	eng.manager.OnSessionEstablished(eng.onSessionEstablished)

	eng.ticker = eng.clock.NewTicker(eng.interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				eng.ticker.Stop()
				return
			case now, ok := <-eng.ticker.C:
				if !ok {
					return
				}
				eng.manager.Post(func() { eng.tick(now) })
			}
		}
	}()
}

// onSessionEstablished sends delegation.clear to a peer that has
// previously held an assignment, in case it still remembers it
// locally from before it was lost.
func (eng *Engine) onSessionEstablished(e *mesh.Endpoint) {
	if e.Local || !eng.everAssignedTo[e.Identity] {
		return
	}
	if err := eng.manager.SendUnicast(eng.manager.Local(), e, wire.Envelope{Method: topicClear}); err != nil {
		eng.logger.Warn("delegation.clear send failed", "target", e.Identity, "error", err)
	}
}

// handleAssign answers a delegation.assign request: this daemon
// accepts iff its configured accepts predicate matches the service
// name. Runs regardless of whether the sender is local or remote.
func (eng *Engine) handleAssign(ctx context.Context, m *mesh.Manager, sender *mesh.Endpoint, env wire.Envelope) {
	serviceName, _ := env.Params["serviceName"].(string)
	accepted := eng.localPolicy.Matches(serviceName)

	if env.ReplyTo == "" {
		return
	}
	reply := wire.Reply{ReplyTo: env.ReplyTo, Result: map[string]any{"accepted": accepted}}
	if err := m.SendReply(sender, reply); err != nil {
		eng.logger.Warn("assign reply send failed", "target", sender.Identity, "error", err)
	}
}

// handleClear is a no-op placeholder for the side that would drop
// stale local check-execution state; that bookkeeping lives in the
// (external, out-of-scope) check execution engine.
func (eng *Engine) handleClear(ctx context.Context, m *mesh.Manager, sender *mesh.Endpoint, env wire.Envelope) {
	eng.logger.Debug("received delegation.clear", "from", sender.Identity)
}

// candidates returns every endpoint eligible to execute s, in the
// order the Manager's registry yields them — deterministic ordering
// is imposed later by the load/tie-break sort in tick.
func (eng *Engine) candidates(s *core.Service) []*mesh.Endpoint {
	excluded := eng.ineligible[s.Name]
	var result []*mesh.Endpoint
	eng.manager.ForEachEndpoint(func(e *mesh.Endpoint) {
		if excluded[e.Identity] {
			return
		}
		if e.Local {
			if eng.localPolicy.Matches(s.Name) {
				result = append(result, e)
			}
			return
		}
		if e.State == mesh.Connected && e.SessionEstablished() && e.HasSubscription(topicAssign) && eng.policies[e.Identity].Matches(s.Name) {
			result = append(result, e)
		}
	})
	return result
}

// load returns the number of services currently assigned to each
// candidate.
func (eng *Engine) load() map[mesh.Identity]int {
	counts := make(map[mesh.Identity]int)
	for _, s := range eng.graph.Services() {
		if s.AssignmentState == core.Assigned && s.Assignee != "" {
			counts[mesh.Identity(s.Assignee)]++
		}
	}
	return counts
}

// tick runs one pass of the assignment algorithm: demote orphaned
// assignments, revert expired pending assignments, then assign every
// unassigned service to its least-loaded eligible candidate.
func (eng *Engine) tick(now time.Time) {
	// Exclusions marked during this tick (timeouts, rejections) apply
	// to this tick's own reassignment pass below, then are cleared so
	// the excluded peer is eligible again starting next tick.
	defer func() { eng.ineligible = make(map[string]map[mesh.Identity]bool) }()

	if err := eng.graph.TryRLock(); err != nil {
		eng.logger.Warn("delegation tick skipped, graph reloading", "error", err)
		return
	}
	services := eng.graph.Services()
	eng.graph.TryRUnlock()

	for _, s := range services {
		if s.AssignmentState != core.Assigned || s.Assignee == "" {
			continue
		}
		if !eng.isCandidate(s, mesh.Identity(s.Assignee)) {
			eng.logger.Info("assignee no longer eligible, demoting", "service", s.Name, "assignee", s.Assignee)
			eng.revertToUnassigned(s)
		}
	}

	for name, p := range eng.pending {
		if !now.Before(p.deadline) {
			eng.manager.CancelReply(p.replyTo)
			s := eng.graph.Service(name)
			if s != nil {
				eng.logger.Info("assignment timed out, reverting", "service", name, "peer", p.peer)
				eng.revertToUnassigned(s)
			}
			eng.markIneligibleNextTick(name, p.peer)
			delete(eng.pending, name)
		}
	}

	loads := eng.load()

	var unassigned []*core.Service
	for _, s := range services {
		if s.AssignmentState == core.Unassigned {
			unassigned = append(unassigned, s)
		}
	}
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i].Name < unassigned[j].Name })

	for _, s := range unassigned {
		candidates := eng.candidates(s)
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			li, lj := loads[candidates[i].Identity], loads[candidates[j].Identity]
			if li != lj {
				return li < lj
			}
			return candidates[i].Identity < candidates[j].Identity
		})
		chosen := candidates[0]
		eng.assign(s, chosen, now)
		loads[chosen.Identity]++
	}
}

func (eng *Engine) isCandidate(s *core.Service, identity mesh.Identity) bool {
	for _, c := range eng.candidates(s) {
		if c.Identity == identity {
			return true
		}
	}
	return false
}

func (eng *Engine) revertToUnassigned(s *core.Service) {
	s.AssignmentState = core.Unassigned
	s.Assignee = ""
}

func (eng *Engine) markIneligibleNextTick(service string, peer mesh.Identity) {
	if eng.ineligible[service] == nil {
		eng.ineligible[service] = make(map[mesh.Identity]bool)
	}
	eng.ineligible[service][peer] = true
}

// assign issues a delegation.assign request to candidate for s,
// transitioning s to pending. A local candidate is resolved
// synchronously since there is no network round trip to wait on.
func (eng *Engine) assign(s *core.Service, candidate *mesh.Endpoint, now time.Time) {
	s.AssignmentState = core.Pending
	s.Deadline = now.Add(eng.assignTimeout)
	eng.everAssignedTo[candidate.Identity] = true

	if candidate.Local {
		eng.resolveAssignment(s, candidate.Identity, eng.localPolicy.Matches(s.Name))
		return
	}

	replyTo := uuid.NewString()
	eng.pending[s.Name] = &assignment{peer: candidate.Identity, replyTo: replyTo, deadline: s.Deadline}

	// onReply implements assignServiceResponse's sender check: a reply
	// from anyone but the peer this assignment was sent to is ignored,
	// not resolved. The Manager already removed the waiter before
	// invoking it, so an ignored reply re-arms the same waiter rather
	// than leaving the legitimate reply with nothing to match against.
	var onReply func(sender *mesh.Endpoint, reply wire.Reply)
	onReply = func(sender *mesh.Endpoint, reply wire.Reply) {
		eng.assignServiceResponse(s, candidate.Identity, sender.Identity, reply, func() {
			eng.manager.AwaitReply(replyTo, onReply)
		})
	}
	eng.manager.AwaitReply(replyTo, onReply)

	err := eng.manager.SendUnicast(eng.manager.Local(), candidate, wire.Envelope{
		Method:  topicAssign,
		Params:  map[string]any{"serviceName": s.Name},
		ReplyTo: replyTo,
	})
	if err != nil {
		eng.logger.Warn("assign send failed", "service", s.Name, "peer", candidate.Identity, "error", err)
	}
}

// assignServiceResponse handles a reply to an in-flight assign
// request. A reply from anyone but the peer this assignment was sent
// to is ignored — reArm is called so the waiter keeps listening for
// the legitimate reply instead of being left consumed by the
// impostor's frame. A timed-out assignment never reaches here: the
// tick that notices the deadline calls CancelReply first, so the
// Manager discards any reply that arrives afterward as stale.
func (eng *Engine) assignServiceResponse(s *core.Service, assignee, sender mesh.Identity, reply wire.Reply, reArm func()) {
	if sender != assignee {
		eng.logger.Warn("discarding assign reply from non-assignee",
			"service", s.Name, "assignee", assignee, "sender", sender)
		reArm()
		return
	}

	delete(eng.pending, s.Name)
	if !reply.OK() {
		eng.logger.Warn("assign request failed", "service", s.Name, "peer", assignee, "error", reply.Error)
		eng.revertToUnassigned(s)
		eng.markIneligibleNextTick(s.Name, assignee)
		return
	}
	accepted, _ := reply.Result["accepted"].(bool)
	eng.resolveAssignment(s, assignee, accepted)
}

// resolveAssignment applies a verified acceptance or rejection:
// accepted transitions to Assigned; rejection reverts to Unassigned and
// excludes the sender for one tick.
func (eng *Engine) resolveAssignment(s *core.Service, sender mesh.Identity, accepted bool) {
	if accepted {
		s.AssignmentState = core.Assigned
		s.Assignee = string(sender)
		return
	}
	eng.revertToUnassigned(s)
	eng.markIneligibleNextTick(s.Name, sender)
}
