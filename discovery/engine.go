// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
	"github.com/sentrymesh/sentryd/lib/principal"
	"github.com/sentrymesh/sentryd/mesh"
	"github.com/sentrymesh/sentryd/wire"
)

const (
	topicRegister = "discovery.register"
	topicAnnounce = "discovery.announce"
	topicWelcome  = "discovery.welcome"
)

// staticPeer is a configured, named upstream — the discovery tick
// dials these whenever no connected endpoint exists for them,
// preferring the config-supplied address over anything learned
// dynamically.
type staticPeer struct {
	address       string
	port          int
	broker        bool
	allowedTopics []string
}

// Engine is the Discovery Engine: it owns the peer directory, runs
// the handshake state machine for every remote endpoint, and drives
// the reconnect/eviction tick.
type Engine struct {
	manager *mesh.Manager
	clock   clock.Clock
	logger  *slog.Logger

	localIdentity mesh.Identity
	directory     *Directory

	interval        time.Duration
	registrationTTL time.Duration
	connectTimeout  time.Duration

	staticPeers map[mesh.Identity]staticPeer

	ticker *clock.Ticker
}

// New constructs a Discovery Engine from configuration. It does not
// register anything on the manager yet — call Start for that.
func New(manager *mesh.Manager, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Engine {
	staticPeers := make(map[mesh.Identity]staticPeer, len(cfg.Peers))
	for identity, peer := range cfg.Peers {
		staticPeers[mesh.Identity(identity)] = staticPeer{
			address:       peer.Address,
			port:          peer.Port,
			broker:        peer.Broker,
			allowedTopics: peer.AllowedTopics,
		}
	}

	return &Engine{
		manager:         manager,
		clock:           clk,
		logger:          logger,
		localIdentity:   manager.Identity(),
		directory:       NewDirectory(),
		interval:        config.Duration(cfg.Discovery.Interval),
		registrationTTL: config.Duration(cfg.Discovery.RegistrationTTL),
		connectTimeout:  config.Duration(cfg.Discovery.ConnectTimeout),
		staticPeers:     staticPeers,
	}
}

// Directory exposes the peer directory read-only for other
// components (the Status Exporter does not need it, but tests do).
func (eng *Engine) Directory() *Directory { return eng.directory }

// Start registers the three discovery topic handlers, subscribes to
// new-endpoint notifications, and begins the reconnect/eviction tick.
// Must be called from the event loop (typically right after
// mesh.New, before Manager.Run).
func (eng *Engine) Start(ctx context.Context) {
	local := eng.manager.Local()
	local.RegisterPublication(topicRegister)
	local.RegisterPublication(topicAnnounce)
	local.RegisterPublication(topicWelcome)

	eng.manager.RegisterTopicHandler(topicRegister, eng.handleRegister)
	eng.manager.RegisterTopicHandler(topicAnnounce, eng.handleAnnounce)
	eng.manager.RegisterTopicHandler(topicWelcome, eng.handleWelcome)

	eng.manager.OnNewEndpoint(eng.onNewEndpoint)
	eng.manager.ForEachEndpoint(eng.onNewEndpoint)

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

	// "call the timer as soon as possible": run one tick immediately
	// rather than waiting a full interval for the first reconnect pass.
	eng.manager.Post(func() { eng.tick(eng.clock.Now()) })
}

// onNewEndpoint implements the precise sequence from the handshake
// design for a newly registered endpoint, local or remote. Runs on
// the event loop (it is invoked either synchronously from Start or as
// a mesh.Manager.OnNewEndpoint callback, which only ever fires from
// registerEndpoint on the loop).
func (eng *Engine) onNewEndpoint(e *mesh.Endpoint) {
	if e.Local {
		return
	}

	if e.Identity == eng.localIdentity {
		eng.logger.Warn("detected loopback connection, disconnecting", "endpoint", e.Identity)
		eng.manager.Disconnect(e)
		return
	}

	eng.manager.ForEachEndpoint(func(other *mesh.Endpoint) {
		if other == e || other.Local {
			return
		}
		if other.Identity == e.Identity && other.State == mesh.Connected {
			eng.logger.Warn("detected duplicate identity, disconnecting old endpoint", "identity", other.Identity)
			eng.manager.Disconnect(other)
		}
	})

	e.RegisterPublication(topicRegister)
	e.RegisterPublication(topicAnnounce)
	e.RegisterSubscription(topicRegister)
	e.RegisterSubscription(topicAnnounce)
	e.RegisterSubscription(topicWelcome)

	local := eng.manager.Local()
	eng.send(local, e, topicRegister, eng.describeLocal())
	eng.send(local, e, topicAnnounce, eng.describeLocal())

	for _, entry := range eng.directory.All() {
		eng.send(local, e, topicAnnounce, discoveryParams{
			Identity:      string(entry.Identity),
			Address:       entry.Address,
			Port:          entry.Port,
			Publications:  keys(entry.Publications),
			Subscriptions: keys(entry.Subscriptions),
		})
	}

	if entry, ok := eng.directory.Get(e.Identity); ok {
		for pub := range entry.Publications {
			e.RegisterPublication(pub)
		}
		for sub := range entry.Subscriptions {
			e.RegisterSubscription(sub)
		}
		eng.finishHandshake(e)
	}
	// Otherwise: wait for a discovery.announce (possibly via a broker)
	// before we know enough about e to finish the handshake.
}

// finishHandshake sends the local discovery.welcome and marks
// sentWelcome, establishing the session if the welcome was already
// received.
func (eng *Engine) finishHandshake(e *mesh.Endpoint) {
	if e.SentWelcome {
		return
	}
	e.RegisterSubscription(topicWelcome)
	eng.send(eng.manager.Local(), e, topicWelcome, discoveryParams{Identity: string(eng.localIdentity)})
	e.SentWelcome = true
	if e.MaybeEstablishSession() {
		eng.logger.Info("session established", "endpoint", e.Identity)
		eng.manager.NotifySessionEstablished(e)
	}
}

func (eng *Engine) handleWelcome(ctx context.Context, m *mesh.Manager, sender *mesh.Endpoint, env wire.Envelope) {
	if sender.ReceivedWelcome {
		return
	}
	sender.ReceivedWelcome = true
	if sender.MaybeEstablishSession() {
		eng.logger.Info("session established", "endpoint", sender.Identity)
		eng.manager.NotifySessionEstablished(sender)
	}
}

// handleRegister processes a discovery.register: the sender's
// identity is authoritative (the connection is one hop), so the
// message is always trusted regardless of payload content.
func (eng *Engine) handleRegister(ctx context.Context, m *mesh.Manager, sender *mesh.Endpoint, env wire.Envelope) {
	params := parseParams(env.Params)
	if provisional(sender.Identity) && params.Identity != "" {
		// An inbound connection's identity is unknown until its first
		// register names it. There is no separate transport-level
		// identity channel in this deployment (no mutual TLS), so the
		// declared identity becomes authoritative at this point — this
		// is still "one hop," just carried in the payload instead of a
		// certificate.
		eng.manager.Rekey(sender, mesh.Identity(params.Identity))
		eng.onNewEndpoint(sender)
	}
	eng.processDiscoveryMessage(sender.Identity, params, sender, true, sender.Identity)
}

func provisional(identity mesh.Identity) bool {
	return strings.HasPrefix(string(identity), "unidentified/")
}

// handleAnnounce processes a discovery.announce: the payload names a
// third party, so it is trusted only when the sender is a configured
// broker; otherwise surviving topics are filtered by AllowedTopics.
func (eng *Engine) handleAnnounce(ctx context.Context, m *mesh.Manager, sender *mesh.Endpoint, env wire.Envelope) {
	params := parseParams(env.Params)
	if params.Identity == "" || mesh.Identity(params.Identity) == eng.localIdentity {
		return
	}
	trusted := eng.staticPeers[sender.Identity].broker
	target := eng.manager.Lookup(mesh.Identity(params.Identity))
	eng.processDiscoveryMessage(mesh.Identity(params.Identity), params, target, trusted, sender.Identity)
}

// processDiscoveryMessage upserts the directory and, only if the
// topic sets actually changed, re-broadcasts the announcement —
// implementing the "only on change" resolution of the open question
// about broadcast storms.
func (eng *Engine) processDiscoveryMessage(identity mesh.Identity, params discoveryParams, target *mesh.Endpoint, trusted bool, policySource mesh.Identity) {
	if identity == eng.localIdentity {
		return
	}

	publications, subscriptions := params.Publications, params.Subscriptions
	if !trusted {
		allowed := eng.staticPeers[policySource].allowedTopics
		publications = filterTopics(publications, allowed)
		subscriptions = filterTopics(subscriptions, allowed)
	}

	entry, changed := eng.directory.Upsert(identity, publications, subscriptions, params.Address, params.Port, eng.clock.Now())

	if target != nil {
		for pub := range entry.Publications {
			target.RegisterPublication(pub)
		}
		for sub := range entry.Subscriptions {
			target.RegisterSubscription(sub)
		}
		if !target.Local {
			eng.finishHandshake(target)
		}
	}

	if changed {
		eng.broadcastAnnounce(entry)
	}
}

func filterTopics(topics []string, allowed []string) []string {
	if len(allowed) == 0 {
		allowed = []string{"**"}
	}
	var out []string
	for _, t := range topics {
		if principal.MatchAnyPattern(allowed, t) {
			out = append(out, t)
		}
	}
	return out
}

func (eng *Engine) broadcastAnnounce(entry *Entry) {
	eng.manager.SendMulticast(eng.manager.Local(), wire.Envelope{
		Method: topicAnnounce,
		Params: buildParams(discoveryParams{
			Identity:      string(entry.Identity),
			Address:       entry.Address,
			Port:          entry.Port,
			Publications:  keys(entry.Publications),
			Subscriptions: keys(entry.Subscriptions),
		}),
	})
}

// tick runs the reconnect/eviction pass. Runs on the event loop (it
// is always invoked via manager.Post).
func (eng *Engine) tick(now time.Time) {
	for identity, peer := range eng.staticPeers {
		if eng.manager.Lookup(identity) != nil {
			continue
		}
		eng.dial(identity, peer.address, peer.port)
	}

	for _, identity := range eng.directory.EvictExpired(now, eng.registrationTTL) {
		eng.logger.Info("evicting stale directory entry", "identity", identity)
	}

	for _, entry := range eng.directory.All() {
		if entry.Identity == eng.localIdentity {
			continue
		}
		if _, isStatic := eng.staticPeers[entry.Identity]; isStatic {
			continue
		}

		eng.broadcastAnnounce(entry)

		endpoint := eng.manager.Lookup(entry.Identity)
		if endpoint != nil && endpoint.State == mesh.Connected {
			eng.directory.Touch(entry.Identity, now)
			continue
		}
		if entry.Address != "" && entry.Port != 0 {
			eng.dial(entry.Identity, entry.Address, entry.Port)
		}
	}
}

func (eng *Engine) dial(identity mesh.Identity, address string, port int) {
	ctx, cancel := context.WithTimeout(context.Background(), eng.connectTimeout)
	defer cancel()
	if _, err := eng.manager.Dial(ctx, identity, address, port, eng.connectTimeout); err != nil {
		eng.logger.Info("reconnect attempt failed", "identity", identity, "error", err)
	}
}

func (eng *Engine) send(source, target *mesh.Endpoint, method string, params discoveryParams) {
	if err := eng.manager.SendUnicast(source, target, wire.Envelope{
		Method: method,
		Params: buildParams(params),
	}); err != nil {
		eng.logger.Warn("send failed", "method", method, "target", target.Identity, "error", err)
	}
}

func (eng *Engine) describeLocal() discoveryParams {
	local := eng.manager.Local()
	return discoveryParams{
		Identity:      string(eng.localIdentity),
		Publications:  local.Publications(),
		Subscriptions: local.Subscriptions(),
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
