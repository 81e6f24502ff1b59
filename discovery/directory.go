// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"sort"
	"time"

	"github.com/sentrymesh/sentryd/mesh"
)

// Entry is everything the Discovery Engine remembers about a remote
// identity: the topic sets last advertised for it, where it was last
// reachable, and when it was last heard from.
type Entry struct {
	Identity      mesh.Identity
	Publications  map[string]struct{}
	Subscriptions map[string]struct{}
	Address       string
	Port          int
	LastSeen      time.Time
}

// HasPublication reports whether the entry's cached topic set grants
// identity the ability to send method.
func (e *Entry) HasPublication(method string) bool {
	_, ok := e.Publications[method]
	return ok
}

// HasSubscription reports whether the entry's cached topic set
// records identity as willing to receive method.
func (e *Entry) HasSubscription(method string) bool {
	_, ok := e.Subscriptions[method]
	return ok
}

// Directory is the peer directory: identity to last-known topic sets
// and reachability. It is private to the event-loop goroutine — the
// Discovery Engine is its sole writer, per the data model's ownership
// rule.
type Directory struct {
	entries map[mesh.Identity]*Entry
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[mesh.Identity]*Entry)}
}

// Get returns the entry for identity, if any.
func (d *Directory) Get(identity mesh.Identity) (*Entry, bool) {
	e, ok := d.entries[identity]
	return e, ok
}

// Upsert creates or refreshes the entry for identity, unioning the
// supplied topic sets into the entry's cached sets and bumping
// LastSeen to now. Returns the entry and whether its topic sets
// actually changed (new publications or subscriptions were added) —
// callers use this to implement "re-broadcast only on change."
func (d *Directory) Upsert(identity mesh.Identity, publications, subscriptions []string, address string, port int, now time.Time) (*Entry, bool) {
	e, exists := d.entries[identity]
	if !exists {
		e = &Entry{
			Identity:      identity,
			Publications:  make(map[string]struct{}),
			Subscriptions: make(map[string]struct{}),
		}
		d.entries[identity] = e
	}

	changed := !exists
	for _, p := range publications {
		if _, ok := e.Publications[p]; !ok {
			e.Publications[p] = struct{}{}
			changed = true
		}
	}
	for _, s := range subscriptions {
		if _, ok := e.Subscriptions[s]; !ok {
			e.Subscriptions[s] = struct{}{}
			changed = true
		}
	}
	if address != "" && port != 0 {
		e.Address = address
		e.Port = port
	}
	e.LastSeen = now
	return e, changed
}

// Touch refreshes LastSeen for identity without altering its topic
// sets. Used by the keep-alive re-broadcast to confirm a peer is
// still reachable through us.
func (d *Directory) Touch(identity mesh.Identity, now time.Time) {
	if e, ok := d.entries[identity]; ok {
		e.LastSeen = now
	}
}

// Remove deletes the entry for identity.
func (d *Directory) Remove(identity mesh.Identity) {
	delete(d.entries, identity)
}

// EvictExpired removes every entry whose LastSeen is older than
// now-ttl and returns their identities, sorted for deterministic test
// output.
func (d *Directory) EvictExpired(now time.Time, ttl time.Duration) []mesh.Identity {
	var evicted []mesh.Identity
	cutoff := now.Add(-ttl)
	for identity, e := range d.entries {
		if e.LastSeen.Before(cutoff) {
			evicted = append(evicted, identity)
			delete(d.entries, identity)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// All returns every entry, sorted by identity for deterministic
// iteration (the tie-break rule for equal LastSeen values).
func (d *Directory) All() []*Entry {
	entries := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries
}
