// Package pairing tracks the bidirectional builder<->reviewer association
// used to launch a paired AutoFix cycle. It is a small in-memory registry,
// the same shape as the teacher's wing location map, just keyed on tab_id
// instead of wing_id and carrying a symmetric edge instead of a location.
package pairing

import "sync"

// Registry is the global builder<->reviewer pairing table. Every entry is
// symmetric: peer(peer(x)) == x always holds, and a tab_id appears in at
// most one pair at a time.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]string // tab_id -> tab_id, both directions stored
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]string)}
}

// Bind associates a and b. If either was already paired, its previous
// partner is unbound first so no tab_id ever belongs to two pairs.
func (r *Registry) Bind(a, b string) {
	if a == "" || b == "" || a == b {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(a)
	r.unbindLocked(b)
	r.peers[a] = b
	r.peers[b] = a
}

// Unbind removes tabID's pairing, if any, in both directions.
func (r *Registry) Unbind(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(tabID)
}

func (r *Registry) unbindLocked(tabID string) {
	if peer, ok := r.peers[tabID]; ok {
		delete(r.peers, tabID)
		delete(r.peers, peer)
	}
}

// Peer returns tabID's paired counterpart, if bound.
func (r *Registry) Peer(tabID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[tabID]
	return peer, ok
}

// IsPaired reports whether tabID currently has a partner.
func (r *Registry) IsPaired(tabID string) bool {
	_, ok := r.Peer(tabID)
	return ok
}

// All returns a snapshot of every pair, each reported once with the lower
// lexical tab_id first so callers don't see (a,b) and (b,a) both.
func (r *Registry) All() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.peers))
	pairs := make([][2]string, 0, len(r.peers)/2)
	for a, b := range r.peers {
		if seen[a] || seen[b] {
			continue
		}
		seen[a], seen[b] = true, true
		if a < b {
			pairs = append(pairs, [2]string{a, b})
		} else {
			pairs = append(pairs, [2]string{b, a})
		}
	}
	return pairs
}
