package discovery

import (
	"sync"
	"time"
)

// peerTable is the RWMutex-guarded map of known peers. The presence
// listener and the sweep prober write to it; other components only ever
// read a snapshot.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]Peer)}
}

// upsertResult reports what changed as a result of a sighting.
type upsertResult int

const (
	sightingKnown   upsertResult = iota // re-sighting, nothing but LastSeen changed
	sightingNew                         // first sighting of this address
	sightingUpdated                     // known address, but name or OS changed
)

// upsert records a sighting of addr. The returned upsertResult tells the
// caller whether a peer-discovered or peer-updated event is due; a plain
// re-sighting with no identity change is silent.
func (t *peerTable) upsert(addr string, name, os string, synthetic bool, sessionID string) (Peer, upsertResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, known := t.peers[addr]
	now := time.Now()

	if known {
		existing.LastSeen = now
		changed := false
		if name != "" && name != existing.Name {
			existing.Name = name
			changed = true
		}
		if os != "" && os != existing.OS {
			existing.OS = os
			changed = true
		}
		t.peers[addr] = existing
		if changed {
			return existing, sightingUpdated
		}
		return existing, sightingKnown
	}

	peer := Peer{
		Address:   addr,
		Name:      name,
		OS:        os,
		LastSeen:  now,
		Synthetic: synthetic,
		SessionID: sessionID,
	}
	t.peers[addr] = peer
	return peer, sightingNew
}

func (t *peerTable) get(addr string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[addr]
	return p, ok
}

func (t *peerTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *peerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]Peer)
}

func (t *peerTable) snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
