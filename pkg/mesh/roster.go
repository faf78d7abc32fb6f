package mesh

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Roster is the set of connected peers. Joins and leaves arrive on the
// network goroutines; the broadcast path reads a snapshot.
//
// Roster is safe for concurrent use.
type Roster struct {
	mu    sync.RWMutex
	peers map[PeerID]Peer
	now   func() time.Time
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{peers: make(map[PeerID]Peer), now: time.Now}
}

// Join adds or refreshes a peer. It reports whether the peer is new.
func (r *Roster) Join(id PeerID, displayName string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.peers[id]
	p := Peer{ID: id, DisplayName: displayName, LastSeen: r.now()}
	r.peers[id] = p
	return p, !existed
}

// Leave removes a peer. It reports whether the peer was present.
func (r *Roster) Leave(id PeerID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return p, ok
}

// Touch updates a peer's LastSeen. Unknown peers are ignored.
func (r *Roster) Touch(id PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastSeen = r.now()
		r.peers[id] = p
	}
}

// Get returns the peer with id.
func (r *Roster) Get(id PeerID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Len returns the number of peers.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns the peers sorted by ID.
func (r *Roster) Snapshot() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Peer) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
