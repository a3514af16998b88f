package mesh

import (
	"sort"
	"sync"
	"time"
)

// PeerState is the liveness of a transport peer.
type PeerState string

const (
	PeerDisconnected PeerState = "disconnected"
	PeerConnected    PeerState = "connected"
)

// Role hints what a peer is currently used for.
type Role string

const (
	RoleMeshOnly  Role = "mesh-only"
	RoleInSession Role = "in-session"
)

// Peer is a transport-level neighbour.
type Peer struct {
	ID        string    `json:"id"`
	State     PeerState `json:"state"`
	Role      Role      `json:"role"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// PeerTable tracks neighbours from first contact until disconnect. Writes come
// from the event loop; reads may come from any goroutine.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewPeerTable builds an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]Peer)}
}

// Touch records contact with id, creating the peer on first sight. It
// reports whether the peer is new.
func (t *PeerTable) Touch(id string, now time.Time) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = Peer{ID: id, State: PeerDisconnected, Role: RoleMeshOnly, FirstSeen: now}
	}
	p.LastSeen = now
	t.peers[id] = p
	return p, !ok
}

// SetState updates liveness, creating the peer if needed. It reports whether
// the state changed.
func (t *PeerTable) SetState(id string, state PeerState, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = Peer{ID: id, Role: RoleMeshOnly, FirstSeen: now}
	}
	changed := p.State != state
	p.State = state
	p.LastSeen = now
	t.peers[id] = p
	return changed
}

// SetRole updates the role hint of a known peer.
func (t *PeerTable) SetRole(id string, role Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok || p.Role == role {
		return false
	}
	p.Role = role
	t.peers[id] = p
	return true
}

// Remove forgets a peer.
func (t *PeerTable) Remove(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
	}
	return p, ok
}

// Reset forgets every peer.
func (t *PeerTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]Peer)
}

// Peer fetches a peer by id.
func (t *PeerTable) Peer(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// IsConnected reports whether id is currently connected.
func (t *PeerTable) IsConnected(id string) bool {
	p, ok := t.Peer(id)
	return ok && p.State == PeerConnected
}

// Snapshot returns all peers sorted by id.
func (t *PeerTable) Snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connected returns the ids of connected peers, sorted.
func (t *PeerTable) Connected() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, p := range t.peers {
		if p.State == PeerConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
