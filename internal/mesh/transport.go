package mesh

import (
	"context"

	"github.com/offmesh/offmesh/internal/store"
)

// Transport moves bytes between directly reachable peers. It stands in for
// the short-range radio and must be restartable: Stop followed by Start
// brings the mesh back.
type Transport interface {
	// Start begins discovery and accepting connections. Events are delivered
	// to h until Stop returns.
	Start(ctx context.Context, h Handler) error
	Stop() error
	Connect(ctx context.Context, peerID string) error
	Send(ctx context.Context, peerID string, data []byte) error
}

// Handler consumes transport events. Implementations must not block.
type Handler interface {
	OnPeerDiscovered(peerID string)
	OnPeerConnected(peerID string)
	OnPeerDisconnected(peerID string)
	OnReceived(peerID string, data []byte)
}

// SessionHandler receives session control packets addressed to this node.
// It is invoked on the event loop.
type SessionHandler interface {
	HandleSession(p Packet)
}

// EventType names what an Event reports.
type EventType string

const (
	EventMessage       EventType = "message"
	EventJoinChallenge EventType = "join_challenge"
	EventGroup         EventType = "group"
	EventPeer          EventType = "peer"
)

// JoinChallenge is surfaced when an invite to a password-protected group
// arrives; JoinGroup answers it.
type JoinChallenge struct {
	GroupID   string `json:"group_id"`
	Name      string `json:"name"`
	InvitedBy string `json:"invited_by"`
}

// GroupInfo is the client view of a group; password material is withheld.
type GroupInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Creator   string   `json:"creator"`
	Members   []string `json:"members"`
	Protected bool     `json:"protected"`
}

// NewGroupInfo strips password material from g.
func NewGroupInfo(g store.Group) GroupInfo {
	return GroupInfo{
		ID:        g.ID,
		Name:      g.Name,
		Creator:   g.Creator,
		Members:   append([]string(nil), g.Members...),
		Protected: g.Protected(),
	}
}

// Event is published for state that clients display.
type Event struct {
	Type      EventType      `json:"type"`
	Message   *store.Message `json:"message,omitempty"`
	Group     *GroupInfo     `json:"group,omitempty"`
	Peer      *Peer          `json:"peer,omitempty"`
	Challenge *JoinChallenge `json:"challenge,omitempty"`
}

// EventSink receives engine events. Publish must not block the loop.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
