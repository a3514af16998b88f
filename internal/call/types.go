package call

import (
	"context"
	"errors"
	"net"

	"github.com/offmesh/offmesh/internal/mesh"
)

// State is a call session state.
type State string

const (
	StateIdle        State = "idle"
	StateInviting    State = "inviting"
	StateInvited     State = "invited"
	StateHandoff     State = "transport_handoff"
	StateSignaling   State = "signaling"
	StateMediaActive State = "media_active"
	StateEnding      State = "ending"
)

var allStates = []State{StateIdle, StateInviting, StateInvited, StateHandoff, StateSignaling, StateMediaActive, StateEnding}

// Role is the local side of a session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Session outcomes, used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeBusy      = "busy"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var (
	// ErrBusy is returned when a session is already in progress.
	ErrBusy = errors.New("call already in progress")
	// ErrNoSession is returned when an operation needs a session and there is none.
	ErrNoSession = errors.New("no active call")
	// ErrInvalidState is returned when the session is not in a state that
	// allows the operation.
	ErrInvalidState = errors.New("operation not valid in current call state")
	// ErrInvalidPeer is returned for an empty or self peer.
	ErrInvalidPeer = errors.New("invalid call peer")
)

// Snapshot is the client view of the current (or last) session.
type Snapshot struct {
	SessionID     string `json:"session_id,omitempty"`
	State         State  `json:"state"`
	Role          Role   `json:"role,omitempty"`
	Peer          string `json:"peer,omitempty"`
	Video         bool   `json:"video"`
	LocalAddress  string `json:"local_address,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
	RelayPort     int    `json:"relay_port,omitempty"`
	JoinAttempts  int    `json:"join_attempts,omitempty"`
	EndReason     string `json:"end_reason,omitempty"`
}

// EventSink receives session state changes. PublishCall must not block.
type EventSink interface {
	PublishCall(Snapshot)
}

type nopSink struct{}

func (nopSink) PublishCall(Snapshot) {}

// Mesh is the part of the mesh engine the orchestrator drives. Originate
// and SetPeerRole are called on the event loop; Suspend and Resume never are.
type Mesh interface {
	Username() string
	Originate(p mesh.Packet) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPeerRole(peerID string, role mesh.Role)
}

// Resolver finds the local direct-link address.
type Resolver interface {
	Resolve(ctx context.Context) (net.IP, error)
}

// Relay is the datagram bridge used during a session.
type Relay interface {
	Start(ctx context.Context) error
	SetRemote(ip net.IP)
	Port() int
	Stop() error
}
