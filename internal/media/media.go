package media

import "context"

// State is the media connection state reported by an Engine.
type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Engine is the real-time media collaborator. Its own connectivity
// candidates are never forwarded; the caller substitutes a relay candidate
// into every description it transmits.
type Engine interface {
	// Open acquires local media for a session.
	Open(ctx context.Context, video bool) error
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	SetAnswer(ctx context.Context, answer string) error
	// OnStateChange registers fn for connection state changes. Register
	// before Open; fn may be called from any goroutine.
	OnStateChange(fn func(State))
	Close() error
}
