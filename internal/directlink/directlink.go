package directlink

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// DefaultOwnerAddress is the group owner's address under the usual
// direct-link subnet convention.
const DefaultOwnerAddress = "192.168.49.1"

// ErrNotFormed is returned by DiscoverAndJoin when no group could be joined.
var ErrNotFormed = errors.New("direct-link group not formed")

// Info reports the state of the direct-link group.
type Info struct {
	Formed       bool
	GroupOwner   bool
	OwnerAddress string
}

// Link is the platform direct-link collaborator. Every call may block and
// must honour ctx.
type Link interface {
	// CreateGroup forms a group with this device as the owner.
	CreateGroup(ctx context.Context) error
	// DiscoverAndJoin looks for a group matching hint and joins it. An empty
	// hint joins any group in range.
	DiscoverAndJoin(ctx context.Context, hint string) error
	ConnectionInfo(ctx context.Context) (Info, error)
	RemoveGroup(ctx context.Context) error
}

// StaticConfig wires a Static link.
type StaticConfig struct {
	Log          *zap.Logger
	OwnerAddress string
}

// Static is a Link for hosts whose direct link is provisioned outside the
// process, such as a pre-configured point-to-point interface. Group
// formation only flips local state.
type Static struct {
	log   *zap.Logger
	owner string

	mu   sync.Mutex
	info Info
}

// NewStatic builds a static link.
func NewStatic(cfg StaticConfig) (*Static, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.OwnerAddress == "" {
		cfg.OwnerAddress = DefaultOwnerAddress
	}
	if net.ParseIP(cfg.OwnerAddress) == nil {
		return nil, errors.New("static direct link needs an IP owner address")
	}
	return &Static{log: cfg.Log, owner: cfg.OwnerAddress}, nil
}

// CreateGroup implements Link.
func (s *Static) CreateGroup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = Info{Formed: true, GroupOwner: true, OwnerAddress: s.owner}
	s.log.Info("direct-link group created", zap.String("owner", s.owner))
	return nil
}

// DiscoverAndJoin implements Link.
func (s *Static) DiscoverAndJoin(ctx context.Context, hint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = Info{Formed: true, OwnerAddress: s.owner}
	s.log.Info("direct-link group joined", zap.String("owner", s.owner), zap.String("hint", hint))
	return nil
}

// ConnectionInfo implements Link.
func (s *Static) ConnectionInfo(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

// RemoveGroup implements Link.
func (s *Static) RemoveGroup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = Info{}
	return nil
}
