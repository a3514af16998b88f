package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/directlink"
	"github.com/offmesh/offmesh/internal/loop"
	"github.com/offmesh/offmesh/internal/media"
	"github.com/offmesh/offmesh/internal/mesh"
	"github.com/offmesh/offmesh/internal/signaling"
)

const (
	defaultInviteTimeout    = 30 * time.Second
	defaultCandidateWait    = 5 * time.Second
	defaultHandoffTimeout   = 30 * time.Second
	defaultSignalingTimeout = 30 * time.Second
	defaultJoinRetries      = 3
	defaultJoinBackoff      = time.Second
	defaultJoinTimeout      = 30 * time.Second
	defaultPollInterval     = time.Second
	defaultCooldown         = 2 * time.Second
	notifyTimeout           = time.Second
	linkHintPrefix          = "DIRECT-"
)

// Config wires an Orchestrator.
type Config struct {
	Log      *zap.Logger
	Loop     *loop.Loop
	Mesh     Mesh
	Link     directlink.Link
	Resolver Resolver
	NewMedia func() (media.Engine, error)
	NewRelay func() (Relay, error)
	Metrics  *Metrics
	Events   EventSink

	// ControlTTL is the hop budget for session control packets; 0 keeps
	// them between direct neighbours.
	ControlTTL       int
	InviteTimeout    time.Duration
	CandidateWait    time.Duration
	HandoffTimeout   time.Duration
	SignalingTimeout time.Duration
	JoinRetries      int
	JoinBackoff      time.Duration
	JoinTimeout      time.Duration
	PollInterval     time.Duration
	Cooldown         time.Duration
	SignalingPort    int
	// OwnerAddress is dialled when the link does not report the owner.
	OwnerAddress string
	// LinkHint names the group this node forms; empty derives one from the
	// username.
	LinkHint string
}

// Orchestrator drives one call session at a time on top of the mesh. All
// session state is owned by the event loop; blocking collaborator calls run
// on worker goroutines that post their results back.
type Orchestrator struct {
	log      *zap.Logger
	loop     *loop.Loop
	mesh     Mesh
	link     directlink.Link
	resolver Resolver
	newMedia func() (media.Engine, error)
	newRelay func() (Relay, error)
	metrics  *Metrics
	events   EventSink

	controlTTL       int
	inviteTimeout    time.Duration
	candidateWait    time.Duration
	handoffTimeout   time.Duration
	signalingTimeout time.Duration
	joinRetries      int
	joinBackoff      time.Duration
	joinTimeout      time.Duration
	pollInterval     time.Duration
	cooldown         time.Duration
	signalingPort    int
	ownerAddress     string
	linkHint         string

	// Set by Start, read-only afterwards.
	ctx context.Context

	// Owned by the loop.
	sess *session
	last Snapshot
}

type session struct {
	id    string
	role  Role
	peer  string
	video bool
	state State
	hint  string

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	timer   *loop.Timer

	// handoff is set once the mesh may have been suspended for this session.
	handoff       bool
	workerStarted bool
	candidateSeen bool
	joinAttempts  int
	endReason     string

	localIP  net.IP
	remoteIP net.IP
	channel  *signaling.Channel
	relay    Relay
	media    media.Engine
	inbox    chan signaling.Record
}

// New validates cfg and builds an orchestrator. Register it as the mesh
// session handler and call Start before the mesh delivers packets.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Loop == nil:
		return nil, errors.New("event loop is required")
	case cfg.Mesh == nil:
		return nil, errors.New("mesh is required")
	case cfg.Link == nil:
		return nil, errors.New("direct link is required")
	case cfg.Resolver == nil:
		return nil, errors.New("address resolver is required")
	case cfg.NewMedia == nil:
		return nil, errors.New("media factory is required")
	case cfg.NewRelay == nil:
		return nil, errors.New("relay factory is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = nopSink{}
	}
	if cfg.ControlTTL < 0 {
		return nil, fmt.Errorf("control ttl must be >= 0, got %d", cfg.ControlTTL)
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = defaultInviteTimeout
	}
	if cfg.CandidateWait <= 0 {
		cfg.CandidateWait = defaultCandidateWait
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = defaultHandoffTimeout
	}
	if cfg.SignalingTimeout <= 0 {
		cfg.SignalingTimeout = defaultSignalingTimeout
	}
	if cfg.JoinRetries <= 0 {
		cfg.JoinRetries = defaultJoinRetries
	}
	if cfg.JoinBackoff <= 0 {
		cfg.JoinBackoff = defaultJoinBackoff
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.SignalingPort == 0 {
		cfg.SignalingPort = signaling.DefaultPort
	}
	if cfg.SignalingPort < 0 || cfg.SignalingPort > 65535 {
		return nil, fmt.Errorf("signaling port %d out of range", cfg.SignalingPort)
	}
	if cfg.OwnerAddress == "" {
		cfg.OwnerAddress = directlink.DefaultOwnerAddress
	}
	if cfg.LinkHint == "" {
		cfg.LinkHint = linkHintPrefix + cfg.Mesh.Username()
	}

	return &Orchestrator{
		log:              cfg.Log,
		loop:             cfg.Loop,
		mesh:             cfg.Mesh,
		link:             cfg.Link,
		resolver:         cfg.Resolver,
		newMedia:         cfg.NewMedia,
		newRelay:         cfg.NewRelay,
		metrics:          cfg.Metrics,
		events:           cfg.Events,
		controlTTL:       cfg.ControlTTL,
		inviteTimeout:    cfg.InviteTimeout,
		candidateWait:    cfg.CandidateWait,
		handoffTimeout:   cfg.HandoffTimeout,
		signalingTimeout: cfg.SignalingTimeout,
		joinRetries:      cfg.JoinRetries,
		joinBackoff:      cfg.JoinBackoff,
		joinTimeout:      cfg.JoinTimeout,
		pollInterval:     cfg.PollInterval,
		cooldown:         cfg.Cooldown,
		signalingPort:    cfg.SignalingPort,
		ownerAddress:     cfg.OwnerAddress,
		linkHint:         cfg.LinkHint,
		ctx:              context.Background(),
		last:             Snapshot{State: StateIdle},
	}, nil
}

// Start binds session lifetimes to ctx. Cancelling ctx aborts any session
// in progress and stops mesh resume retries.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx = ctx
}

func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	var err error
	if callErr := o.loop.Call(context.WithoutCancel(ctx), func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

// Invite rings peer. The session stays in Inviting until the peer answers
// or the invite timeout elapses.
func (o *Orchestrator) Invite(ctx context.Context, peer string, video bool) (Snapshot, error) {
	if peer == "" || peer == mesh.Broadcast || peer == o.mesh.Username() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidPeer, peer)
	}
	var out Snapshot
	err := o.do(ctx, func() error {
		if o.sess != nil {
			return ErrBusy
		}
		s := o.newSession(uuid.NewString(), RoleInitiator, peer, video, StateInviting)
		s.hint = o.linkHint
		if err := o.submit(peer, mesh.SessionOffer{SessionID: s.id, Video: video, LinkHint: s.hint}); err != nil {
			s.cancel()
			o.sess = nil
			return fmt.Errorf("send offer: %w", err)
		}
		o.activate(s)
		s.timer = o.loop.AfterFunc(o.inviteTimeout, func() {
			if o.sess == s && s.state == StateInviting {
				o.end(s, OutcomeTimeout, "timeout", true)
			}
		})
		out = s.snapshot()
		return nil
	})
	return out, err
}

// Accept answers the ringing invite and starts the transport handoff.
func (o *Orchestrator) Accept(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := o.do(ctx, func() error {
		s := o.sess
		if s == nil {
			return ErrNoSession
		}
		if s.role != RoleResponder || s.state != StateInvited {
			return fmt.Errorf("%w: accept in %s", ErrInvalidState, s.state)
		}
		s.timer.Stop()
		if err := o.submit(s.peer, mesh.SessionAnswer{SessionID: s.id, Accepted: true}); err != nil {
			o.end(s, OutcomeFailed, "send answer: "+err.Error(), false)
			return fmt.Errorf("send answer: %w", err)
		}
		o.transition(s, StateHandoff)
		s.handoff = true
		if s.candidateSeen {
			o.startHandoff(s)
		} else {
			s.timer = o.loop.AfterFunc(o.candidateWait, func() {
				if o.sess == s && !s.workerStarted && s.state == StateHandoff {
					o.log.Info("direct-link candidate not received, joining any group", zap.String("session_id", s.id))
					o.startHandoff(s)
				}
			})
		}
		out = s.snapshot()
		return nil
	})
	return out, err
}

// Reject declines the ringing invite.
func (o *Orchestrator) Reject(ctx context.Context) error {
	return o.do(ctx, func() error {
		s := o.sess
		if s == nil {
			return ErrNoSession
		}
		if s.role != RoleResponder || s.state != StateInvited {
			return fmt.Errorf("%w: reject in %s", ErrInvalidState, s.state)
		}
		if err := o.submit(s.peer, mesh.SessionAnswer{SessionID: s.id, Accepted: false, Reason: "declined"}); err != nil {
			o.log.Warn("send reject", zap.String("session_id", s.id), zap.Error(err))
		}
		o.end(s, OutcomeRejected, "declined", false)
		return nil
	})
}

// Hangup ends the current session from any state.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	return o.do(ctx, func() error {
		s := o.sess
		if s == nil {
			return ErrNoSession
		}
		o.end(s, "", "hangup", true)
		return nil
	})
}

// Snapshot reports the active session, or the last finished one in Idle.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := o.do(ctx, func() error {
		if o.sess != nil {
			out = o.sess.snapshot()
		} else {
			out = o.last
		}
		return nil
	})
	return out, err
}

// HandleSession implements mesh.SessionHandler. Runs on the loop.
func (o *Orchestrator) HandleSession(p mesh.Packet) {
	switch b := p.Body.(type) {
	case mesh.SessionOffer:
		o.onOffer(p.From, b)
	case mesh.SessionAnswer:
		o.onAnswer(p.From, b)
	case mesh.SessionCandidate:
		o.onCandidate(p.From, b)
	case mesh.SessionEnd:
		o.onRemoteEnd(p.From, b)
	}
}

func (o *Orchestrator) onOffer(from string, b mesh.SessionOffer) {
	if s := o.sess; s != nil {
		if s.id == b.SessionID {
			return
		}
		o.log.Info("rejecting invite while busy", zap.String("peer", from), zap.String("session_id", b.SessionID), zap.String("state", string(s.state)))
		if err := o.submit(from, mesh.SessionAnswer{SessionID: b.SessionID, Accepted: false, Reason: "busy"}); err != nil {
			o.log.Warn("send busy answer", zap.String("peer", from), zap.Error(err))
		}
		o.metrics.RecordSession(OutcomeBusy)
		return
	}
	s := o.newSession(b.SessionID, RoleResponder, from, b.Video, StateInvited)
	s.hint = b.LinkHint
	o.activate(s)
	s.timer = o.loop.AfterFunc(o.inviteTimeout, func() {
		if o.sess == s && s.state == StateInvited {
			o.end(s, OutcomeTimeout, "timeout", true)
		}
	})
}

func (o *Orchestrator) onAnswer(from string, b mesh.SessionAnswer) {
	s := o.match(from, b.SessionID)
	if s == nil || s.role != RoleInitiator || s.state != StateInviting {
		return
	}
	s.timer.Stop()
	if !b.Accepted {
		reason := b.Reason
		if reason == "" {
			reason = "declined"
		}
		outcome := OutcomeRejected
		if reason == "busy" {
			outcome = OutcomeBusy
		}
		o.end(s, outcome, "rejected: "+reason, false)
		return
	}
	if err := o.submit(s.peer, mesh.SessionCandidate{SessionID: s.id, LinkHint: s.hint}); err != nil {
		o.log.Warn("send direct-link candidate", zap.String("session_id", s.id), zap.Error(err))
	}
	o.transition(s, StateHandoff)
	s.handoff = true
	o.startHandoff(s)
}

func (o *Orchestrator) onCandidate(from string, b mesh.SessionCandidate) {
	s := o.match(from, b.SessionID)
	if s == nil || s.role != RoleResponder || s.candidateSeen {
		return
	}
	s.candidateSeen = true
	if b.LinkHint != "" {
		s.hint = b.LinkHint
	}
	if s.state == StateHandoff && !s.workerStarted {
		s.timer.Stop()
		o.startHandoff(s)
	}
}

func (o *Orchestrator) onRemoteEnd(from string, b mesh.SessionEnd) {
	s := o.match(from, b.SessionID)
	if s == nil {
		return
	}
	reason := b.Reason
	if reason == "" {
		reason = "ended"
	}
	o.end(s, "", "remote: "+reason, false)
}

func (o *Orchestrator) match(from, id string) *session {
	s := o.sess
	if s == nil || s.id != id || s.peer != from {
		return nil
	}
	return s
}

func (o *Orchestrator) newSession(id string, role Role, peer string, video bool, state State) *session {
	ctx, cancel := context.WithCancel(o.ctx)
	return &session{id: id, role: role, peer: peer, video: video, state: state, ctx: ctx, cancel: cancel}
}

func (o *Orchestrator) activate(s *session) {
	o.sess = s
	o.mesh.SetPeerRole(s.peer, mesh.RoleInSession)
	o.log.Info("call session started", zap.String("session_id", s.id), zap.String("peer", s.peer), zap.String("role", string(s.role)), zap.String("state", string(s.state)))
	o.metrics.SetState(s.state)
	o.events.PublishCall(s.snapshot())
}

func (o *Orchestrator) transition(s *session, st State) {
	if s.state == st {
		return
	}
	o.log.Info("call state", zap.String("session_id", s.id), zap.String("from", string(s.state)), zap.String("state", string(st)))
	s.state = st
	o.metrics.SetState(st)
	o.events.PublishCall(s.snapshot())
}

func (o *Orchestrator) submit(to string, body mesh.Body) error {
	return o.mesh.Originate(mesh.NewPacket(o.mesh.Username(), to, o.controlTTL, body))
}

// end moves s to Ending and starts teardown. An empty outcome is derived
// from how far the session got.
func (o *Orchestrator) end(s *session, outcome, reason string, notify bool) {
	if o.sess != s || s.state == StateEnding {
		return
	}
	if outcome == "" {
		outcome = OutcomeCancelled
		if s.state == StateMediaActive {
			outcome = OutcomeCompleted
		}
	}
	s.timer.Stop()
	s.endReason = reason
	s.cancel()
	o.transition(s, StateEnding)

	// The signaling channel carries the notice once it exists, and teardown
	// owns it. Before that the mesh does if it is still running.
	viaChannel := notify && s.channel != nil
	if notify && !viaChannel {
		if err := o.submit(s.peer, mesh.SessionEnd{SessionID: s.id, Reason: reason}); err != nil {
			if errors.Is(err, mesh.ErrSuspended) {
				o.log.Debug("session end not sent, mesh suspended", zap.String("session_id", s.id))
			} else {
				o.log.Warn("send session end", zap.String("session_id", s.id), zap.Error(err))
			}
		}
	}
	go o.teardown(s, viaChannel, outcome)
}

func (o *Orchestrator) finish(s *session, outcome string) {
	if o.sess != s {
		return
	}
	o.sess = nil
	s.state = StateIdle
	o.last = s.snapshot()
	o.mesh.SetPeerRole(s.peer, mesh.RoleMeshOnly)
	o.metrics.RecordSession(outcome)
	o.metrics.SetState(StateIdle)
	o.log.Info("call session finished", zap.String("session_id", s.id), zap.String("outcome", outcome), zap.String("reason", s.endReason))
	o.events.PublishCall(o.last)
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:    s.id,
		State:        s.state,
		Role:         s.role,
		Peer:         s.peer,
		Video:        s.video,
		JoinAttempts: s.joinAttempts,
		EndReason:    s.endReason,
	}
	if s.localIP != nil {
		snap.LocalAddress = s.localIP.String()
	}
	if s.remoteIP != nil {
		snap.RemoteAddress = s.remoteIP.String()
	}
	if s.relay != nil {
		snap.RelayPort = s.relay.Port()
	}
	return snap
}
