package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionConfig wires a pion-backed engine.
type PionConfig struct {
	Log *zap.Logger
	// ICEServers are only consulted when STUN is enabled.
	ICEServers  []string
	STUNEnabled bool
}

// Pion runs the media session on a pion PeerConnection. Candidate gathering
// is limited to loopback IPv4 so every path goes through the relay bridge.
type Pion struct {
	log  *zap.Logger
	api  *webrtc.API
	conf webrtc.Configuration

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	onChange func(State)
	tracks   []*webrtc.TrackLocalStaticSample
}

// NewPion builds a closed engine; Open creates the PeerConnection.
func NewPion(cfg PionConfig) (*Pion, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	se := webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetIncludeLoopbackCandidate(true)
	se.SetInterfaceFilter(func(name string) bool { return name == "lo" || name == "lo0" })

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	conf := webrtc.Configuration{}
	if cfg.STUNEnabled && len(cfg.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Pion{
		log:  cfg.Log,
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		conf: conf,
	}, nil
}

// OnStateChange implements Engine.
func (p *Pion) OnStateChange(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Open implements Engine. Local tracks are created for audio and, when
// requested, video; Tracks exposes them to a capture source.
func (p *Pion) Open(ctx context.Context, video bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc != nil {
		return errors.New("media session already open")
	}

	pc, err := p.api.NewPeerConnection(p.conf)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "offmesh")
	if err != nil {
		pc.Close()
		return fmt.Errorf("audio track: %w", err)
	}
	tracks := []*webrtc.TrackLocalStaticSample{audio}
	if video {
		vt, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "offmesh")
		if err != nil {
			pc.Close()
			return fmt.Errorf("video track: %w", err)
		}
		tracks = append(tracks, vt)
	}
	for _, tr := range tracks {
		if _, err := pc.AddTrack(tr); err != nil {
			pc.Close()
			return fmt.Errorf("add %s track: %w", tr.Kind(), err)
		}
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onChange
		p.mu.Unlock()
		p.log.Debug("media state", zap.String("state", s.String()))
		if fn != nil {
			fn(mapState(s))
		}
	})
	// Native candidates are gathered for the local ICE agent only.
	pc.OnICECandidate(func(*webrtc.ICECandidate) {})

	p.pc = pc
	p.tracks = tracks
	return nil
}

// Tracks returns the local tracks a capture source writes samples to.
func (p *Pion) Tracks() []*webrtc.TrackLocalStaticSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*webrtc.TrackLocalStaticSample(nil), p.tracks...)
}

// CreateOffer implements Engine.
func (p *Pion) CreateOffer(ctx context.Context) (string, error) {
	pc, err := p.conn(ctx)
	if err != nil {
		return "", err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return pc.LocalDescription().SDP, nil
}

// AcceptOffer implements Engine.
func (p *Pion) AcceptOffer(ctx context.Context, offer string) (string, error) {
	pc, err := p.conn(ctx)
	if err != nil {
		return "", err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return pc.LocalDescription().SDP, nil
}

// SetAnswer implements Engine.
func (p *Pion) SetAnswer(ctx context.Context, answer string) error {
	pc, err := p.conn(ctx)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// Close implements Engine. Safe to call repeatedly.
func (p *Pion) Close() error {
	p.mu.Lock()
	pc := p.pc
	p.pc, p.tracks = nil, nil
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (p *Pion) conn(ctx context.Context) (*webrtc.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return nil, errors.New("media session not open")
	}
	return p.pc, nil
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
