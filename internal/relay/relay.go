package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultPort is the well-known relay port on both ends of a direct link.
	DefaultPort = 5004

	maxDatagram = 64 * 1024
)

// Config wires a relay bridge.
type Config struct {
	Log     *zap.Logger
	Metrics *Metrics

	// BindHost defaults to all interfaces.
	BindHost string
	// Port is bound locally; zero picks an ephemeral port.
	Port int
	// PeerPort is the relay port on the remote side; defaults to Port.
	PeerPort int
	// EnginePort is where link traffic goes until the media engine's own
	// endpoint has been seen; defaults to Port.
	EnginePort int
}

// Bridge forwards datagrams between the local media engine, which only
// talks to loopback, and the remote side of the direct link.
type Bridge struct {
	log        *zap.Logger
	metrics    *Metrics
	bindHost   string
	port       int
	peerPort   int
	enginePort int

	mu     sync.Mutex
	conn   *net.UDPConn
	remote *net.UDPAddr
	engine *net.UDPAddr
	done   chan struct{}
}

// New builds a stopped bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid relay port %d", cfg.Port)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	if cfg.PeerPort == 0 {
		cfg.PeerPort = cfg.Port
	}
	if cfg.EnginePort == 0 {
		cfg.EnginePort = cfg.Port
	}
	return &Bridge{
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		bindHost:   cfg.BindHost,
		port:       cfg.Port,
		peerPort:   cfg.PeerPort,
		enginePort: cfg.EnginePort,
	}, nil
}

// Start binds the datagram endpoint and begins forwarding.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return errors.New("relay already running")
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(b.bindHost, fmt.Sprint(b.port)))
	if err != nil {
		return fmt.Errorf("resolve relay address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind relay: %w", err)
	}
	b.conn = conn
	b.port = conn.LocalAddr().(*net.UDPAddr).Port
	if b.peerPort == 0 {
		b.peerPort = b.port
	}
	if b.enginePort == 0 {
		b.enginePort = b.port
	}
	b.done = make(chan struct{})

	go b.serve(conn, b.done)
	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			_ = b.Stop()
		case <-done:
		}
	}(b.done)

	b.log.Info("relay listening", zap.String("address", conn.LocalAddr().String()))
	return nil
}

// Port is the bound local port.
func (b *Bridge) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// SetRemote records the peer's direct-link address. Only the IP is used; the
// port is always the peer's relay port.
func (b *Bridge) SetRemote(ip net.IP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remote = &net.UDPAddr{IP: ip, Port: b.peerPort}
	b.log.Info("relay remote set", zap.String("remote", b.remote.String()))
}

// Stop closes the endpoint and forgets the remote. Safe to call repeatedly.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	conn, done := b.conn, b.done
	b.conn, b.remote, b.engine = nil, nil, nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	b.log.Info("relay stopped")
	return err
}

func (b *Bridge) serve(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.log.Warn("relay read failed", zap.Error(err))
			}
			return
		}
		dst, direction, reason := b.route(src)
		if dst == nil {
			b.metrics.recordDrop(reason)
			continue
		}
		if _, err := conn.WriteToUDP(buf[:n], dst); err != nil {
			b.metrics.recordDrop("write")
			b.log.Debug("relay write failed", zap.String("to", dst.String()), zap.Error(err))
			continue
		}
		b.metrics.recordForward(direction)
	}
}

// route picks the destination for a datagram from src. A datagram from the
// remote link address goes to the engine; any other loopback source is the
// engine and goes to the remote; everything else is link traffic.
func (b *Bridge) route(src *net.UDPAddr) (*net.UDPAddr, string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fromRemote := b.remote != nil && src.IP.Equal(b.remote.IP) && src.Port == b.remote.Port
	if src.IP.IsLoopback() && !fromRemote {
		if src.Port == b.port {
			return nil, "", "self"
		}
		b.engine = src
		if b.remote == nil {
			return nil, "", "no_remote"
		}
		return b.remote, directionToLink, ""
	}

	if b.remote == nil {
		return nil, "", "no_remote"
	}
	if b.engine != nil {
		return b.engine, directionToEngine, ""
	}
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.enginePort}, directionToEngine, ""
}
