package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/offmesh/offmesh/internal/mesh"
)

const (
	defaultDiscoverInterval = 3 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultSendBuffer       = 64
	defaultKeepaliveTime    = 20 * time.Second
	defaultKeepaliveTimeout = 10 * time.Second
	maxFrameSize            = 4 << 20
)

// ErrNotConnected is returned by Send when no link to the peer is open.
var ErrNotConnected = errors.New("lan peer not connected")

// Peer is a statically provisioned neighbour.
type Peer struct {
	ID      string
	Address string
}

// ParsePeer reads the "id=host:port" form used in configuration.
func ParsePeer(s string) (Peer, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || id == "" || addr == "" {
		return Peer{}, fmt.Errorf("invalid lan peer %q: want id=host:port", s)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Peer{}, fmt.Errorf("invalid lan peer %q: %w", s, err)
	}
	return Peer{ID: id, Address: addr}, nil
}

// Config wires the LAN transport.
type Config struct {
	Log     *zap.Logger
	Metrics *Metrics

	NodeID           string
	Address          string
	Peers            []Peer
	DiscoverInterval time.Duration
	DialTimeout      time.Duration
	SendBuffer       int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	TLS              TLSConfig
}

// Transport carries mesh frames over gRPC streams between hosts on a LAN. It
// stands in for the short-range radio: statically configured peers are
// announced as discovered every DiscoverInterval, Connect opens a stream,
// and either side may have dialled. Stop and Start may alternate.
type Transport struct {
	log     *zap.Logger
	metrics *Metrics

	nodeID           string
	address          string
	peers            map[string]string
	peerOrder        []string
	discoverInterval time.Duration
	dialTimeout      time.Duration
	sendBuffer       int
	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration
	tls              TLSConfig

	mu       sync.Mutex
	running  bool
	handler  mesh.Handler
	server   *grpc.Server
	listener net.Listener
	runCtx   context.Context
	cancel   context.CancelFunc
	links    map[string]*link
	wg       sync.WaitGroup
}

// New validates cfg and builds a stopped transport.
func New(cfg Config) (*Transport, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("lan node id is required")
	}
	if cfg.Address == "" {
		return nil, errors.New("lan listen address is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = defaultDiscoverInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaultKeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaultKeepaliveTimeout
	}

	peers := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.ID == "" || p.Address == "" {
			return nil, fmt.Errorf("lan peer %+v incomplete", p)
		}
		if p.ID == cfg.NodeID {
			continue
		}
		peers[p.ID] = p.Address
	}
	order := make([]string, 0, len(peers))
	for id := range peers {
		order = append(order, id)
	}
	sort.Strings(order)

	return &Transport{
		log:              cfg.Log,
		metrics:          cfg.Metrics,
		nodeID:           cfg.NodeID,
		address:          cfg.Address,
		peers:            peers,
		peerOrder:        order,
		discoverInterval: cfg.DiscoverInterval,
		dialTimeout:      cfg.DialTimeout,
		sendBuffer:       cfg.SendBuffer,
		keepaliveTime:    cfg.KeepaliveTime,
		keepaliveTimeout: cfg.KeepaliveTimeout,
		tls:              cfg.TLS,
		links:            make(map[string]*link),
	}, nil
}

// Addr returns the bound listen address while running.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Start implements mesh.Transport.
func (t *Transport) Start(ctx context.Context, h mesh.Handler) error {
	if h == nil {
		return errors.New("lan handler is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("lan transport already running")
	}

	opts, err := serverCredentials(t.tls)
	if err != nil {
		return err
	}
	opts = append(opts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    t.keepaliveTime,
			Timeout: t.keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             t.keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.MaxSendMsgSize(maxFrameSize),
	)

	lis, err := net.Listen("tcp", t.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.address, err)
	}
	server := grpc.NewServer(opts...)
	server.RegisterService(&meshServiceDesc, t)

	runCtx, cancel := context.WithCancel(ctx)
	t.running = true
	t.handler = h
	t.server = server
	t.listener = lis
	t.runCtx, t.cancel = runCtx, cancel

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.log.Warn("lan server stopped", zap.Error(err))
		}
	}()
	go t.discover(runCtx, h)

	t.log.Info("lan transport listening", zap.String("address", lis.Addr().String()), zap.Int("peers", len(t.peers)))
	return nil
}

// Stop implements mesh.Transport. Every link is dropped without disconnect
// events; the caller already knows the mesh is going away.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	links := t.links
	t.links = make(map[string]*link)
	server := t.server
	t.handler, t.server, t.listener = nil, nil, nil
	t.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	server.Stop()
	t.wg.Wait()
	t.metrics.setLinks(0)
	t.log.Info("lan transport stopped")
	return nil
}

// Connect implements mesh.Transport. It returns nil when a link to peerID
// already exists or the peer kept its own link instead.
func (t *Transport) Connect(ctx context.Context, peerID string) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return errors.New("lan transport not running")
	}
	if _, ok := t.links[peerID]; ok {
		t.mu.Unlock()
		return nil
	}
	addr, ok := t.peers[peerID]
	runCtx := t.runCtx
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("lan peer %s has no known address", peerID)
	}

	opt, err := dialCredentials(t.tls)
	if err != nil {
		return err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, t.dialTimeout)
	defer cancelDial()
	// The client connects lazily; awaitAccept bounds the first exchange.
	conn, err := grpc.NewClient(addr, opt,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                t.keepaliveTime,
			Timeout:             t.keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxFrameSize), grpc.MaxCallSendMsgSize(maxFrameSize)),
	)
	if err != nil {
		t.metrics.recordLinkEvent("dial_failed")
		return fmt.Errorf("dial lan peer %s: %w", peerID, err)
	}

	linkCtx, cancelLink := context.WithCancel(runCtx)
	mdCtx := metadata.AppendToOutgoingContext(linkCtx, nodeIDKey, t.nodeID)
	cs, err := conn.NewStream(mdCtx, &meshServiceDesc.Streams[0], linkMethod)
	if err != nil {
		cancelLink()
		conn.Close()
		t.metrics.recordLinkEvent("dial_failed")
		return fmt.Errorf("open lan link to %s: %w", peerID, err)
	}
	stream := clientFrames{cs}

	if err := t.awaitAccept(dialCtx, cs, peerID); err != nil {
		cancelLink()
		conn.Close()
		if status.Code(err) == codes.AlreadyExists {
			t.metrics.recordLinkEvent("duplicate")
			return nil
		}
		t.metrics.recordLinkEvent("dial_failed")
		return fmt.Errorf("open lan link to %s: %w", peerID, err)
	}

	l := newLink(linkCtx, cancelLink, peerID, t.nodeID, stream, conn, t.sendBuffer, t.log, t.metrics)
	accepted, h := t.register(l)
	if !accepted {
		l.close()
		return nil
	}
	l.start(t.deliver, t.unregister)
	if h != nil {
		h.OnPeerConnected(peerID)
	}
	return nil
}

// awaitAccept waits for the callee's response header, which names it. A
// refusal arrives as a trailers-only response, so the status is read off the
// stream instead.
func (t *Transport) awaitAccept(ctx context.Context, cs grpc.ClientStream, peerID string) error {
	type result struct {
		md  metadata.MD
		err error
	}
	ch := make(chan result, 1)
	go func() {
		md, err := cs.Header()
		ch <- result{md, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}
	ids := res.md.Get(nodeIDKey)
	if len(ids) == 0 {
		if _, err := (clientFrames{cs}).Recv(); err != nil {
			return err
		}
		return errors.New("peer did not identify itself")
	}
	if ids[0] != peerID {
		return fmt.Errorf("peer answered as %q", ids[0])
	}
	return nil
}

// Send implements mesh.Transport. It never blocks on the network: frames are
// queued on the link and refused when the queue is full.
func (t *Transport) Send(ctx context.Context, peerID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	l := t.links[peerID]
	t.mu.Unlock()
	if l == nil {
		t.metrics.recordSendDrop("no_link")
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	if err := l.send(data); err != nil {
		t.metrics.recordSendDrop("backpressure")
		return fmt.Errorf("send to %s: %w", peerID, err)
	}
	return nil
}

// link serves an inbound Link stream for as long as it stays registered.
func (t *Transport) link(ctx context.Context, ss grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(nodeIDKey)
	if len(ids) == 0 || ids[0] == "" {
		return status.Error(codes.InvalidArgument, "node-id metadata required")
	}
	peerID := ids[0]
	if peerID == t.nodeID {
		return status.Error(codes.InvalidArgument, "refusing link to self")
	}

	t.mu.Lock()
	runCtx := t.runCtx
	running := t.running
	t.mu.Unlock()
	if !running {
		return status.Error(codes.Unavailable, "lan transport stopping")
	}

	linkCtx, cancel := context.WithCancel(runCtx)
	l := newLink(linkCtx, cancel, peerID, peerID, serverFrames{ss}, nil, t.sendBuffer, t.log, t.metrics)
	accepted, h := t.register(l)
	if !accepted {
		cancel()
		t.metrics.recordLinkEvent("duplicate")
		return status.Errorf(codes.AlreadyExists, "link with %s already open", peerID)
	}
	if err := ss.SendHeader(metadata.Pairs(nodeIDKey, t.nodeID)); err != nil {
		l.close()
		t.unregister(l)
		return err
	}

	l.start(t.deliver, t.unregister)
	if h != nil {
		h.OnPeerConnected(peerID)
	}

	select {
	case <-l.ctx.Done():
	case <-ctx.Done():
		l.close()
	}
	<-l.sendDone
	return nil
}

// register records l. When both sides dialled at once, both keep the stream
// opened by the lexicographically smaller node id so they agree on one link.
// The returned handler is non-nil only when l is a brand new neighbour.
func (t *Transport) register(l *link) (bool, mesh.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false, nil
	}
	cur, ok := t.links[l.peerID]
	if !ok {
		t.links[l.peerID] = l
		t.metrics.setLinks(len(t.links))
		t.metrics.recordLinkEvent("connected")
		t.log.Debug("lan link up", zap.String("peer", l.peerID), zap.String("dialer", l.dialer))
		return true, t.handler
	}

	preferred := t.nodeID
	if l.peerID < preferred {
		preferred = l.peerID
	}
	if cur.dialer == preferred || l.dialer != preferred {
		return false, nil
	}
	t.links[l.peerID] = l
	go cur.close()
	t.log.Debug("lan link replaced", zap.String("peer", l.peerID), zap.String("dialer", l.dialer))
	return true, nil
}

func (t *Transport) unregister(l *link) {
	t.mu.Lock()
	var h mesh.Handler
	if cur, ok := t.links[l.peerID]; ok && cur == l {
		delete(t.links, l.peerID)
		h = t.handler
		t.metrics.setLinks(len(t.links))
		t.metrics.recordLinkEvent("disconnected")
	}
	t.mu.Unlock()
	if h != nil {
		t.log.Debug("lan link down", zap.String("peer", l.peerID))
		h.OnPeerDisconnected(l.peerID)
	}
}

func (t *Transport) deliver(peerID string, data []byte) {
	t.mu.Lock()
	h := t.handler
	_, linked := t.links[peerID]
	t.mu.Unlock()
	if h == nil || !linked {
		return
	}
	h.OnReceived(peerID, data)
}

func (t *Transport) discover(ctx context.Context, h mesh.Handler) {
	defer t.wg.Done()
	if len(t.peerOrder) == 0 {
		return
	}
	ticker := time.NewTicker(t.discoverInterval)
	defer ticker.Stop()

	t.announce(h)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.announce(h)
		}
	}
}

// announce reports every configured peer without an open link.
func (t *Transport) announce(h mesh.Handler) {
	for _, id := range t.peerOrder {
		t.mu.Lock()
		_, linked := t.links[id]
		running := t.running
		t.mu.Unlock()
		if !running {
			return
		}
		if !linked {
			h.OnPeerDiscovered(id)
		}
	}
}
