package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/offmesh/offmesh/internal/directlink"
	"github.com/offmesh/offmesh/internal/loop"
	"github.com/offmesh/offmesh/internal/media"
	"github.com/offmesh/offmesh/internal/mesh"
	"github.com/offmesh/offmesh/internal/relay"
)

const nativeSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.5 50000 typ host\r\n" +
	"a=candidate:2 1 udp 1694498815 203.0.113.9 50001 typ srflx raddr 192.168.1.5 rport 50000\r\n" +
	"a=end-of-candidates\r\n"

// fakeNet delivers session packets between orchestrators in one process.
// Each node drains its inbox on its own goroutine, so a sender running on
// its loop never waits on the receiver's loop.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[string]*testNode
}

func (n *fakeNet) deliver(p mesh.Packet) {
	n.mu.Lock()
	dst := n.nodes[p.To]
	n.mu.Unlock()
	if dst == nil || dst.mesh.Suspended() {
		return
	}
	select {
	case dst.inbox <- p:
	default:
	}
}

func (n *testNode) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-n.inbox:
			n.loop.Post(func() { n.orch.HandleSession(p) })
		}
	}
}

type fakeMesh struct {
	net  *fakeNet
	name string

	mu             sync.Mutex
	suspended      bool
	suspendErr     error
	suspends       int
	resumes        int
	resumeFailures int
	roles          map[string]mesh.Role
}

func (m *fakeMesh) Username() string { return m.name }

func (m *fakeMesh) Originate(p mesh.Packet) error {
	if m.Suspended() {
		return mesh.ErrSuspended
	}
	m.net.deliver(p)
	return nil
}

func (m *fakeMesh) Suspend(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspends++
	if m.suspendErr != nil {
		return m.suspendErr
	}
	m.suspended = true
	return nil
}

func (m *fakeMesh) Resume(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes++
	if m.resumeFailures > 0 {
		m.resumeFailures--
		return errors.New("radio busy")
	}
	m.suspended = false
	return nil
}

func (m *fakeMesh) SetPeerRole(peerID string, role mesh.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles == nil {
		m.roles = make(map[string]mesh.Role)
	}
	m.roles[peerID] = role
}

func (m *fakeMesh) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

func (m *fakeMesh) counts() (suspends, resumes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspends, m.resumes
}

func (m *fakeMesh) role(peer string) mesh.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[peer]
}

type fakeLink struct {
	mu        sync.Mutex
	joinErr   error
	createErr error
	// owner overrides the reported group owner address.
	owner    string
	formed   bool
	creates  int
	joins    int
	removes  int
	lastHint string
}

func (l *fakeLink) CreateGroup(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates++
	if l.createErr != nil {
		return l.createErr
	}
	l.formed = true
	return nil
}

func (l *fakeLink) DiscoverAndJoin(_ context.Context, hint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joins++
	l.lastHint = hint
	if l.joinErr != nil {
		return l.joinErr
	}
	l.formed = true
	return nil
}

func (l *fakeLink) ConnectionInfo(context.Context) (directlink.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner := l.owner
	if owner == "" {
		owner = "127.0.0.1"
	}
	return directlink.Info{Formed: l.formed, OwnerAddress: owner}, nil
}

func (l *fakeLink) RemoveGroup(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removes++
	l.formed = false
	return nil
}

func (l *fakeLink) stats() (joins, removes int, hint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joins, l.removes, l.lastHint
}

// fakeMedia reports connected as soon as both descriptions are applied.
type fakeMedia struct {
	openErr error
	onClose func()

	mu       sync.Mutex
	onChange func(media.State)
	opened   bool
	closed   bool
	remote   string
}

func (f *fakeMedia) Open(context.Context, bool) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeMedia) CreateOffer(context.Context) (string, error) { return nativeSDP, nil }

func (f *fakeMedia) AcceptOffer(_ context.Context, offer string) (string, error) {
	f.mu.Lock()
	f.remote = offer
	f.mu.Unlock()
	go f.emit(media.StateConnected)
	return nativeSDP, nil
}

func (f *fakeMedia) SetAnswer(_ context.Context, answer string) error {
	f.mu.Lock()
	f.remote = answer
	f.mu.Unlock()
	go f.emit(media.StateConnected)
	return nil
}

func (f *fakeMedia) OnStateChange(fn func(media.State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

func (f *fakeMedia) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMedia) emit(st media.State) {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeMedia) state() (remote string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, f.closed
}

type recordingSink struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingSink) PublishCall(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n == 0 || r.states[n-1] != s.State {
		r.states = append(r.states, s.State)
	}
}

func (r *recordingSink) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type testNode struct {
	name      string
	loop      *loop.Loop
	orch      *Orchestrator
	mesh      *fakeMesh
	link      *fakeLink
	sink      *recordingSink
	metrics   *Metrics
	relayPort int
	inbox     chan mesh.Packet

	mu       sync.Mutex
	openErr  error
	noLinkIP bool
	engines  []*fakeMedia
	// steps records teardown releases in order.
	steps     []string
	relayHeld []bool
}

func (n *testNode) step(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.steps = append(n.steps, name)
}

// teardown returns the recorded release order and, for every media close,
// whether the relay port was still bound at that moment.
func (n *testNode) teardown() (steps []string, relayHeld []bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.steps...), append([]bool(nil), n.relayHeld...)
}

// recordingRelay notes when the orchestrator stops the relay.
type recordingRelay struct {
	Relay
	node *testNode
}

func (r recordingRelay) Stop() error {
	r.node.step("relay")
	return r.Relay.Stop()
}

func udpPortInUse(port int) bool {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return true
	}
	conn.Close()
	return false
}

func (n *testNode) lastMedia() *fakeMedia {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.engines) == 0 {
		return nil
	}
	return n.engines[len(n.engines)-1]
}

type testOptions struct {
	inviteTimeout  time.Duration
	candidateWait  time.Duration
	handoffTimeout time.Duration
	joinTimeout    time.Duration
	resolveTimeout time.Duration
}

func defaultTestOptions() testOptions {
	return testOptions{
		inviteTimeout:  5 * time.Second,
		candidateWait:  2 * time.Second,
		handoffTimeout: 2 * time.Second,
		joinTimeout:    2 * time.Second,
		resolveTimeout: time.Second,
	}
}

// newTestNet builds one node per name. Every node shares the signaling port
// and sends relay traffic to the next node's relay port, so a two-party call
// on one host reaches the other side.
func newTestNet(t *testing.T, opts testOptions, names ...string) (*fakeNet, map[string]*testNode) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fn := &fakeNet{nodes: make(map[string]*testNode)}
	sigPort := freeTCPPort(t)
	ports := make([]int, len(names))
	for i := range names {
		ports[i] = freeUDPPort(t)
	}

	for i, name := range names {
		log := zaptest.NewLogger(t).Named(name)
		node := &testNode{
			name:      name,
			loop:      loop.New(log, 0),
			mesh:      &fakeMesh{net: fn, name: name},
			link:      &fakeLink{},
			sink:      &recordingSink{},
			metrics:   NewMetrics(prometheus.NewRegistry()),
			relayPort: ports[i],
			inbox:     make(chan mesh.Packet, 64),
		}
		peerPort := ports[(i+1)%len(ports)]
		resolver := directlink.NewResolver(directlink.ResolverConfig{
			Log:      log,
			Interval: 10 * time.Millisecond,
			Timeout:  opts.resolveTimeout,
			List: func() ([]directlink.Interface, error) {
				node.mu.Lock()
				down := node.noLinkIP
				node.mu.Unlock()
				if down {
					return nil, nil
				}
				return []directlink.Interface{{Name: "p2p-test0", Addrs: []net.IP{net.IPv4(127, 0, 0, 1)}}}, nil
			},
		})
		orch, err := New(Config{
			Log:      log,
			Loop:     node.loop,
			Mesh:     node.mesh,
			Link:     node.link,
			Resolver: resolver,
			NewMedia: func() (media.Engine, error) {
				node.mu.Lock()
				defer node.mu.Unlock()
				m := &fakeMedia{openErr: node.openErr, onClose: func() {
					held := udpPortInUse(node.relayPort)
					node.mu.Lock()
					node.steps = append(node.steps, "media")
					node.relayHeld = append(node.relayHeld, held)
					node.mu.Unlock()
				}}
				node.engines = append(node.engines, m)
				return m, nil
			},
			NewRelay: func() (Relay, error) {
				b, err := relay.New(relay.Config{Log: log, BindHost: "127.0.0.1", Port: node.relayPort, PeerPort: peerPort})
				if err != nil {
					return nil, err
				}
				return recordingRelay{Relay: b, node: node}, nil
			},
			Metrics:          node.metrics,
			Events:           node.sink,
			InviteTimeout:    opts.inviteTimeout,
			CandidateWait:    opts.candidateWait,
			HandoffTimeout:   opts.handoffTimeout,
			SignalingTimeout: 2 * time.Second,
			JoinRetries:      3,
			JoinBackoff:      10 * time.Millisecond,
			JoinTimeout:      opts.joinTimeout,
			PollInterval:     20 * time.Millisecond,
			Cooldown:         30 * time.Millisecond,
			SignalingPort:    sigPort,
		})
		if err != nil {
			t.Fatalf("new orchestrator %s: %v", name, err)
		}
		orch.Start(ctx)
		node.orch = orch
		go node.loop.Run(ctx)
		go node.pump(ctx)
		fn.nodes[name] = node
	}
	t.Cleanup(func() {
		for _, n := range fn.nodes {
			settle(t, n)
		}
	})
	return fn, fn.nodes
}

// settle hangs up anything still running and waits for Idle so no worker
// outlives the test.
func settle(t *testing.T, n *testNode) {
	t.Helper()
	_ = n.orch.Hangup(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := n.orch.Snapshot(context.Background())
		if err != nil || snap.State == StateIdle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("%s did not return to idle", n.name)
}

func waitState(t *testing.T, n *testNode, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		var err error
		snap, err = n.orch.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("%s snapshot: %v", n.name, err)
		}
		if snap.State == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: state %s, want %s (reason %q)", n.name, snap.State, want, snap.EndReason)
	return snap
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func relayLine(port int) string {
	return fmt.Sprintf("a=candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", port)
}
