package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/offmesh/offmesh/internal/loop"
	"github.com/offmesh/offmesh/internal/store"
)

// fakeNetwork wires fake transports together in memory. Sends deliver
// synchronously into the receiver's handler.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[string]Handler
	links    map[string]map[string]bool
	sent     map[[2]string]int
	total    int
	connects int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		handlers: make(map[string]Handler),
		links:    make(map[string]map[string]bool),
		sent:     make(map[[2]string]int),
	}
}

func (n *fakeNetwork) link(a, b string) {
	n.mu.Lock()
	n.connects++
	if n.links[a] == nil {
		n.links[a] = make(map[string]bool)
	}
	if n.links[b] == nil {
		n.links[b] = make(map[string]bool)
	}
	n.links[a][b] = true
	n.links[b][a] = true
	ha, hb := n.handlers[a], n.handlers[b]
	n.mu.Unlock()

	if ha != nil {
		ha.OnPeerConnected(b)
	}
	if hb != nil {
		hb.OnPeerConnected(a)
	}
}

func (n *fakeNetwork) sends(from, to string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[[2]string{from, to}]
}

func (n *fakeNetwork) totalSends() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}

func (n *fakeNetwork) connectCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects
}

// settle drains the shared loop until no packet is in flight.
func (n *fakeNetwork) settle(t *testing.T, l *loop.Loop) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		before := n.totalSends()
		if err := l.Call(context.Background(), func() {}); err != nil {
			t.Fatalf("drain loop: %v", err)
		}
		if n.totalSends() == before {
			return
		}
	}
	t.Fatalf("network did not settle")
}

type fakeTransport struct {
	net    *fakeNetwork
	id     string
	starts int
	stops  int
}

func (t *fakeTransport) Start(_ context.Context, h Handler) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.handlers[t.id] = h
	t.starts++
	return nil
}

func (t *fakeTransport) Stop() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	delete(t.net.handlers, t.id)
	t.stops++
	return nil
}

func (t *fakeTransport) Connect(_ context.Context, peerID string) error {
	t.net.link(t.id, peerID)
	return nil
}

func (t *fakeTransport) Send(_ context.Context, peerID string, data []byte) error {
	t.net.mu.Lock()
	if !t.net.links[t.id][peerID] {
		t.net.mu.Unlock()
		return errors.New("not connected")
	}
	h := t.net.handlers[peerID]
	t.net.sent[[2]string{t.id, peerID}]++
	t.net.total++
	t.net.mu.Unlock()

	if h == nil {
		return errors.New("peer transport stopped")
	}
	h.OnReceived(t.id, data)
	return nil
}

// countingStore counts create operations that reached the store.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	creates map[string]int
}

func (s *countingStore) ApplyMessage(ctx context.Context, op store.MessageOp) (bool, error) {
	if op.Type == store.OpCreate {
		s.mu.Lock()
		s.creates[op.Message.ID]++
		s.mu.Unlock()
	}
	return s.Store.ApplyMessage(ctx, op)
}

func (s *countingStore) createCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[id]
}

type recordingSessions struct {
	mu      sync.Mutex
	packets []Packet
}

func (r *recordingSessions) HandleSession(p Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *recordingSessions) received() []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Packet(nil), r.packets...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testNode struct {
	eng       *Engine
	store     *countingStore
	transport *fakeTransport
	sessions  *recordingSessions
	events    *recordingSink
}

type testMesh struct {
	net   *fakeNetwork
	loop  *loop.Loop
	nodes map[string]*testNode
}

// newTestMesh starts one engine per name, all sharing a single loop so that
// settle can observe quiescence. configure may adjust each engine's config.
func newTestMesh(t *testing.T, configure func(*Config), names ...string) *testMesh {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := loop.New(zaptest.NewLogger(t), 1<<14)
	go l.Run(ctx)

	m := &testMesh{net: newFakeNetwork(), loop: l, nodes: make(map[string]*testNode)}
	for _, name := range names {
		node := &testNode{
			store:     &countingStore{Store: store.NewMemory(), creates: make(map[string]int)},
			transport: &fakeTransport{net: m.net, id: name},
			sessions:  &recordingSessions{},
			events:    &recordingSink{},
		}
		cfg := Config{
			Log:                  zaptest.NewLogger(t).Named(name),
			Loop:                 l,
			Transport:            node.transport,
			Store:                node.store,
			Events:               node.events,
			Username:             name,
			TTL:                  3,
			HousekeepingInterval: time.Hour,
		}
		if configure != nil {
			configure(&cfg)
		}
		eng, err := NewEngine(cfg)
		if err != nil {
			t.Fatalf("new engine %s: %v", name, err)
		}
		eng.SetSessionHandler(node.sessions)
		if err := eng.Start(ctx); err != nil {
			t.Fatalf("start engine %s: %v", name, err)
		}
		node.eng = eng
		m.nodes[name] = node
	}
	return m
}

func (m *testMesh) connect(t *testing.T, edges ...[2]string) {
	t.Helper()
	for _, e := range edges {
		m.net.link(e[0], e[1])
	}
	m.net.settle(t, m.loop)
}

func (m *testMesh) settle(t *testing.T) {
	t.Helper()
	m.net.settle(t, m.loop)
}

func encodeOrFatal(t *testing.T, p Packet) []byte {
	t.Helper()
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}
