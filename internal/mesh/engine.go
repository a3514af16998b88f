package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/loop"
	"github.com/offmesh/offmesh/internal/store"
)

const (
	defaultTTL                  = 3
	defaultReassemblyTimeout    = 30 * time.Second
	defaultPendingOpTTL         = 2 * time.Minute
	defaultHousekeepingInterval = 5 * time.Second
	defaultChunkSize            = 16 * 1024
	defaultInlineImageLimit     = 32 * 1024
	defaultMaxImageSize         = 8 << 20

	storeTimeout   = 5 * time.Second
	sendTimeout    = 2 * time.Second
	connectTimeout = 10 * time.Second
)

// Config wires the routing engine.
type Config struct {
	Log       *zap.Logger
	Loop      *loop.Loop
	Transport Transport
	Store     store.Store
	Metrics   *Metrics
	Events    EventSink

	Username             string
	TTL                  int
	SeenCapacity         int
	ReassemblyTimeout    time.Duration
	PendingOpTTL         time.Duration
	HousekeepingInterval time.Duration
	JitterMin            time.Duration
	JitterMax            time.Duration
	ChunkSize            int
	InlineImageLimit     int
	// MaxImageSize bounds images sent and reassembled.
	MaxImageSize int
}

type challenge struct {
	invite GroupInvite
	from   string
}

// Engine is the mesh routing engine. It floods packets with dedup and TTL,
// applies local deliveries to the store and hands session control packets
// to the registered SessionHandler. All routing state lives on the loop.
type Engine struct {
	log       *zap.Logger
	loop      *loop.Loop
	transport Transport
	store     store.Store
	metrics   *Metrics
	events    EventSink
	peers     *PeerTable

	username             string
	ttl                  int
	chunkSize            int
	inlineLimit          int
	maxImageSize         int
	housekeepingInterval time.Duration

	// Owned by the loop.
	ctx        context.Context
	now        func() time.Time
	seen       *SeenSet
	chunks     *reassembler
	pending    *pendingOps
	admission  *admission
	challenges map[string]challenge
	sessions   SessionHandler
	suspended  bool

	mu      sync.Mutex
	started bool
	running bool
	cancel  context.CancelFunc
	runCtx  context.Context
}

// NewEngine validates cfg and builds an engine. Call Start to bring up the
// transport.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Loop == nil {
		return nil, errors.New("event loop is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("mesh transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("message store is required")
	}
	if cfg.Username == "" || cfg.Username == Broadcast {
		return nil, fmt.Errorf("invalid username %q", cfg.Username)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = nopSink{}
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must be >= 0, got %d", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = defaultReassemblyTimeout
	}
	if cfg.PendingOpTTL <= 0 {
		cfg.PendingOpTTL = defaultPendingOpTTL
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = defaultHousekeepingInterval
	}
	if cfg.JitterMin <= 0 && cfg.JitterMax <= 0 {
		cfg.JitterMin, cfg.JitterMax = defaultJitterMin, defaultJitterMax
	}
	if cfg.JitterMax < cfg.JitterMin {
		return nil, fmt.Errorf("jitter max %s below min %s", cfg.JitterMax, cfg.JitterMin)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.InlineImageLimit <= 0 {
		cfg.InlineImageLimit = defaultInlineImageLimit
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = defaultMaxImageSize
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Engine{
		log:                  cfg.Log,
		loop:                 cfg.Loop,
		transport:            cfg.Transport,
		store:                cfg.Store,
		metrics:              cfg.Metrics,
		events:               cfg.Events,
		peers:                NewPeerTable(),
		username:             cfg.Username,
		ttl:                  cfg.TTL,
		chunkSize:            cfg.ChunkSize,
		inlineLimit:          cfg.InlineImageLimit,
		maxImageSize:         cfg.MaxImageSize,
		housekeepingInterval: cfg.HousekeepingInterval,
		ctx:                  context.Background(),
		now:                  time.Now,
		seen:                 NewSeenSet(cfg.SeenCapacity),
		chunks:               newReassembler(cfg.ReassemblyTimeout, cfg.MaxImageSize, cfg.ChunkSize),
		pending:              newPendingOps(cfg.PendingOpTTL),
		admission:            newAdmission(cfg.Loop, uniformJitter(cfg.JitterMin, cfg.JitterMax, rnd)),
		challenges:           make(map[string]challenge),
	}, nil
}

// Username returns the local identity.
func (e *Engine) Username() string { return e.username }

// SetSessionHandler registers the receiver of session_* packets. Call it
// before Start.
func (e *Engine) SetSessionHandler(h SessionHandler) { e.sessions = h }

// Start brings up the transport and the housekeeping ticker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("mesh engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.loop.Post(func() { e.ctx = runCtx })
	if err := e.transport.Start(runCtx, e); err != nil {
		cancel()
		return fmt.Errorf("start mesh transport: %w", err)
	}
	e.started, e.running = true, true
	e.runCtx, e.cancel = runCtx, cancel
	go e.housekeeping(runCtx)

	e.log.Info("mesh engine started", zap.String("username", e.username), zap.Int("ttl", e.ttl))
	return nil
}

// Stop shuts the transport down for good.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.cancel()
	if !e.running {
		return nil
	}
	e.running = false
	return e.transport.Stop()
}

// Suspend releases the transport so another radio user can take it.
// Idempotent. Must not be called from the event loop.
func (e *Engine) Suspend(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	if err := e.loop.Call(ctx, func() {
		e.suspended = true
		e.admission.cancelAll()
		e.peers.Reset()
		e.metrics.SetConnectedPeers(0)
	}); err != nil {
		return err
	}
	if err := e.transport.Stop(); err != nil {
		return fmt.Errorf("stop mesh transport: %w", err)
	}
	e.running = false
	e.log.Info("mesh suspended")
	return nil
}

// Resume restarts the transport after Suspend. Idempotent. Must not be
// called from the event loop.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if !e.started || e.runCtx.Err() != nil {
		return errors.New("mesh engine not started")
	}
	if err := e.loop.Call(ctx, func() { e.suspended = false }); err != nil {
		return err
	}
	if err := e.transport.Start(e.runCtx, e); err != nil {
		_ = e.loop.Call(ctx, func() { e.suspended = true })
		return fmt.Errorf("restart mesh transport: %w", err)
	}
	e.running = true
	e.log.Info("mesh resumed")
	return nil
}

// Suspended reports whether the transport is currently released.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.running
}

// Submit enqueues p for origination. It returns once the packet is queued;
// the send itself happens on the loop. Code already running on the loop
// must use Originate instead: Post blocks while the queue is full.
func (e *Engine) Submit(p Packet) error {
	p, err := e.prepare(p)
	if err != nil {
		return err
	}
	if !e.loop.Post(func() {
		if err := e.originate(p); err != nil {
			e.log.Warn("submit packet", zap.String("packet_id", p.ID), zap.String("type", string(p.Type())), zap.Error(err))
		}
	}) {
		return loop.ErrStopped
	}
	return nil
}

// Originate sends p immediately. Must be called on the loop.
func (e *Engine) Originate(p Packet) error {
	p, err := e.prepare(p)
	if err != nil {
		return err
	}
	return e.originate(p)
}

func (e *Engine) prepare(p Packet) (Packet, error) {
	if p.ID == "" || p.To == "" {
		return p, fmt.Errorf("%w: packet id and recipient required", ErrInvalid)
	}
	if p.Body == nil {
		return p, fmt.Errorf("%w: packet body required", ErrInvalid)
	}
	if err := p.Body.validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if p.From == "" {
		p.From = e.username
	}
	return p, nil
}

// OnPeerDiscovered implements Handler.
func (e *Engine) OnPeerDiscovered(peerID string) {
	e.loop.Post(func() { e.handleDiscovered(peerID) })
}

// OnPeerConnected implements Handler.
func (e *Engine) OnPeerConnected(peerID string) {
	e.loop.Post(func() { e.handleConnected(peerID) })
}

// OnPeerDisconnected implements Handler.
func (e *Engine) OnPeerDisconnected(peerID string) {
	e.loop.Post(func() { e.handleDisconnected(peerID) })
}

// OnReceived is the single inbound data entry point.
func (e *Engine) OnReceived(peerID string, data []byte) {
	buf := append([]byte(nil), data...)
	e.loop.Post(func() { e.handleReceived(peerID, buf) })
}

func (e *Engine) handleDiscovered(peerID string) {
	if e.suspended || peerID == e.username {
		return
	}
	p, isNew := e.peers.Touch(peerID, e.now())
	if isNew {
		e.publishPeer(p)
	}
	if p.State == PeerConnected {
		return
	}
	if e.admission.schedule(peerID, func() { e.admit(peerID) }) {
		e.log.Debug("connect scheduled", zap.String("peer", peerID))
	}
}

func (e *Engine) admit(peerID string) {
	if e.suspended {
		return
	}
	if e.peers.IsConnected(peerID) {
		e.metrics.RecordAdmission("superseded")
		return
	}
	ctx := e.ctx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := e.transport.Connect(ctx, peerID); err != nil {
			e.metrics.RecordAdmission("failed")
			e.log.Warn("connect to peer failed", zap.String("peer", peerID), zap.Error(err))
			return
		}
		e.metrics.RecordAdmission("connected")
	}()
}

func (e *Engine) handleConnected(peerID string) {
	if e.admission.cancel(peerID) {
		e.metrics.RecordAdmission("superseded")
	}
	if e.suspended {
		return
	}
	if e.peers.SetState(peerID, PeerConnected, e.now()) {
		e.log.Info("peer connected", zap.String("peer", peerID))
		if p, ok := e.peers.Peer(peerID); ok {
			e.publishPeer(p)
		}
	}
	e.metrics.SetConnectedPeers(len(e.peers.Connected()))
}

func (e *Engine) handleDisconnected(peerID string) {
	e.admission.cancel(peerID)
	p, ok := e.peers.Remove(peerID)
	if !ok {
		return
	}
	e.log.Info("peer disconnected", zap.String("peer", peerID))
	p.State = PeerDisconnected
	e.publishPeer(p)
	e.metrics.SetConnectedPeers(len(e.peers.Connected()))
}

func (e *Engine) handleReceived(from string, data []byte) {
	e.metrics.RecordReceived()
	if e.suspended {
		e.metrics.RecordDropped(ReasonSuspended)
		return
	}
	now := e.now()
	e.peers.Touch(from, now)

	p, err := Decode(data)
	if err != nil {
		e.drop(from, "", err)
		return
	}
	if !e.seen.Add(p.ID, now) {
		e.drop(from, p.ID, dropf(ReasonDuplicate, "already processed"))
		return
	}
	e.metrics.SetSeenEntries(e.seen.Len())

	if e.isLocal(p) {
		e.dispatch(from, p)
	}
	if p.TTL > 0 {
		e.relay(p.WithTTL(p.TTL-1), from)
	}
}

func (e *Engine) isLocal(p Packet) bool {
	if p.To == e.username || p.To == Broadcast {
		return true
	}
	ctx, cancel := e.storeCtx()
	defer cancel()
	member, err := e.store.IsMember(ctx, p.To, e.username)
	if err != nil {
		e.log.Warn("membership lookup failed", zap.String("packet_id", p.ID), zap.String("to", p.To), zap.Error(err))
		return false
	}
	return member
}

func (e *Engine) dispatch(from string, p Packet) {
	e.metrics.RecordDelivered(p.Type())
	switch b := p.Body.(type) {
	case ChatMessage:
		e.createMessage(messageFromChat(p, b, from != p.From))
	case MessageEdit:
		e.applyRemote(store.MessageOp{Type: store.OpEdit, TargetID: b.TargetID, Body: b.Body, Version: p.Timestamp.UnixMilli()}, p.From)
	case MessageDelete:
		e.applyRemote(store.MessageOp{Type: store.OpDelete, TargetID: b.TargetID, Version: p.Timestamp.UnixMilli()}, p.From)
	case GroupInvite:
		e.handleInvite(p, b)
	case GroupJoinAck:
		e.handleJoinAck(b)
	case ImageMetadata:
		img, err := e.chunks.addMetadata(b, e.now())
		e.finishAssembly(from, p, img, err)
	case ImageChunk:
		img, err := e.chunks.addChunk(b, e.now())
		e.finishAssembly(from, p, img, err)
	case SessionOffer, SessionAnswer, SessionCandidate, SessionEnd:
		if e.sessions == nil {
			e.log.Debug("no session handler", zap.String("packet_id", p.ID), zap.String("type", string(p.Type())))
			return
		}
		e.sessions.HandleSession(p)
	default:
		e.drop(from, p.ID, dropf(ReasonUnknownType, "no handler for %T", p.Body))
	}
}

// originate sends a locally created packet. A positive TTL floods the
// ttl-1 copy to every neighbour, exactly like a relay hop. TTL 0 is
// point-to-point: the packet goes only to the recipient when it is a
// neighbour, otherwise to every neighbour without further relaying.
func (e *Engine) originate(p Packet) error {
	if e.suspended {
		return ErrSuspended
	}
	e.seen.Add(p.ID, e.now())
	e.metrics.RecordOriginated(p.Type())

	if p.TTL > 0 {
		e.relay(p.WithTTL(p.TTL-1), "")
		return nil
	}
	if e.peers.IsConnected(p.To) {
		data, err := Encode(p)
		if err != nil {
			return err
		}
		e.send(p.To, data)
		return nil
	}
	e.relay(p, "")
	return nil
}

func (e *Engine) relay(p Packet, except string) {
	data, err := Encode(p)
	if err != nil {
		e.log.Error("encode packet", zap.String("packet_id", p.ID), zap.Error(err))
		return
	}
	sent := 0
	for _, id := range e.peers.Connected() {
		if id == except {
			continue
		}
		if e.send(id, data) {
			sent++
		}
	}
	e.metrics.RecordRelayed(sent)
}

func (e *Engine) send(peerID string, data []byte) bool {
	ctx, cancel := context.WithTimeout(e.ctx, sendTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, peerID, data); err != nil {
		e.log.Debug("send to peer failed", zap.String("peer", peerID), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) createMessage(msg store.Message) {
	ctx, cancel := e.storeCtx()
	defer cancel()

	changed, err := e.store.ApplyMessage(ctx, store.MessageOp{Type: store.OpCreate, Message: msg})
	if err != nil {
		e.log.Warn("store message", zap.String("packet_id", msg.ID), zap.Error(err))
		e.metrics.RecordDropped(ReasonStore)
		return
	}
	if changed {
		e.publishMessage(ctx, msg.ID)
	}
	for _, w := range e.pending.take(msg.ID) {
		e.applyRemote(w.op, w.author)
	}
	e.metrics.SetPendingOps(e.pending.len())
}

// applyRemote applies an edit or delete from author. Ops whose target is not
// known yet wait in the pending set.
func (e *Engine) applyRemote(op store.MessageOp, author string) {
	ctx, cancel := e.storeCtx()
	defer cancel()

	cur, err := e.store.Message(ctx, op.TargetID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.pending.add(op, author, e.now())
		e.metrics.SetPendingOps(e.pending.len())
		e.log.Debug("op waiting for target", zap.String("target", op.TargetID), zap.Stringer("op", op.Type))
		return
	case err != nil:
		e.log.Warn("load message", zap.String("target", op.TargetID), zap.Error(err))
		e.metrics.RecordDropped(ReasonStore)
		return
	case cur.From != author:
		e.drop(author, op.TargetID, dropf(ReasonInvalid, "%s by %s on message of %s", op.Type, author, cur.From))
		return
	}

	changed, err := e.store.ApplyMessage(ctx, op)
	if err != nil {
		e.log.Warn("apply message op", zap.String("target", op.TargetID), zap.Stringer("op", op.Type), zap.Error(err))
		e.metrics.RecordDropped(ReasonStore)
		return
	}
	if changed {
		e.publishMessage(ctx, op.TargetID)
	}
}

func (e *Engine) handleInvite(p Packet, b GroupInvite) {
	if p.To != e.username {
		return
	}
	ctx, cancel := e.storeCtx()
	defer cancel()

	member, err := e.store.IsMember(ctx, b.GroupID, e.username)
	if err != nil {
		e.log.Warn("membership lookup failed", zap.String("group", b.GroupID), zap.Error(err))
		return
	}
	if member {
		return
	}
	g := b.group()
	if g.Protected() {
		e.challenges[b.GroupID] = challenge{invite: b, from: p.From}
		e.log.Info("join challenge", zap.String("group", b.GroupID), zap.String("peer", p.From))
		e.events.Publish(Event{Type: EventJoinChallenge, Challenge: &JoinChallenge{GroupID: b.GroupID, Name: b.Name, InvitedBy: p.From}})
		return
	}
	if _, err := e.joinGroup(ctx, g); err != nil {
		e.log.Warn("auto-join group", zap.String("group", b.GroupID), zap.Error(err))
	}
}

// joinGroup persists membership and tells the group. Runs on the loop.
func (e *Engine) joinGroup(ctx context.Context, g store.Group) (GroupInfo, error) {
	g.Members = append(g.Members, e.username)
	if err := e.store.SaveGroup(ctx, g); err != nil {
		return GroupInfo{}, fmt.Errorf("save group: %w", err)
	}
	if _, err := e.store.AddMember(ctx, g.ID, e.username); err != nil {
		return GroupInfo{}, fmt.Errorf("add self to group: %w", err)
	}
	delete(e.challenges, g.ID)

	ack := NewPacket(e.username, g.ID, e.ttl, GroupJoinAck{GroupID: g.ID, Member: e.username})
	if err := e.originate(ack); err != nil {
		e.log.Warn("announce join", zap.String("group", g.ID), zap.Error(err))
	}
	info, err := e.publishGroup(ctx, g.ID)
	e.log.Info("joined group", zap.String("group", g.ID))
	return info, err
}

func (e *Engine) handleJoinAck(b GroupJoinAck) {
	ctx, cancel := e.storeCtx()
	defer cancel()

	added, err := e.store.AddMember(ctx, b.GroupID, b.Member)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("record group member", zap.String("group", b.GroupID), zap.Error(err))
		}
		return
	}
	if added {
		_, _ = e.publishGroup(ctx, b.GroupID)
	}
}

func (e *Engine) finishAssembly(from string, p Packet, img *completedImage, err error) {
	if err != nil {
		e.metrics.RecordAssembly("rejected")
		e.drop(from, p.ID, err)
		return
	}
	if img == nil {
		return
	}
	e.metrics.RecordAssembly("completed")
	e.createMessage(store.Message{
		ID:         img.MessageID,
		From:       img.Meta.From,
		To:         img.Meta.To,
		GroupID:    img.Meta.GroupID,
		Kind:       store.KindImageFile,
		MIME:       img.Meta.MIME,
		Attachment: img.Data,
		Timestamp:  time.UnixMilli(img.Meta.TS),
		Relayed:    from != img.Meta.From,
	})
}

func (e *Engine) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(e.housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.loop.Post(e.housekeep)
		}
	}
}

func (e *Engine) housekeep() {
	now := e.now()
	for _, id := range e.chunks.expire(now) {
		e.metrics.RecordAssembly("expired")
		e.log.Debug("chunk assembly expired", zap.String("packet_id", id), zap.String("reason", ReasonExpired))
	}
	if n := e.pending.expire(now); n > 0 {
		for i := 0; i < n; i++ {
			e.metrics.RecordDropped(ReasonExpired)
		}
		e.log.Debug("pending ops expired", zap.Int("count", n))
	}
	e.metrics.SetPendingOps(e.pending.len())
}

func (e *Engine) drop(peerID, packetID string, err error) {
	reason := DropReason(err)
	if reason == "" {
		reason = ReasonInvalid
	}
	e.metrics.RecordDropped(reason)
	e.log.Debug("packet dropped",
		zap.String("peer", peerID),
		zap.String("packet_id", packetID),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (e *Engine) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, storeTimeout)
}

func (e *Engine) publishMessage(ctx context.Context, id string) {
	m, err := e.store.Message(ctx, id)
	if err != nil {
		return
	}
	e.events.Publish(Event{Type: EventMessage, Message: &m})
}

func (e *Engine) publishGroup(ctx context.Context, id string) (GroupInfo, error) {
	g, err := e.store.Group(ctx, id)
	if err != nil {
		return GroupInfo{}, err
	}
	info := NewGroupInfo(g)
	e.events.Publish(Event{Type: EventGroup, Group: &info})
	return info, nil
}

func (e *Engine) publishPeer(p Peer) {
	e.events.Publish(Event{Type: EventPeer, Peer: &p})
}

func messageFromChat(p Packet, b ChatMessage, relayed bool) store.Message {
	return store.Message{
		ID:         p.ID,
		From:       p.From,
		To:         p.To,
		GroupID:    b.GroupID,
		Body:       b.Body,
		Kind:       b.Kind,
		MIME:       b.MIME,
		Attachment: append([]byte(nil), b.Data...),
		Timestamp:  p.Timestamp,
		TTL:        b.OriginTTL,
		Relayed:    relayed,
	}
}
