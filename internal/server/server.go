package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/call"
	"github.com/offmesh/offmesh/internal/config"
	"github.com/offmesh/offmesh/internal/directlink"
	"github.com/offmesh/offmesh/internal/lan"
	"github.com/offmesh/offmesh/internal/loop"
	"github.com/offmesh/offmesh/internal/media"
	"github.com/offmesh/offmesh/internal/mesh"
	"github.com/offmesh/offmesh/internal/relay"
	"github.com/offmesh/offmesh/internal/store"
)

const (
	loopBuffer = 1024
	idlePoll   = 50 * time.Millisecond
)

// NodeServer wires the mesh engine, the call orchestrator and their
// collaborators, and hosts the admin and control HTTP surface.
type NodeServer struct {
	cfg config.Config
	log *zap.Logger

	loop      *loop.Loop
	store     store.Store
	transport *lan.Transport
	engine    *mesh.Engine
	calls     *call.Orchestrator
	hub       *Hub
	metrics   *apiMetrics
	adminHTTP *http.Server

	runCancel context.CancelFunc
	loopDone  chan struct{}
	hubDone   chan struct{}

	mu        sync.Mutex
	adminAddr string
	lanAddr   string
	ready     atomic.Bool
	stopOnce  sync.Once
}

// NewNodeServer constructs a server; Start builds and runs the node.
func NewNodeServer(cfg config.Config, logger *zap.Logger) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeServer{cfg: cfg, log: logger}
}

// Start boots the node and blocks until ctx is canceled, then shuts down
// within the configured grace period.
func (s *NodeServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	if err := s.build(reg); err != nil {
		if s.store != nil {
			_ = s.store.Close()
		}
		return err
	}

	// The loop outlives ctx so that shutdown can still hang up a call.
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.loopDone = make(chan struct{})
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		_ = s.loop.Run(runCtx)
	}()
	go func() {
		defer close(s.hubDone)
		s.hub.Run(runCtx)
	}()

	s.calls.Start(runCtx)
	if err := s.engine.Start(runCtx); err != nil {
		s.closeRuntime()
		return err
	}
	if addr := s.transport.Addr(); addr != nil {
		s.mu.Lock()
		s.lanAddr = addr.String()
		s.mu.Unlock()
	}

	if err := s.startAdminServer(reg); err != nil {
		s.closeRuntime()
		return err
	}

	s.log.Info("node started", zap.String("username", s.cfg.Username))
	s.ready.Store(true)

	<-ctx.Done()
	stopCtx, stop := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
	defer stop()
	s.Shutdown(stopCtx)
	return nil
}

func (s *NodeServer) build(reg *prometheus.Registry) error {
	cfg := s.cfg
	s.metrics = newAPIMetrics(reg)
	s.hub = newHub(s.log.Named("events"), s.metrics)
	s.loop = loop.New(s.log.Named("loop"), loopBuffer)

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	s.store = st

	peers := make([]lan.Peer, 0, len(cfg.LAN.Peers))
	for _, raw := range cfg.LAN.Peers {
		p, err := lan.ParsePeer(raw)
		if err != nil {
			return err
		}
		peers = append(peers, p)
	}
	s.transport, err = lan.New(lan.Config{
		Log:              s.log.Named("lan"),
		Metrics:          lan.NewMetrics(reg),
		NodeID:           cfg.Username,
		Address:          cfg.LAN.Address,
		Peers:            peers,
		DiscoverInterval: cfg.LAN.DiscoverInterval,
		TLS: lan.TLSConfig{
			Enabled:            cfg.LAN.TLS.Enabled,
			CertPath:           cfg.LAN.TLS.CertPath,
			KeyPath:            cfg.LAN.TLS.KeyPath,
			CAPath:             cfg.LAN.TLS.CAPath,
			InsecureSkipVerify: cfg.LAN.TLS.InsecureSkipVerify,
		},
	})
	if err != nil {
		return fmt.Errorf("lan transport: %w", err)
	}

	s.engine, err = mesh.NewEngine(mesh.Config{
		Log:                  s.log.Named("mesh"),
		Loop:                 s.loop,
		Transport:            s.transport,
		Store:                s.store,
		Metrics:              mesh.NewMetrics(reg),
		Events:               s.hub,
		Username:             cfg.Username,
		TTL:                  cfg.Mesh.TTL,
		SeenCapacity:         cfg.Mesh.SeenCapacity,
		ReassemblyTimeout:    cfg.Mesh.ReassemblyTimeout,
		PendingOpTTL:         cfg.Mesh.PendingOpTTL,
		HousekeepingInterval: cfg.Mesh.HousekeepingInterval,
		JitterMin:            cfg.Mesh.JitterMin,
		JitterMax:            cfg.Mesh.JitterMax,
		ChunkSize:            cfg.Mesh.ChunkSize,
		InlineImageLimit:     cfg.Mesh.InlineImageLimit,
		MaxImageSize:         cfg.Mesh.MaxImageSize,
	})
	if err != nil {
		return fmt.Errorf("mesh engine: %w", err)
	}

	link, err := directlink.NewStatic(directlink.StaticConfig{
		Log:          s.log.Named("directlink"),
		OwnerAddress: cfg.Call.OwnerAddress,
	})
	if err != nil {
		return fmt.Errorf("direct link: %w", err)
	}
	resolver := directlink.NewResolver(directlink.ResolverConfig{
		Log:             s.log.Named("resolver"),
		InterfacePrefix: cfg.Call.InterfacePrefix,
		SubnetPrefix:    cfg.Call.SubnetPrefix,
		Interval:        cfg.Call.ResolveInterval,
		Timeout:         cfg.Call.ResolveTimeout,
	})

	relayMetrics := relay.NewMetrics(reg)
	newRelay := func() (call.Relay, error) {
		b, err := relay.New(relay.Config{
			Log:        s.log.Named("relay"),
			Metrics:    relayMetrics,
			Port:       cfg.Call.RelayPort,
			EnginePort: cfg.Call.EnginePort,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	newMedia := func() (media.Engine, error) {
		eng, err := media.NewPion(media.PionConfig{
			Log:         s.log.Named("media"),
			ICEServers:  cfg.Media.ICEServers,
			STUNEnabled: !cfg.Media.STUNDisabled,
		})
		if err != nil {
			return nil, err
		}
		return eng, nil
	}

	s.calls, err = call.New(call.Config{
		Log:              s.log.Named("call"),
		Loop:             s.loop,
		Mesh:             s.engine,
		Link:             link,
		Resolver:         resolver,
		NewMedia:         newMedia,
		NewRelay:         newRelay,
		Metrics:          call.NewMetrics(reg),
		Events:           s.hub,
		ControlTTL:       cfg.Mesh.ControlTTL,
		InviteTimeout:    cfg.Call.InviteTimeout,
		CandidateWait:    cfg.Call.CandidateWait,
		HandoffTimeout:   cfg.Call.HandoffTimeout,
		SignalingTimeout: cfg.Call.SignalingTimeout,
		JoinRetries:      cfg.Call.JoinRetries,
		JoinBackoff:      cfg.Call.JoinBackoff,
		JoinTimeout:      cfg.Call.JoinTimeout,
		PollInterval:     cfg.Call.PollInterval,
		Cooldown:         cfg.Call.Cooldown,
		SignalingPort:    cfg.Call.SignalingPort,
		OwnerAddress:     cfg.Call.OwnerAddress,
	})
	if err != nil {
		return fmt.Errorf("call orchestrator: %w", err)
	}
	s.engine.SetSessionHandler(s.calls)
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if cfg.Path != ":memory:" && !strings.HasPrefix(cfg.Path, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		st, err := store.NewSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.DriverMemory, "":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// router serves probes, metrics and the control API.
func (s *NodeServer) router(reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	}).Methods("GET")

	api := &API{
		log:     s.log.Named("api"),
		mesh:    s.engine,
		calls:   s.calls,
		store:   s.store,
		hub:     s.hub,
		metrics: s.metrics,
	}
	api.Register(r)
	return r
}

func (s *NodeServer) startAdminServer(reg *prometheus.Registry) error {
	lis, err := net.Listen("tcp", s.cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Admin.Address, err)
	}
	s.adminHTTP = &http.Server{
		Handler:           s.router(reg),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}
	s.mu.Lock()
	s.adminAddr = lis.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.adminHTTP.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Ready reports whether the node finished starting and is not shutting down.
func (s *NodeServer) Ready() bool { return s.ready.Load() }

// AdminAddr returns the bound admin address once started.
func (s *NodeServer) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// LANAddr returns the bound LAN transport address once started.
func (s *NodeServer) LANAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lanAddr
}

// Shutdown hangs up any call, stops the mesh and releases the store. A call
// still tearing down when ctx ends is abandoned.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.ready.Store(false)

		if s.adminHTTP != nil {
			if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("admin server shutdown", zap.Error(err))
			}
		}
		if s.calls != nil {
			if err := s.calls.Hangup(ctx); err == nil {
				s.awaitIdle(ctx)
			} else if !errors.Is(err, call.ErrNoSession) {
				s.log.Warn("hang up on shutdown", zap.Error(err))
			}
		}
		s.closeRuntime()
		s.log.Info("node stopped")
	})
}

func (s *NodeServer) awaitIdle(ctx context.Context) {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		snap, err := s.calls.Snapshot(ctx)
		if err != nil || snap.State == call.StateIdle {
			return
		}
		select {
		case <-ctx.Done():
			s.log.Warn("call teardown did not finish before shutdown deadline")
			return
		case <-ticker.C:
		}
	}
}

func (s *NodeServer) closeRuntime() {
	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			s.log.Warn("stop mesh engine", zap.Error(err))
		}
	}
	if s.runCancel != nil {
		s.runCancel()
		<-s.loopDone
		<-s.hubDone
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", zap.Error(err))
		}
	}
}
