// Package server runs the relay's three TCP surfaces: the control listener
// where clients authenticate and register, the proxy listener where clients
// dial back to claim a pending pair, and the public listener where user
// traffic arrives and is routed to a client.
package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/modelrelay/observability"
	"github.com/modelrelay/modelrelay/store"
	"github.com/modelrelay/modelrelay/tunnel/pairing"
	"github.com/modelrelay/modelrelay/tunnel/protocol"
	"github.com/modelrelay/modelrelay/tunnel/registry"
)

type Config struct {
	ControlAddr string
	ProxyAddr   string
	PublicAddr  string

	APIKey         string // shared key checked on every public request
	PresenceUserID string // single-tenant owner id recorded on presence upserts

	PeekBytes       int           // first-packet window parsed for routing
	PendingTTL      time.Duration // pending pairs older than this are evicted
	SweepInterval   time.Duration
	HeadReadTimeout time.Duration // bound on the first read of proxy and public conns
	StoreTimeout    time.Duration // bound on external store calls

	Constraints protocol.Constraints

	Users     *UserStore
	Validator store.TokenValidator
	Presence  store.PresenceStore
	Observer  observability.ServerObserver
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ControlAddr:     ":17000",
		ProxyAddr:       ":17001",
		PublicAddr:      ":18080",
		APIKey:          "abc123",
		PresenceUserID:  "admin",
		PeekBytes:       4 * 1024,
		PendingTTL:      30 * time.Second,
		SweepInterval:   time.Second,
		HeadReadTimeout: 10 * time.Second,
		StoreTimeout:    5 * time.Second,
		Constraints:     protocol.DefaultConstraints(),
	}
}

var ErrMissingAPIKey = errors.New("server: api key must be configured")

type Server struct {
	cfg Config
	log *slog.Logger
	obs observability.ServerObserver

	registry *registry.Registry
	pairs    *pairing.Table
	sessions *SessionTokens
	users    *UserStore

	validator store.TokenValidator
	presence  store.PresenceStore

	controlLn net.Listener
	proxyLn   net.Listener
	publicLn  net.Listener

	publicTotal int64
	startedAt   time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = def.ControlAddr
	}
	if cfg.ProxyAddr == "" {
		cfg.ProxyAddr = def.ProxyAddr
	}
	if cfg.PublicAddr == "" {
		cfg.PublicAddr = def.PublicAddr
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.PresenceUserID == "" {
		cfg.PresenceUserID = def.PresenceUserID
	}
	if cfg.PeekBytes <= 0 {
		cfg.PeekBytes = def.PeekBytes
	}
	if cfg.PendingTTL < 0 {
		cfg.PendingTTL = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HeadReadTimeout <= 0 {
		cfg.HeadReadTimeout = def.HeadReadTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Users == nil {
		cfg.Users = NewUserStore(nil)
	}
	if cfg.Validator == nil {
		cfg.Validator = store.Noop
	}
	if cfg.Presence == nil {
		cfg.Presence = store.Noop
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopServerObserver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		obs:       cfg.Observer,
		registry:  registry.New(),
		pairs:     pairing.New(cfg.PendingTTL, cfg.SweepInterval),
		sessions:  NewSessionTokens(),
		users:     cfg.Users,
		validator: cfg.Validator,
		presence:  cfg.Presence,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	s.pairs.SetEvictHook(func(id string) {
		s.obs.Pair(observability.PairOutcomeEvicted)
		s.obs.PendingCount(s.pairs.Len())
		s.log.Warn("evicted stale pending pair", "pair_id", id)
	})
	return s, nil
}

// Listen binds the three TCP listeners without accepting yet. Callers that
// need the bound addresses (tests, ephemeral ports) read them before Serve.
func (s *Server) Listen() error {
	var err error
	if s.controlLn, err = net.Listen("tcp", s.cfg.ControlAddr); err != nil {
		return err
	}
	if s.proxyLn, err = net.Listen("tcp", s.cfg.ProxyAddr); err != nil {
		s.controlLn.Close()
		return err
	}
	if s.publicLn, err = net.Listen("tcp", s.cfg.PublicAddr); err != nil {
		s.controlLn.Close()
		s.proxyLn.Close()
		return err
	}
	return nil
}

func (s *Server) ControlAddr() net.Addr { return s.controlLn.Addr() }
func (s *Server) ProxyAddr() net.Addr   { return s.proxyLn.Addr() }
func (s *Server) PublicAddr() net.Addr  { return s.publicLn.Addr() }

// Serve accepts on all three listeners until Close or until any listener
// fails. Existing spliced streams are left to drain on their own.
func (s *Server) Serve() error {
	if s.controlLn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 3)
	go s.acceptLoop(s.controlLn, s.handleControl, errCh)
	go s.acceptLoop(s.proxyLn, s.handleProxy, errCh)
	go s.acceptLoop(s.publicLn, s.handlePublic, errCh)

	s.log.Info("relay listening",
		"control", s.controlLn.Addr().String(),
		"proxy", s.proxyLn.Addr().String(),
		"public", s.publicLn.Addr().String())

	err := <-errCh
	select {
	case <-s.stopCh:
		return nil
	default:
	}
	s.Close()
	return err
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn), errCh chan<- error) {
	for {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		go handle(c)
	}
}

// Close stops accepting and releases the pending-pair table. Registered
// control sessions unwind as their reads fail.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.controlLn != nil {
			s.controlLn.Close()
		}
		if s.proxyLn != nil {
			s.proxyLn.Close()
		}
		if s.publicLn != nil {
			s.publicLn.Close()
		}
		s.pairs.Close()
	})
	return nil
}

// Registry exposes the client table for the admin surface.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Pairs exposes the pending-pair table for the admin surface.
func (s *Server) Pairs() *pairing.Table { return s.pairs }

// Sessions exposes the minted session tokens for the admin surface.
func (s *Server) Sessions() *SessionTokens { return s.sessions }

// Users exposes the in-memory credential store for the admin surface.
func (s *Server) Users() *UserStore { return s.users }

// Disconnect closes a client's control connection. The session reader
// observes the failure and performs the registry removal and offline mark.
func (s *Server) Disconnect(id string) bool {
	rec, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	s.obs.Session(observability.SessionCloseAdminDisconnect)
	rec.CloseConn()
	return true
}

// Stats is a point-in-time summary for the admin surface.
type Stats struct {
	Clients          int     `json:"total_clients"`
	PendingPairs     int     `json:"pending_pairs"`
	TotalConnections int64   `json:"total_connections"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Clients:          s.registry.Len(),
		PendingPairs:     s.pairs.Len(),
		TotalConnections: atomic.LoadInt64(&s.publicTotal),
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
	}
}
