// Package rpc exposes a dispatch.Server over HTTP: every WebSocket on /rpc is
// one JSON-RPC connection, next to /healthz and /metrics.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aim-chat/go-jsonrpc/internal/config"
	"aim-chat/go-jsonrpc/internal/metrics"
	"aim-chat/go-jsonrpc/pkg/dispatch"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
	"aim-chat/go-jsonrpc/pkg/transport/ws"
)

const shutdownTimeout = 5 * time.Second

var ErrServerClosed = errors.New("rpc: server closed")

// ConnValueFunc builds the connection context handed to every handler of
// one connection.
type ConnValueFunc func(remoteAddr, connID string) any

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithLimits(cfg config.LimitsConfig) Option {
	return func(s *Server) {
		s.conns = newConnLimiter(cfg)
	}
}

func WithConnValue(fn ConnValueFunc) Option {
	return func(s *Server) {
		s.connValue = fn
	}
}

// WithCheckOrigin replaces the default origin policy for WebSocket upgrades.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.checkOrigin = fn
	}
}

type Server struct {
	httpServer  *http.Server
	rpc         *dispatch.Server
	log         *slog.Logger
	metrics     *metrics.Metrics
	conns       *connLimiter
	connValue   ConnValueFunc
	checkOrigin func(*http.Request) bool

	sessionsCtx    context.Context
	cancelSessions context.CancelFunc
	mu             sync.Mutex
	closing        bool
	sessions       sync.WaitGroup
}

// NewServer serves rpc on addr (host:port).
func NewServer(addr string, rpc *dispatch.Server, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		rpc:         rpc,
		log:         slog.Default(),
		conns:       newConnLimiter(config.Default().Limits),
		checkOrigin: checkSameOrLoopbackOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessionsCtx, s.cancelSessions = context.WithCancel(context.Background())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then shuts the HTTP server down and
// closes every open JSON-RPC connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("rpc server listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.closeSessions()
		if serveErr := <-errCh; err == nil {
			err = serveErr
		}
		s.log.Info("rpc server stopped", "error", err)
		return err
	case err := <-errCh:
		s.closeSessions()
		return err
	}
}

// closeSessions cancels hijacked WebSocket sessions, which http.Server.Shutdown
// does not track, and waits for them to finish.
func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelSessions()
	s.sessions.Wait()
}

func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.conns.open(),
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := clientKey(r)
	release, allowed := s.conns.acquire(key)
	if !allowed {
		if s.metrics != nil {
			s.metrics.ConnectionRejected()
		}
		s.log.Warn("connection rejected", "client_key", key)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer release()
	if !s.beginSession() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	t, err := ws.Upgrade(w, r, s.checkOrigin)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = t.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.sessionsCtx, cancel)
	defer stop()

	connID := newConnID()
	var value any
	if s.connValue != nil {
		value = s.connValue(r.RemoteAddr, connID)
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}
	log := s.log.With("conn_id", connID)
	log.Info("connection opened", "remote_addr", r.RemoteAddr)
	started := time.Now()
	err = s.rpc.ServeTransport(ctx, t, value, jsonrpc.WithID(connID))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("connection failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		return
	}
	log.Info("connection closed", "duration_ms", time.Since(started).Milliseconds())
}

func checkSameOrLoopbackOrigin(r *http.Request) bool {
	return allowedOrigin(r.Header.Get("Origin"), r.Host)
}

// allowedOrigin accepts requests without an Origin header, from loopback
// hosts, and from the host that served the request.
func allowedOrigin(origin, requestHost string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, requestHost)
}
