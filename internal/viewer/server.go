// Package viewer serves the mirrored display and audio to websocket viewers
// and forwards their input to the device.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kstaniek/go-mirror-server/internal/frame"
	"github.com/kstaniek/go-mirror-server/internal/hub"
	"github.com/kstaniek/go-mirror-server/internal/logging"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

// Status is the /api/status document.
type Status struct {
	LinkUp    bool   `json:"link_up"`
	Streaming bool   `json:"streaming"`
	Audio     string `json:"audio,omitempty"`
	Viewers   int    `json:"viewers"`
	Frames    uint64 `json:"frames"`
	Desyncs   uint64 `json:"desyncs"`
}

// Server owns the HTTP listener and coordinates viewer lifecycle.
type Server struct {
	mu      sync.RWMutex
	addr    string
	Hub     *hub.Hub
	Control Controller
	status  func() Status

	readDeadline time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	lastMu    sync.RWMutex
	lastFrame hub.Packet

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	httpSrv   *http.Server
	clientsMu sync.Mutex
	clients   map[*hub.Client]*websocket.Conn
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID        atomic.Uint64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalDisconnected atomic.Uint64
	totalInputErrors  atomic.Uint64
}

const (
	defaultReadDeadline = 60 * time.Second
	defaultWriteTimeout = 2 * time.Second
	defaultPingInterval = 20 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readDeadline: defaultReadDeadline,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		clients: make(map[*hub.Client]*websocket.Conn),
		logger:  logging.For("viewer"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption        { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption            { return func(s *Server) { s.Hub = hb } }
func WithController(c Controller) ServerOption    { return func(s *Server) { s.Control = c } }
func WithStatus(fn func() Status) ServerOption    { return func(s *Server) { s.status = fn } }
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

var _ frame.Sink = (*Server)(nil)

// Present encodes a completed frame, remembers it for late joiners and
// broadcasts it. Called from the session main loop.
func (s *Server) Present(snap frame.Snapshot) {
	p := EncodeFrame(snap)
	s.lastMu.Lock()
	s.lastFrame = p
	s.lastMu.Unlock()
	s.Hub.Broadcast(p)
}

// LastFrame returns the most recently presented frame message, if any.
func (s *Server) LastFrame() hub.Packet {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastFrame
}

// Handler returns the HTTP routes: /ws, /api/status, /metrics and /ready.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/api/status", s.handleStatus)
	metrics.Routes(r)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status()
	}
	st.Viewers = s.Hub.Count()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("status_write_error", "error", err)
	}
}

// Serve listens for viewers until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("viewer_listen", "addr", s.Addr())

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	return nil
}

// Shutdown closes the listener and every viewer connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "disconnected", s.totalDisconnected.Load(), "input_errors", s.totalInputErrors.Load())
		return nil
	}
}
