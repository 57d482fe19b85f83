// Package server exposes the live sweep status over HTTP and WebSocket and
// accepts stop requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
)

const (
	// DefaultPushInterval is how often /ws/status pushes a snapshot.
	DefaultPushInterval = 500 * time.Millisecond

	writeWait       = 10 * time.Second
	maxMessageSize  = 512
	shutdownTimeout = 5 * time.Second
)

// SnapshotSource is anything holding the latest status, typically a
// *status.Board.
type SnapshotSource interface {
	Snapshot() status.Snapshot
}

// Stopper ends the running sweep, typically a *sweep.Handle.
type Stopper interface {
	RequestStop()
}

// Server serves the status endpoints.
type Server struct {
	source       SnapshotSource
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	pushInterval time.Duration
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	stopper Stopper
}

// Option customizes New.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer enables GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithPushInterval sets the WebSocket push period.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) { s.pushInterval = d }
}

// New returns a server reading from source.
func New(source SnapshotSource, opts ...Option) *Server {
	s := &Server{
		source:       source,
		logger:       slog.Default(),
		pushInterval: DefaultPushInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameOrigin,
	}
	return s
}

// SetStopper installs the target of POST /api/stop. Nil clears it.
func (s *Server) SetStopper(st Stopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopper = st
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /ws/status", s.handleStream)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return withRequestID(withLogging(s.logger, mux))
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("status server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, FromSnapshot(s.source.Snapshot()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := s.stopper
	s.mu.Unlock()

	if st == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no sweep running"})
		return
	}
	st.RequestStop()
	s.logger.Info("stop requested over HTTP", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping control messages are handled.
	closed := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(FromSnapshot(s.source.Snapshot())); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// sameOrigin accepts non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
