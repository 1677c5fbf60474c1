package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"

	"github.com/tapcast/broker/internal/config"
	xlog "github.com/tapcast/broker/internal/log"
	"github.com/tapcast/broker/internal/metrics"
)

// Server is the HTTP front door: it gates stream upgrades and serves the
// operational routes.
type Server struct {
	streamPath     string
	broadcaster    *Broadcaster
	upgrader       websocket.Upgrader
	router         chi.Router
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	producerStatus func() any
	relayStatus    func() any
	log            zerolog.Logger
}

type ServerOption func(*Server)

// WithProducerStatus sets the source of the "producer" field in /status.
func WithProducerStatus(fn func() any) ServerOption {
	return func(s *Server) { s.producerStatus = fn }
}

// WithRelayStatus sets the source of the "relay" field in /status.
func WithRelayStatus(fn func() any) ServerOption {
	return func(s *Server) { s.relayStatus = fn }
}

func NewServer(cfg config.ServerConfig, broadcaster *Broadcaster, opts ...ServerOption) *Server {
	s := &Server{
		streamPath:     cfg.StreamPath,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            xlog.WithComponent("gate"),
	}
	if s.streamPath == "" {
		s.streamPath = config.DefaultStreamPath
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.OpsRoutes {
		r.Get("/healthz", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	r.NotFound(s.rejectPlain)
	r.MethodNotAllowed(s.rejectPlain)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		s.router.ServeHTTP(w, r)
		return
	}

	switch {
	case r.URL.Path != s.streamPath:
		metrics.IncUpgradeRejected("bad_path")
		s.log.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("destroying upgrade to unknown path")
		destroy(w)
	case r.Method != http.MethodGet:
		metrics.IncUpgradeRejected("method")
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	default:
		s.handleStream(w, r)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster.Registry().Full() {
		metrics.IncUpgradeRejected("capacity")
		writeError(w, http.StatusServiceUnavailable, msgTooManyClients)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		metrics.IncUpgradeRejected("handshake")
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade error")
		return
	}

	if _, err := s.broadcaster.Register(conn, r.RemoteAddr); err != nil {
		metrics.IncUpgradeRejected("capacity")
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("client not registered")
	}
}

// rejectPlain answers every non-upgrade request that no route claimed.
func (s *Server) rejectPlain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}
	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	writeError(w, http.StatusUpgradeRequired, msgUpgradeRequired)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Producer    any          `json:"producer,omitempty"`
	Relay       any          `json:"relay,omitempty"`
	ClientCount int          `json:"clientCount"`
	Clients     []ClientInfo `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Clients: s.broadcaster.Registry().Snapshot()}
	resp.ClientCount = len(resp.Clients)
	if s.producerStatus != nil {
		resp.Producer = s.producerStatus()
	}
	if s.relayStatus != nil {
		resp.Relay = s.relayStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

// isUpgrade reports whether r asks for any protocol upgrade.
func isUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}

// destroy drops the underlying connection without writing a response.
func destroy(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return s.allowedHosts[parsed.Host] || parsed.Host == r.Host
}

// Serve runs an HTTP server on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, shutdownTimeout time.Duration) error {
	log := xlog.WithComponent("http")
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
