// Package srv composes the relay's HTTP surface: routing, middleware, and
// lifecycle. It exists as a library so integration tests and the server
// binary share one wiring.
package srv

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/chadreview/relay/pkg/config"
	"github.com/chadreview/relay/pkg/hub"
	"github.com/chadreview/relay/pkg/metrics"
	"github.com/chadreview/relay/pkg/security"
	"github.com/chadreview/relay/pkg/webhook"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleConnTimeout   = 120 * time.Second
)

// Server bundles the relay's components behind one HTTP handler.
type Server struct {
	cfg         *config.Config
	registry    *hub.Registry
	metrics     *metrics.Metrics
	rateLimiter *security.RateLimiter
	connLimiter *security.ConnectionLimiter
	httpServer  *http.Server
	handler     http.Handler

	shutdownOnce sync.Once
}

// New wires a relay server from cfg.
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:         cfg,
		registry:    hub.NewRegistry(),
		metrics:     metrics.New(),
		rateLimiter: security.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		connLimiter: security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.Handle("/ws/{iid}", hub.NewWebSocketHandler(s.registry, s.connLimiter, s.metrics, hub.Options{
		QueueCapacity: cfg.OutboundQueueCapacity,
		IdleTimeout:   cfg.IdleTimeout,
		DrainTimeout:  cfg.DrainTimeout,
	})).Methods(http.MethodGet)
	router.Handle("/webhook/{iid}", webhook.NewHandler(s.registry, cfg.WebhookSecret, s.metrics)).Methods(http.MethodPost)

	s.handler = security.Middleware(s.rateLimiter)(router)
	return s
}

// Handler returns the composed HTTP handler, for embedding in tests or in a
// caller-owned http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry exposes the connection registry, mainly for tests.
func (s *Server) Registry() *hub.Registry {
	return s.registry
}

// ListenAndServe serves plain HTTP on the configured address, blocking until
// the server stops. The write timeout is left unset: upgraded WebSocket
// connections manage their own deadlines.
func (s *Server) ListenAndServe() error {
	if s.httpServer == nil {
		s.httpServer = s.newHTTPServer(s.cfg.Addr())
	}
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS serves HTTPS using the server's TLS config, which the
// caller sets via HTTPServer before starting.
func (s *Server) ListenAndServeTLS() error {
	if s.httpServer == nil {
		s.httpServer = s.newHTTPServer(s.cfg.Addr())
	}
	return s.httpServer.ListenAndServeTLS("", "")
}

// HTTPServer returns the underlying http.Server, creating it on first use so
// callers can adjust Addr or TLSConfig before serving.
func (s *Server) HTTPServer() *http.Server {
	if s.httpServer == nil {
		s.httpServer = s.newHTTPServer(s.cfg.Addr())
	}
	return s.httpServer
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleConnTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}

// Shutdown signals every session to drain, stops the HTTP listener, and
// releases the limiters. Sessions observe the displacement signal and run
// their normal teardown within the drain window. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.registry.DisplaceAll()
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.rateLimiter.Stop()
		s.connLimiter.Stop()
	})
	return err
}
