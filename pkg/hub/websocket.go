package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chadreview/relay/pkg/logger"
	"github.com/chadreview/relay/pkg/metrics"
	"github.com/chadreview/relay/pkg/security"
)

// Options tunes per-session behavior of the WebSocket endpoint.
type Options struct {
	QueueCapacity int
	IdleTimeout   time.Duration
	DrainTimeout  time.Duration
}

// WebSocketHandler accepts upgrades on /ws/{iid} and runs one session per
// accepted connection.
type WebSocketHandler struct {
	registry *Registry
	limiter  *security.ConnectionLimiter
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the upgrade handler.
func NewWebSocketHandler(registry *Registry, limiter *security.ConnectionLimiter, m *metrics.Metrics, opts Options) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		limiter:  limiter,
		metrics:  m,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are native instances, not browsers, so any Origin
			// header is accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, registers the instance (displacing any
// prior session for the same id), and blocks until the session ends.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["iid"]
	if instanceID == "" {
		http.Error(w, "missing instance id", http.StatusBadRequest)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}

	ip := security.ClientIP(r)
	if !h.limiter.Add(ip) {
		logger.Warn("connection limit exceeded", logger.Fields{"ip": ip, "instance_id": instanceID})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer h.limiter.Remove(ip)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		logger.Warn("websocket upgrade failed", logger.Fields{"ip": ip, "error": err.Error()})
		return
	}

	handle := NewHandle(instanceID, h.opts.QueueCapacity)
	if old := h.registry.Register(handle); old != nil {
		h.metrics.Displacements.Inc()
	}
	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	logger.Info("websocket connected", logger.Fields{"ip": ip, "instance_id": instanceID})

	sess := newSession(conn, handle, h.registry, h.metrics, h.opts.IdleTimeout, h.opts.DrainTimeout)
	sess.run(r.Context())
}
