package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadreview/relay/pkg/logger"
	"github.com/chadreview/relay/pkg/metrics"
	"github.com/chadreview/relay/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// errMalformedFrame marks a frame the session must answer with close 1003.
var errMalformedFrame = errors.New("malformed client frame")

// session owns one accepted WebSocket connection. Data frames and the close
// frame are written on the session goroutine; a separate reader goroutine feeds
// parsed commands in and answers WebSocket ping control frames with pongs.
type session struct {
	conn     *websocket.Conn
	handle   *Handle
	registry *Registry
	metrics  *metrics.Metrics

	idleTimeout  time.Duration
	drainTimeout time.Duration

	// quit is closed when the session loop exits so the reader never blocks
	// on a dead command channel.
	quit chan struct{}
}

func newSession(conn *websocket.Conn, handle *Handle, registry *Registry, m *metrics.Metrics, idle, drain time.Duration) *session {
	return &session{
		conn:         conn,
		handle:       handle,
		registry:     registry,
		metrics:      m,
		idleTimeout:  idle,
		drainTimeout: drain,
		quit:         make(chan struct{}),
	}
}

// run drives the session until the connection dies, the heartbeat deadline
// passes, the handle is displaced, or ctx is canceled. It always deregisters
// before attempting the bounded drain, so concurrent webhooks observe
// no_instance instead of enqueuing into a dying queue.
func (s *session) run(ctx context.Context) {
	commands := make(chan protocol.Command)
	readErr := make(chan error, 1)
	go s.readLoop(commands, readErr)

	fields := logger.Fields{"instance_id": s.handle.instanceID, "token": s.handle.token}
	logger.Info("session registered", fields)

	drain := true
	closeCode := websocket.CloseNormalClosure

loop:
	for {
		select {
		case cmd := <-commands:
			if err := s.handleCommand(cmd); err != nil {
				logger.Warn("session write failed", logger.Fields{
					"instance_id": s.handle.instanceID,
					"error":       err.Error(),
				})
				drain = false
				break loop
			}

		case msg := <-s.handle.send:
			if err := s.write(msg); err != nil {
				logger.Warn("session write failed", logger.Fields{
					"instance_id": s.handle.instanceID,
					"error":       err.Error(),
				})
				drain = false
				break loop
			}

		case <-s.handle.displaced:
			logger.Info("session draining: displaced", fields)
			closeCode = websocket.CloseGoingAway
			break loop

		case err := <-readErr:
			switch {
			case errors.Is(err, errMalformedFrame):
				logger.Warn("session closing: malformed frame", fields)
				closeCode = websocket.CloseUnsupportedData
				drain = false
			case isTimeout(err):
				logger.Info("session draining: idle timeout", fields)
			default:
				logger.Info("session draining: peer closed", fields)
			}
			break loop

		case <-ctx.Done():
			logger.Info("session draining: server context done", fields)
			break loop
		}
	}

	close(s.quit)

	// Deregister first so further webhooks for this instance see no_instance.
	// No-ops when a successor already owns the registry slot.
	s.registry.Deregister(s.handle.instanceID, s.handle.token)

	if drain {
		s.drain()
	}
	s.close(closeCode)
	logger.Info("session closed", fields)
}

// readLoop parses inbound frames into commands. Any frame resets the
// heartbeat deadline; a deadline miss surfaces as a read timeout.
func (s *session) readLoop(commands chan<- protocol.Command, readErr chan<- error) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownCommand) {
				continue
			}
			readErr <- errMalformedFrame
			return
		}

		select {
		case commands <- cmd:
		case <-s.quit:
			return
		}
	}
}

func (s *session) handleCommand(cmd protocol.Command) error {
	switch cmd.Kind {
	case protocol.CmdSubscribe:
		s.handle.Subscribe(cmd.PrKey)
		logger.Info("subscribed", logger.Fields{
			"instance_id": s.handle.instanceID,
			"pr":          cmd.PrKey.String(),
		})
		return s.write(protocol.Subscribed(cmd.PrKey))
	case protocol.CmdUnsubscribe:
		s.handle.Unsubscribe(cmd.PrKey)
		logger.Info("unsubscribed", logger.Fields{
			"instance_id": s.handle.instanceID,
			"pr":          cmd.PrKey.String(),
		})
		return s.write(protocol.Unsubscribed(cmd.PrKey))
	case protocol.CmdPing:
		return s.write(protocol.Pong())
	default:
		return nil
	}
}

func (s *session) write(msg protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.metrics.MessagesSent.Inc()
	return nil
}

// drain flushes already-enqueued outbound messages for at most drainTimeout.
func (s *session) drain() {
	deadline := time.NewTimer(s.drainTimeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-s.handle.send:
			if err := s.write(msg); err != nil {
				return
			}
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

func (s *session) close(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err := s.conn.Close(); err != nil {
		logger.Debug("socket close failed", logger.Fields{"error": err.Error()})
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
