// Package client provides a reconnecting WebSocket client for the relay. It
// maintains the instance's subscription set across reconnects, sends protocol
// pings to stay ahead of the server's idle deadline, and dispatches relayed
// events to a callback.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/chadreview/relay/pkg/event"
	"github.com/chadreview/relay/pkg/protocol"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	ackTimeout          = 10 * time.Second
)

// Event is a relayed forge event delivered to the OnEvent callback.
type Event struct {
	InstanceID string
	PrKey      event.PrKey
	Payload    event.WebhookEvent
}

// Config holds the client configuration.
type Config struct {
	Logger       *slog.Logger
	OnEvent      func(Event)
	OnConnect    func()
	OnDisconnect func(error)
	ServerURL    string
	InstanceID   string
	PingInterval time.Duration
	MaxBackoff   time.Duration
	MaxRetries   int
	NoReconnect  bool
}

// Client is a relay client with automatic reconnection.
type Client struct {
	logger    *slog.Logger
	config    Config
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	ws      *websocket.Conn
	subs    map[event.PrKey]struct{}
	pending map[pendingKey]chan struct{}
}

type pendingKey struct {
	key         event.PrKey
	unsubscribe bool
}

// New creates a client. The instance id should be generated once per
// installation and reused; the relay routes webhooks by it.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if config.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if config.PingInterval == 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaultMaxBackoff
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		subs:      make(map[event.PrKey]struct{}),
		pending:   make(map[pendingKey]chan struct{}),
	}, nil
}

// Start connects and blocks, reconnecting with jittered exponential backoff
// until ctx is canceled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("relay connection lost", "error", err, "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(error) bool {
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}
	if c.config.MaxRetries > 0 {
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries)))
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}
		return c.connectAndRun(ctx)
	}, retryOpts...)
}

// Stop terminates the client and any in-flight connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.mu.Unlock()
}

// Wait blocks until Start has returned.
func (c *Client) Wait() {
	<-c.stoppedCh
}

// Subscribe adds key to the subscription set and blocks until the relay
// acknowledges it or ctx expires. The subscription survives reconnects.
func (c *Client) Subscribe(ctx context.Context, key event.PrKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ack := make(chan struct{})
	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.pending[pendingKey{key: key}] = ack
	c.mu.Unlock()

	pk := pendingKey{key: key}
	if err := c.send(protocol.Command{Kind: protocol.CmdSubscribe, PrKey: key}); err != nil {
		c.clearPending(pk)
		return err
	}
	return c.awaitAck(ctx, pk, ack)
}

// Unsubscribe removes key and blocks until acknowledged or ctx expires.
func (c *Client) Unsubscribe(ctx context.Context, key event.PrKey) error {
	ack := make(chan struct{})
	c.mu.Lock()
	delete(c.subs, key)
	c.pending[pendingKey{key: key, unsubscribe: true}] = ack
	c.mu.Unlock()

	pk := pendingKey{key: key, unsubscribe: true}
	if err := c.send(protocol.Command{Kind: protocol.CmdUnsubscribe, PrKey: key}); err != nil {
		c.clearPending(pk)
		return err
	}
	return c.awaitAck(ctx, pk, ack)
}

func (c *Client) awaitAck(ctx context.Context, pk pendingKey, ack chan struct{}) error {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		c.clearPending(pk)
		return errors.New("timed out waiting for acknowledgement")
	case <-ctx.Done():
		c.clearPending(pk)
		return ctx.Err()
	case <-c.stopCh:
		c.clearPending(pk)
		return errors.New("client stopped")
	}
}

func (c *Client) clearPending(pk pendingKey) {
	c.mu.Lock()
	delete(c.pending, pk)
	c.mu.Unlock()
}

func (c *Client) connectAndRun(ctx context.Context) error {
	wsURL, origin, err := endpoints(c.config.ServerURL, c.config.InstanceID)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	c.logger.Info("connecting to relay", "url", wsURL)
	ws, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	resubscribe := make([]event.PrKey, 0, len(c.subs))
	for key := range c.subs {
		resubscribe = append(resubscribe, key)
	}
	c.mu.Unlock()

	defer func() {
		_ = ws.Close()
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	for _, key := range resubscribe {
		if err := c.send(protocol.Command{Kind: protocol.CmdSubscribe, PrKey: key}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", key, err)
		}
	}

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(ctx, pingDone)

	return c.readLoop(ctx, ws)
}

// pingLoop keeps the session alive: the relay closes connections that stay
// silent past its idle deadline, and the protocol Ping is the keepalive.
func (c *Client) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.send(protocol.Command{Kind: protocol.CmdPing}); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			return fmt.Errorf("read relay message: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	incoming, err := protocol.ParseServerMessage(data)
	if err != nil {
		c.logger.Warn("ignoring unparseable server message", "error", err)
		return
	}

	switch incoming.Kind {
	case protocol.SrvSubscribed:
		c.signalAck(pendingKey{key: incoming.PrKey})
	case protocol.SrvUnsubscribed:
		c.signalAck(pendingKey{key: incoming.PrKey, unsubscribe: true})
	case protocol.SrvPong:
		c.logger.Debug("pong received")
	case protocol.SrvWebhook:
		relayed := incoming.Webhook
		payload, err := event.Unmarshal(relayed.Event)
		if err != nil {
			c.logger.Warn("undecodable relayed event", "error", err, "pr", relayed.PrKey.String())
			return
		}
		if c.config.OnEvent != nil {
			c.config.OnEvent(Event{
				InstanceID: relayed.InstanceID,
				PrKey:      relayed.PrKey,
				Payload:    payload,
			})
		}
	}
}

func (c *Client) signalAck(pk pendingKey) {
	c.mu.Lock()
	ack, ok := c.pending[pk]
	if ok {
		delete(c.pending, pk)
	}
	c.mu.Unlock()
	if ok {
		close(ack)
	}
}

// send serializes a command onto the socket. Writes are guarded by the mutex
// because the ping loop and Subscribe/Unsubscribe callers share the socket.
func (c *Client) send(cmd protocol.Command) error {
	data, err := protocol.MarshalCommand(cmd)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	return websocket.Message.Send(c.ws, string(data))
}

// endpoints derives the WebSocket URL and handshake origin from the
// configured server URL.
func endpoints(serverURL, instanceID string) (wsURL, origin string, err error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + instanceID

	o := *u
	if o.Scheme == "wss" {
		o.Scheme = "https"
	} else {
		o.Scheme = "http"
	}
	o.Path = "/"
	return u.String(), o.String(), nil
}
