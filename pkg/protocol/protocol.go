// Package protocol implements the JSON wire schema exchanged with relay
// clients: the tagged client commands and server messages, one per text frame.
// The encoding is externally frozen; refactors must not alter it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chadreview/relay/pkg/event"
)

var (
	// ErrMalformedFrame indicates a frame that is not valid JSON or not the
	// expected shape. Sessions close the connection on it (close code 1003).
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownCommand indicates a syntactically valid frame with an
	// unrecognized tag. Sessions ignore it without replying.
	ErrUnknownCommand = errors.New("unknown command tag")
)

// CommandKind discriminates parsed client commands.
type CommandKind int

// Client command kinds.
const (
	CmdSubscribe CommandKind = iota + 1
	CmdUnsubscribe
	CmdPing
)

// Command is a parsed client command. PrKey is set for Subscribe and
// Unsubscribe only.
type Command struct {
	Kind  CommandKind
	PrKey event.PrKey
}

// ParseCommand decodes one inbound text frame.
func ParseCommand(data []byte) (Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	if body, ok := raw["Subscribe"]; ok {
		key, err := parsePrKeyBody(body)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdSubscribe, PrKey: key}, nil
	}
	if body, ok := raw["Unsubscribe"]; ok {
		key, err := parsePrKeyBody(body)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdUnsubscribe, PrKey: key}, nil
	}
	if _, ok := raw["Ping"]; ok {
		return Command{Kind: CmdPing}, nil
	}
	return Command{}, ErrUnknownCommand
}

func parsePrKeyBody(body []byte) (event.PrKey, error) {
	var b struct {
		PrKey event.PrKey `json:"pr_key"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return event.PrKey{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := b.PrKey.Validate(); err != nil {
		return event.PrKey{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return b.PrKey, nil
}

// MarshalCommand encodes a client command in the externally tagged form.
func MarshalCommand(cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case CmdSubscribe:
		return json.Marshal(map[string]any{"Subscribe": prKeyBody{PrKey: cmd.PrKey}})
	case CmdUnsubscribe:
		return json.Marshal(map[string]any{"Unsubscribe": prKeyBody{PrKey: cmd.PrKey}})
	case CmdPing:
		return json.Marshal(map[string]any{"Ping": nil})
	default:
		return nil, fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}

// ServerMessage is an outbound message. Construct via Subscribed,
// Unsubscribed, Pong, or Webhook; the zero value is not sendable.
type ServerMessage struct {
	tag  string
	body any
}

type prKeyBody struct {
	PrKey event.PrKey `json:"pr_key"`
}

type webhookBody struct {
	InstanceID string             `json:"instance_id"`
	PrKey      event.PrKey        `json:"pr_key"`
	Event      event.WebhookEvent `json:"event"`
}

// Subscribed acknowledges a Subscribe command.
func Subscribed(key event.PrKey) ServerMessage {
	return ServerMessage{tag: "Subscribed", body: prKeyBody{PrKey: key}}
}

// Unsubscribed acknowledges an Unsubscribe command.
func Unsubscribed(key event.PrKey) ServerMessage {
	return ServerMessage{tag: "Unsubscribed", body: prKeyBody{PrKey: key}}
}

// Pong answers a client Ping.
func Pong() ServerMessage {
	return ServerMessage{tag: "Pong"}
}

// Webhook wraps a relayed forge event. The instance id is echoed so the
// client can assert it reached the right socket.
func Webhook(instanceID string, key event.PrKey, ev event.WebhookEvent) ServerMessage {
	return ServerMessage{tag: "Webhook", body: webhookBody{InstanceID: instanceID, PrKey: key, Event: ev}}
}

// Tag returns the message's wire tag, mainly for logging.
func (m ServerMessage) Tag() string { return m.tag }

// MarshalJSON encodes the externally tagged form; tags with no body (Pong)
// carry a literal null.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	if m.tag == "" {
		return nil, errors.New("zero ServerMessage")
	}
	return json.Marshal(map[string]any{m.tag: m.body})
}

// ServerKind discriminates server messages decoded by clients.
type ServerKind int

// Server message kinds.
const (
	SrvSubscribed ServerKind = iota + 1
	SrvUnsubscribed
	SrvPong
	SrvWebhook
)

// RelayedEvent is the decoded body of a Webhook server message. Event is kept
// raw so callers can defer full decoding to event.Unmarshal.
type RelayedEvent struct {
	InstanceID string          `json:"instance_id"`
	PrKey      event.PrKey     `json:"pr_key"`
	Event      json.RawMessage `json:"event"`
}

// Incoming is a server message decoded on the client side. PrKey is set for
// Subscribed and Unsubscribed; Webhook is set for SrvWebhook.
type Incoming struct {
	Kind    ServerKind
	PrKey   event.PrKey
	Webhook *RelayedEvent
}

// ParseServerMessage decodes one frame received from the relay.
func ParseServerMessage(data []byte) (Incoming, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Incoming{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	if body, ok := raw["Subscribed"]; ok {
		key, err := parsePrKeyBody(body)
		if err != nil {
			return Incoming{}, err
		}
		return Incoming{Kind: SrvSubscribed, PrKey: key}, nil
	}
	if body, ok := raw["Unsubscribed"]; ok {
		key, err := parsePrKeyBody(body)
		if err != nil {
			return Incoming{}, err
		}
		return Incoming{Kind: SrvUnsubscribed, PrKey: key}, nil
	}
	if _, ok := raw["Pong"]; ok {
		return Incoming{Kind: SrvPong}, nil
	}
	if body, ok := raw["Webhook"]; ok {
		var relayed RelayedEvent
		if err := json.Unmarshal(body, &relayed); err != nil {
			return Incoming{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return Incoming{Kind: SrvWebhook, Webhook: &relayed}, nil
	}
	return Incoming{}, ErrUnknownCommand
}
