// ABOUTME: Wire frame types and error taxonomy for the gateway protocol
// ABOUTME: Defines req/res/event envelopes and the connect handshake payloads

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is the envelope for every message on the wire.
// Requests carry {type:"req", id, method, params}, responses
// {type:"res", id, ok, payload|error} and events {type:"event", event, payload}.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Reserved event names intercepted by the client before user dispatch.
const (
	EventChallenge = "connect.challenge"
	EventTick      = "tick"
)

// Error is a peer-returned protocol error for a specific request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// ErrNotConnected is returned by Request when no handshaken connection exists.
var ErrNotConnected = errors.New("gateway not connected")

// ErrClientClosed is the rejection delivered to pending requests when the
// client is disconnected.
var ErrClientClosed = errors.New("client disconnected")

// ConnectParams is the body of the "connect" request sent in reply to the
// connect.challenge event.
type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      ConnectClient `json:"client"`
	Auth        *ConnectAuth  `json:"auth,omitempty"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
}

// ConnectClient identifies this control plane to the gateway.
type ConnectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the gateway auth token.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// HelloPayload is the payload of a successful connect response.
type HelloPayload struct {
	Protocol       int    `json:"protocol"`
	ServerVersion  string `json:"serverVersion"`
	TickIntervalMs int    `json:"tickIntervalMs"`
}

// Protocol version bounds this client speaks.
const (
	MinProtocolVersion = 1
	MaxProtocolVersion = 3
)
