// ABOUTME: Stable internal vocabulary over versioned gateway wire protocols.
// ABOUTME: One adapter implementation per wire version, selected at handshake time.

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/harbormaster/internal/protocol"
)

var (
	// ErrConflict is returned when a config mutation carried a hash that no
	// longer matches the stored config. The caller should re-read and retry
	// deliberately; the adapter never retries with a stale value.
	ErrConflict = errors.New("config hash conflict")

	// ErrUnsupportedVersion is returned when the peer advertises a protocol
	// version no adapter implementation speaks.
	ErrUnsupportedVersion = errors.New("unsupported gateway protocol version")
)

// Timing defaults for adapter-issued requests.
const (
	DefaultProbeTimeout = 10 * time.Second
	DefaultSendTimeout  = 120 * time.Second
)

// Caller is the slice of the protocol client the adapter needs. The concrete
// *protocol.Client satisfies it; tests substitute a recording fake.
type Caller interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	On(event string, fn protocol.EventHandler) func()
	IsConnected() bool
}

// Agent describes one agent hosted by a gateway instance.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Config is a gateway's configuration document plus the optimistic-concurrency
// hash every mutation must carry.
type Config struct {
	Hash   string         `json:"hash"`
	Values map[string]any `json:"values"`
}

// TranscriptMessage is one message of an upstream conversation transcript.
// Structured fields are kept raw so they round-trip into snapshots untouched.
type TranscriptMessage struct {
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	Thinking      string          `json:"thinking,omitempty"`
	ToolCalls     json.RawMessage `json:"toolCalls,omitempty"`
	ContentBlocks json.RawMessage `json:"contentBlocks,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
}

// Attachment is a file sent along with a chat message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// SendRequest carries one chat message to an upstream conversation. RunID is
// generated by the caller before sending so event subscriptions can be in
// place before any output exists.
type SendRequest struct {
	SessionKey  string       `json:"sessionKey"`
	AgentID     string       `json:"agentId"`
	Message     string       `json:"message"`
	RunID       string       `json:"runId"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Adapter maps the internal vocabulary onto one gateway protocol version.
type Adapter interface {
	// Version reports the wire protocol version this adapter speaks.
	Version() int

	ListAgents(ctx context.Context) ([]Agent, error)
	GetConfig(ctx context.Context) (*Config, error)

	// PatchConfig applies a partial update against the given hash.
	// Array-valued keys are union-merged upstream, not replaced; use
	// ReplaceList when replacement semantics are needed.
	PatchConfig(ctx context.Context, patch map[string]any, hash string) (*Config, error)

	// ReplaceList replaces an array-valued key wholesale. Composed of a
	// clearing patch, a hash re-read, and a final patch against the fresh
	// hash, because a single patch would union-merge.
	ReplaceList(ctx context.Context, key string, value []any, hash string) (*Config, error)

	SendChat(ctx context.Context, req SendRequest) error
	History(ctx context.Context, sessionKey string) ([]TranscriptMessage, error)

	// DeleteSession resets upstream conversation state for a session key.
	// Deleting a key upstream no longer knows is not an error.
	DeleteSession(ctx context.Context, sessionKey string) error

	Probe(ctx context.Context) error
	Caller() Caller
}

// Options tunes adapter-issued request timing.
type Options struct {
	ProbeTimeout time.Duration
	SendTimeout  time.Duration
}

// Resolve picks the adapter implementation for the peer's advertised protocol
// version. New wire versions get a new implementation here; call sites never
// branch on version.
func Resolve(caller Caller, peerProtocol int, opts Options) (Adapter, error) {
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = DefaultSendTimeout
	}

	switch {
	case peerProtocol >= protocol.MinProtocolVersion && peerProtocol <= protocol.MaxProtocolVersion:
		return newV3(caller, opts), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, peerProtocol)
	}
}

// isConflict reports whether a peer error indicates a hash mismatch.
func isConflict(err error) bool {
	var gwErr *protocol.Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.Code == "conflict" || gwErr.Code == "hash_mismatch"
}

// isNotFound reports whether a peer error indicates a missing resource.
func isNotFound(err error) bool {
	var gwErr *protocol.Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.Code == "not_found"
}
