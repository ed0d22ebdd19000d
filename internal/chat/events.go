// ABOUTME: Event types for the caller-facing chat stream and upstream gateway events.
// ABOUTME: Defines the ordered frame vocabulary: session, thinking, text, image, tool, done, error.

package chat

import "encoding/json"

// EventType identifies one frame in the caller-facing stream.
type EventType string

const (
	EventSession    EventType = "session"
	EventThinking   EventType = "thinking"
	EventText       EventType = "text"
	EventImage      EventType = "image"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one frame emitted to the caller. Text carries incremental diffs
// for thinking/text frames and the message for error frames.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Text      string          `json:"text,omitempty"`
	Path      string          `json:"path,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	Data      string          `json:"data,omitempty"` // base64 image bytes
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Upstream event channel names, scoped per run by the payload's run id.
const (
	chatEventName = "chat.event"
	toolEventName = "tool.event"
)

// Chat event states.
const (
	stateDelta   = "delta"
	stateFinal   = "final"
	stateError   = "error"
	stateAborted = "aborted"
)

// Tool event phases.
const (
	phaseStart  = "start"
	phaseResult = "result"
)

// chatEventPayload is the incremental model-output event from the gateway.
// Text and Thinking are cumulative strings, not deltas.
type chatEventPayload struct {
	RunID    string `json:"runId"`
	State    string `json:"state"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Error    string `json:"error,omitempty"`
}

// toolEventPayload is a tool lifecycle event from the gateway. Paths carries
// media markers found in tool results.
type toolEventPayload struct {
	RunID  string          `json:"runId"`
	Phase  string          `json:"phase"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Paths  []string        `json:"paths,omitempty"`
}
