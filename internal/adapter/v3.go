// ABOUTME: Adapter implementation for gateway wire protocol version 3.
// ABOUTME: Normalizes response shapes and implements the two-phase list patch.

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// v3Adapter speaks protocol versions 1 through 3, which share method names
// and differ only in fields v3 adds.
type v3Adapter struct {
	caller Caller
	opts   Options
}

func newV3(caller Caller, opts Options) *v3Adapter {
	return &v3Adapter{caller: caller, opts: opts}
}

func (a *v3Adapter) Version() int { return 3 }

func (a *v3Adapter) Caller() Caller { return a.caller }

// ListAgents normalizes the two shapes the gateway is known to return: a bare
// array, or an object wrapping one under "agents".
func (a *v3Adapter) ListAgents(ctx context.Context) ([]Agent, error) {
	payload, err := a.caller.Request(ctx, "agents.list", nil)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	var agents []Agent
	if err := json.Unmarshal(payload, &agents); err == nil {
		return agents, nil
	}

	var wrapped struct {
		Agents []Agent `json:"agents"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing agents list: %w", err)
	}
	return wrapped.Agents, nil
}

func (a *v3Adapter) GetConfig(ctx context.Context) (*Config, error) {
	payload, err := a.caller.Request(ctx, "config.get", nil)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func (a *v3Adapter) PatchConfig(ctx context.Context, patch map[string]any, hash string) (*Config, error) {
	params := struct {
		Patch    map[string]any `json:"patch"`
		BaseHash string         `json:"baseHash"`
	}{Patch: patch, BaseHash: hash}

	payload, err := a.caller.Request(ctx, "config.patch", params)
	if err != nil {
		if isConflict(err) {
			return nil, fmt.Errorf("patching config: %w", ErrConflict)
		}
		return nil, fmt.Errorf("patching config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("parsing patched config: %w", err)
	}
	return &cfg, nil
}

// ReplaceList clears the key, re-reads the resulting hash, then sets the
// final value against that fresh hash. A single patch would union-merge
// array values upstream instead of replacing them.
func (a *v3Adapter) ReplaceList(ctx context.Context, key string, value []any, hash string) (*Config, error) {
	cleared, err := a.PatchConfig(ctx, map[string]any{key: nil}, hash)
	if err != nil {
		return nil, fmt.Errorf("clearing %s: %w", key, err)
	}

	final, err := a.PatchConfig(ctx, map[string]any{key: value}, cleared.Hash)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	return final, nil
}

// SendChat delivers one message. Sends carrying attachments get the long
// timeout; output arrives as events correlated by req.RunID, not in this
// response.
func (a *v3Adapter) SendChat(ctx context.Context, req SendRequest) error {
	timeout := time.Duration(0)
	if len(req.Attachments) > 0 {
		timeout = a.opts.SendTimeout
	}
	if _, err := a.caller.RequestTimeout(ctx, "chat.send", req, timeout); err != nil {
		return fmt.Errorf("sending chat message: %w", err)
	}
	return nil
}

func (a *v3Adapter) History(ctx context.Context, sessionKey string) ([]TranscriptMessage, error) {
	params := struct {
		SessionKey string `json:"sessionKey"`
	}{SessionKey: sessionKey}

	payload, err := a.caller.Request(ctx, "chat.history", params)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	var messages []TranscriptMessage
	if err := json.Unmarshal(payload, &messages); err == nil {
		return messages, nil
	}

	var wrapped struct {
		Messages []TranscriptMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing history: %w", err)
	}
	return wrapped.Messages, nil
}

func (a *v3Adapter) DeleteSession(ctx context.Context, sessionKey string) error {
	params := struct {
		SessionKey string `json:"sessionKey"`
	}{SessionKey: sessionKey}

	_, err := a.caller.Request(ctx, "sessions.delete", params)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting session %s: %w", sessionKey, err)
	}
	return nil
}

func (a *v3Adapter) Probe(ctx context.Context) error {
	if _, err := a.caller.RequestTimeout(ctx, "status", nil, a.opts.ProbeTimeout); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}
