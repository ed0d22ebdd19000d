// ABOUTME: Tests for gateway adapters using a scripted fake caller.
// ABOUTME: Covers shape normalization, the two-phase list patch, and conflict mapping.

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/harbormaster/internal/protocol"
)

// recordedCall is one request the fake caller saw.
type recordedCall struct {
	method  string
	params  json.RawMessage
	timeout time.Duration
}

// scriptedResult is what the fake returns for the next matching call.
type scriptedResult struct {
	payload json.RawMessage
	err     error
}

// fakeCaller replays scripted results per method, in order.
type fakeCaller struct {
	calls   []recordedCall
	scripts map[string][]scriptedResult
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{scripts: make(map[string][]scriptedResult)}
}

func (f *fakeCaller) script(method string, payload string, err error) {
	f.scripts[method] = append(f.scripts[method], scriptedResult{payload: json.RawMessage(payload), err: err})
}

func (f *fakeCaller) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f.RequestTimeout(ctx, method, params, 0)
}

func (f *fakeCaller) RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	f.calls = append(f.calls, recordedCall{method: method, params: raw, timeout: timeout})

	queue := f.scripts[method]
	if len(queue) == 0 {
		return nil, errors.New("unscripted method: " + method)
	}
	next := queue[0]
	f.scripts[method] = queue[1:]
	return next.payload, next.err
}

func (f *fakeCaller) On(event string, fn protocol.EventHandler) func() {
	return func() {}
}

func (f *fakeCaller) IsConnected() bool { return true }

func newTestAdapter(caller Caller) Adapter {
	a, err := Resolve(caller, 3, Options{})
	if err != nil {
		panic(err)
	}
	return a
}

func TestResolve(t *testing.T) {
	caller := newFakeCaller()

	t.Run("supported versions", func(t *testing.T) {
		for _, version := range []int{1, 2, 3} {
			a, err := Resolve(caller, version, Options{})
			require.NoError(t, err)
			assert.Equal(t, 3, a.Version())
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, err := Resolve(caller, 99, Options{})
		require.ErrorIs(t, err, ErrUnsupportedVersion)
	})
}

func TestListAgents_Normalization(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("agents.list", `[{"id":"a1","name":"Researcher"}]`, nil)

		agents, err := newTestAdapter(caller).ListAgents(context.Background())
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "a1", agents[0].ID)
	})

	t.Run("wrapped object", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("agents.list", `{"agents":[{"id":"a1","name":"Researcher"},{"id":"a2","name":"Writer"}]}`, nil)

		agents, err := newTestAdapter(caller).ListAgents(context.Background())
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "a2", agents[1].ID)
	})

	t.Run("garbage payload", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("agents.list", `"nope"`, nil)

		_, err := newTestAdapter(caller).ListAgents(context.Background())
		require.Error(t, err)
	})
}

func TestPatchConfig(t *testing.T) {
	t.Run("carries the base hash", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("config.patch", `{"hash":"h2","values":{"model":"large"}}`, nil)

		cfg, err := newTestAdapter(caller).PatchConfig(context.Background(), map[string]any{"model": "large"}, "h1")
		require.NoError(t, err)
		assert.Equal(t, "h2", cfg.Hash)

		require.Len(t, caller.calls, 1)
		var params struct {
			BaseHash string `json:"baseHash"`
		}
		require.NoError(t, json.Unmarshal(caller.calls[0].params, &params))
		assert.Equal(t, "h1", params.BaseHash)
	})

	t.Run("hash mismatch surfaces as conflict", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("config.patch", "", &protocol.Error{Code: "conflict", Message: "stale hash"})

		_, err := newTestAdapter(caller).PatchConfig(context.Background(), map[string]any{"model": "x"}, "stale")
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("other peer errors pass through", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("config.patch", "", &protocol.Error{Code: "invalid_params", Message: "bad key"})

		_, err := newTestAdapter(caller).PatchConfig(context.Background(), map[string]any{"model": "x"}, "h1")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrConflict)
	})
}

func TestReplaceList_TwoPhase(t *testing.T) {
	caller := newFakeCaller()
	// Phase 1 clears the key and yields a fresh hash; phase 2 sets against it.
	caller.script("config.patch", `{"hash":"h2","values":{}}`, nil)
	caller.script("config.patch", `{"hash":"h3","values":{"tools":["search"]}}`, nil)

	cfg, err := newTestAdapter(caller).ReplaceList(context.Background(), "tools", []any{"search"}, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h3", cfg.Hash)

	require.Len(t, caller.calls, 2)

	var first struct {
		Patch    map[string]any `json:"patch"`
		BaseHash string         `json:"baseHash"`
	}
	require.NoError(t, json.Unmarshal(caller.calls[0].params, &first))
	assert.Equal(t, "h1", first.BaseHash)
	require.Contains(t, first.Patch, "tools")
	assert.Nil(t, first.Patch["tools"], "first phase must clear the key")

	var second struct {
		Patch    map[string]any `json:"patch"`
		BaseHash string         `json:"baseHash"`
	}
	require.NoError(t, json.Unmarshal(caller.calls[1].params, &second))
	assert.Equal(t, "h2", second.BaseHash, "second phase must use the re-read hash")
	assert.Equal(t, []any{"search"}, second.Patch["tools"])
}

func TestReplaceList_ConflictAborts(t *testing.T) {
	caller := newFakeCaller()
	caller.script("config.patch", "", &protocol.Error{Code: "hash_mismatch", Message: "stale"})

	_, err := newTestAdapter(caller).ReplaceList(context.Background(), "tools", []any{"search"}, "stale")
	require.ErrorIs(t, err, ErrConflict)
	assert.Len(t, caller.calls, 1, "no second patch after a conflict")
}

func TestSendChat_AttachmentTimeout(t *testing.T) {
	t.Run("plain message uses default timeout", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("chat.send", `{}`, nil)

		err := newTestAdapter(caller).SendChat(context.Background(), SendRequest{
			SessionKey: "sk-1", AgentID: "a1", Message: "hi", RunID: "r1",
		})
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), caller.calls[0].timeout)
	})

	t.Run("attachments raise the timeout", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("chat.send", `{}`, nil)

		err := newTestAdapter(caller).SendChat(context.Background(), SendRequest{
			SessionKey: "sk-1", AgentID: "a1", Message: "see attached", RunID: "r1",
			Attachments: []Attachment{{Name: "doc.pdf", MediaType: "application/pdf", Data: "QUJD"}},
		})
		require.NoError(t, err)
		assert.Equal(t, DefaultSendTimeout, caller.calls[0].timeout)
	})
}

func TestHistory_Normalization(t *testing.T) {
	t.Run("wrapped messages", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("chat.history", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`, nil)

		messages, err := newTestAdapter(caller).History(context.Background(), "sk-1")
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "assistant", messages[1].Role)
	})

	t.Run("bare array", func(t *testing.T) {
		caller := newFakeCaller()
		caller.script("chat.history", `[{"role":"user","content":"hi"}]`, nil)

		messages, err := newTestAdapter(caller).History(context.Background(), "sk-1")
		require.NoError(t, err)
		require.Len(t, messages, 1)
	})
}

func TestDeleteSession_MissingKeyIsNotAnError(t *testing.T) {
	caller := newFakeCaller()
	caller.script("sessions.delete", "", &protocol.Error{Code: "not_found", Message: "no such session"})

	err := newTestAdapter(caller).DeleteSession(context.Background(), "sk-gone")
	require.NoError(t, err)
}

func TestProbe(t *testing.T) {
	caller := newFakeCaller()
	caller.script("status", `{"healthy":true}`, nil)

	err := newTestAdapter(caller).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultProbeTimeout, caller.calls[0].timeout)
}
