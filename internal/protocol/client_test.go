// ABOUTME: Tests for the gateway protocol client using an in-memory wire.
// ABOUTME: Covers the handshake, request correlation, timeouts, reconnection, and event dispatch.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire is an in-memory duplex connection the tests drive from the
// gateway's side.
type fakeWire struct {
	in  chan []byte // frames the client will read
	out chan []byte // frames the client wrote

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeWire) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeWire) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("wire closed")
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeWire) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// push delivers a frame to the client as if the gateway sent it.
func (f *fakeWire) push(t *testing.T, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.in <- data
}

// next reads the client's next outbound frame.
func (f *fakeWire) next(t *testing.T) Frame {
	t.Helper()
	select {
	case data := <-f.out:
		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

// serveHandshake plays the gateway side of the connect handshake.
func (f *fakeWire) serveHandshake(t *testing.T) Frame {
	t.Helper()
	f.push(t, Frame{Type: FrameEvent, Event: EventChallenge})

	connect := f.next(t)
	require.Equal(t, FrameRequest, connect.Type)
	require.Equal(t, "connect", connect.Method)

	ok := true
	hello, err := json.Marshal(HelloPayload{Protocol: 3, ServerVersion: "gw-test", TickIntervalMs: 0})
	require.NoError(t, err)
	f.push(t, Frame{Type: FrameResponse, ID: connect.ID, OK: &ok, Payload: hello})
	return connect
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(w *fakeWire, opts Options) *Client {
	if opts.URL == "" {
		opts.URL = "ws://gateway.test/ws"
	}
	opts.Logger = quietLogger()
	c := NewClient(opts)
	c.dial = func(ctx context.Context, url string) (wire, error) {
		return w, nil
	}
	c.backoffBase = time.Millisecond
	c.backoffMax = 4 * time.Millisecond
	return c
}

func connectTestClient(t *testing.T, w *fakeWire, opts Options) *Client {
	t.Helper()
	c := newTestClient(w, opts)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	w.serveHandshake(t)
	require.NoError(t, <-done)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnect_Handshake(t *testing.T) {
	w := newFakeWire()
	c := newTestClient(w, Options{Token: "secret", ClientID: "cp-1", Scopes: []string{"chat"}})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	connect := w.serveHandshake(t)
	require.NoError(t, <-done)

	var params ConnectParams
	require.NoError(t, json.Unmarshal(connect.Params, &params))
	assert.Equal(t, MinProtocolVersion, params.MinProtocol)
	assert.Equal(t, MaxProtocolVersion, params.MaxProtocol)
	assert.Equal(t, "cp-1", params.Client.ID)
	require.NotNil(t, params.Auth)
	assert.Equal(t, "secret", params.Auth.Token)
	assert.Equal(t, []string{"chat"}, params.Scopes)

	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "gw-test", c.PeerVersion())
	assert.Equal(t, 3, c.PeerProtocol())

	c.Close()
	assert.False(t, c.IsConnected())
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	w := newFakeWire()
	c := newTestClient(w, Options{HandshakeTimeout: 50 * time.Millisecond})

	// The gateway never sends a challenge.
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsConnected())
}

func TestConnect_Rejected(t *testing.T) {
	w := newFakeWire()
	c := newTestClient(w, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	w.push(t, Frame{Type: FrameEvent, Event: EventChallenge})
	connect := w.next(t)
	ok := false
	w.push(t, Frame{Type: FrameResponse, ID: connect.ID, OK: &ok, Error: &Error{Code: "auth_failed", Message: "bad token"}})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth_failed")
	assert.False(t, c.IsConnected())
}

func TestRequest_Response(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	done := make(chan requestResult, 1)
	go func() {
		payload, err := c.Request(context.Background(), "agents.list", map[string]string{"filter": "all"})
		done <- requestResult{payload: payload, err: err}
	}()

	req := w.next(t)
	require.Equal(t, FrameRequest, req.Type)
	require.Equal(t, "agents.list", req.Method)
	require.NotEmpty(t, req.ID)

	ok := true
	w.push(t, Frame{Type: FrameResponse, ID: req.ID, OK: &ok, Payload: json.RawMessage(`{"agents":[]}`)})

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"agents":[]}`, string(res.payload))
}

func TestRequest_ErrorResponse(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "chat.send", nil)
		done <- err
	}()

	req := w.next(t)
	ok := false
	w.push(t, Frame{Type: FrameResponse, ID: req.ID, OK: &ok, Error: &Error{Code: "not_found", Message: "no such session"}})

	err := <-done
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "not_found", gwErr.Code)
}

func TestRequest_Timeout(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	_, err := c.RequestTimeout(context.Background(), "agents.list", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Contains(t, err.Error(), "agents.list")

	// The pending entry is gone once the timeout fires.
	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestRequest_UnknownResponseDropped(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	done := make(chan requestResult, 1)
	go func() {
		payload, err := c.Request(context.Background(), "status", nil)
		done <- requestResult{payload: payload, err: err}
	}()

	req := w.next(t)
	ok := true
	// A response nobody asked for is dropped without disturbing the real one.
	w.push(t, Frame{Type: FrameResponse, ID: "bogus-id", OK: &ok})
	w.push(t, Frame{Type: FrameResponse, ID: req.ID, OK: &ok, Payload: json.RawMessage(`{"healthy":true}`)})

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"healthy":true}`, string(res.payload))
}

func TestRequest_NotConnected(t *testing.T) {
	c := newTestClient(newFakeWire(), Options{})
	_, err := c.Request(context.Background(), "agents.list", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_RejectsPending(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "chat.send", nil)
		done <- err
	}()
	w.next(t)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-done, ErrClientClosed)

	// Close is idempotent.
	require.NoError(t, c.Close())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 32 * time.Second},
		{10, 32 * time.Second},
	}
	for _, tt := range tests {
		got := backoff(reconnectBaseDelay, reconnectMaxDelay, tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestReconnect_AfterConnectionLoss(t *testing.T) {
	first := newFakeWire()
	second := newFakeWire()

	var mu sync.Mutex
	dialCount := 0

	c := newTestClient(first, Options{})
	c.dial = func(ctx context.Context, url string) (wire, error) {
		mu.Lock()
		defer mu.Unlock()
		dialCount++
		if dialCount == 1 {
			return first, nil
		}
		return second, nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	first.serveHandshake(t)
	require.NoError(t, <-done)
	defer c.Close()

	// Remote drops the connection; the client redials and re-handshakes.
	first.Close()
	second.serveHandshake(t)

	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, dialCount)
	mu.Unlock()
}

func TestReconnect_ExhaustionEntersErrorState(t *testing.T) {
	w := newFakeWire()

	permanent := make(chan error, 1)
	var mu sync.Mutex
	dialCount := 0

	c := newTestClient(w, Options{
		OnPermanentDisconnect: func(err error) { permanent <- err },
	})
	c.maxAttempts = 3
	c.dial = func(ctx context.Context, url string) (wire, error) {
		mu.Lock()
		defer mu.Unlock()
		dialCount++
		if dialCount == 1 {
			return w, nil
		}
		return nil, errors.New("connection refused")
	}

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	w.serveHandshake(t)
	require.NoError(t, <-done)

	w.Close()

	select {
	case err := <-permanent:
		assert.Contains(t, err.Error(), "3 reconnect attempts")
	case <-time.After(2 * time.Second):
		t.Fatal("permanent disconnect callback never fired")
	}
	assert.Equal(t, StateError, c.State())

	// A dead client fails requests immediately.
	_, err := c.Request(context.Background(), "status", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_SuppressesReconnect(t *testing.T) {
	w := newFakeWire()

	var mu sync.Mutex
	dialCount := 0

	c := newTestClient(w, Options{})
	c.dial = func(ctx context.Context, url string) (wire, error) {
		mu.Lock()
		defer mu.Unlock()
		dialCount++
		return w, nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	w.serveHandshake(t)
	require.NoError(t, <-done)

	require.NoError(t, c.Close())
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, dialCount, "intentional close must not trigger reconnection")
	mu.Unlock()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestEventDispatch(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	got := make(chan json.RawMessage, 1)
	unsubscribe := c.On("chat.update", func(payload json.RawMessage) {
		got <- payload
	})

	w.push(t, Frame{Type: FrameEvent, Event: "chat.update", Payload: json.RawMessage(`{"seq":1}`)})
	select {
	case payload := <-got:
		assert.JSONEq(t, `{"seq":1}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	unsubscribe()
	w.push(t, Frame{Type: FrameEvent, Event: "chat.update", Payload: json.RawMessage(`{"seq":2}`)})

	// Prove the unsubscribed handler stays silent by racing it against a
	// later frame on a live subscription.
	probe := make(chan struct{}, 1)
	c.On("probe", func(json.RawMessage) { probe <- struct{}{} })
	w.push(t, Frame{Type: FrameEvent, Event: "probe"})
	<-probe

	select {
	case <-got:
		t.Fatal("handler fired after unsubscribe")
	default:
	}
}

func TestEventDispatch_PanicDoesNotStopOthers(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	survived := make(chan struct{}, 1)
	c.On("boom", func(json.RawMessage) { panic("handler bug") })
	c.On("boom", func(json.RawMessage) { survived <- struct{}{} })

	w.push(t, Frame{Type: FrameEvent, Event: "boom"})

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after first panicked")
	}

	// The read loop survived the panic too.
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "status", nil)
		done <- err
	}()
	req := w.next(t)
	ok := true
	w.push(t, Frame{Type: FrameResponse, ID: req.ID, OK: &ok})
	require.NoError(t, <-done)
}

func TestReservedEventsNotDispatched(t *testing.T) {
	w := newFakeWire()
	c := connectTestClient(t, w, Options{})

	leaked := make(chan string, 2)
	c.On(EventTick, func(json.RawMessage) { leaked <- EventTick })
	c.On(EventChallenge, func(json.RawMessage) { leaked <- EventChallenge })

	w.push(t, Frame{Type: FrameEvent, Event: EventTick})
	w.push(t, Frame{Type: FrameEvent, Event: EventChallenge})

	// Flush the read loop with a round trip before checking.
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "status", nil)
		done <- err
	}()
	req := w.next(t)
	ok := true
	w.push(t, Frame{Type: FrameResponse, ID: req.ID, OK: &ok})
	require.NoError(t, <-done)

	select {
	case event := <-leaked:
		t.Fatalf("reserved event %q reached a subscriber", event)
	default:
	}
}
