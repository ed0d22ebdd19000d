// ABOUTME: Persistent gateway protocol client over a websocket connection.
// ABOUTME: Handles the challenge handshake, request correlation, event dispatch, and reconnection.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// clientVersion is reported to the gateway during the handshake.
const clientVersion = "harbormaster/0.1"

// Timing defaults and reconnection policy.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second

	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxDelay    = 32 * time.Second
	maxReconnectAttempts = 10

	minWatchdogInterval = 1 * time.Second

	maxFrameBytes = 16 << 20
)

// State describes the client's connection lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// EventHandler receives the raw payload of a dispatched event frame.
type EventHandler func(payload json.RawMessage)

// wire abstracts the underlying duplex connection so tests can drive the
// client with an in-memory fake.
type wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wire, error)

// wsWire adapts a coder/websocket connection to the wire interface.
type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsWire) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWire) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

func defaultDial(ctx context.Context, url string) (wire, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsWire{conn: conn}, nil
}

// Options configures a Client.
type Options struct {
	URL      string
	Token    string
	ClientID string
	Scopes   []string
	Caps     []string

	RequestTimeout   time.Duration // default 30s
	HandshakeTimeout time.Duration // default 15s

	// OnPermanentDisconnect is invoked once when reconnection attempts are
	// exhausted and the client enters the terminal error state.
	OnPermanentDisconnect func(err error)

	Logger *slog.Logger
}

// pendingRequest tracks one in-flight request until its response, timeout,
// or the client's disconnect removes it.
type pendingRequest struct {
	method string
	done   chan requestResult
	timer  *time.Timer
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// Client maintains one logical connection to one gateway instance.
type Client struct {
	opts   Options
	logger *slog.Logger
	dial   dialFunc

	// Reconnection tunables, overridable in tests.
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	conn         wire
	gen          int
	closed       bool
	pending      map[string]*pendingRequest
	subs         map[string]map[uint64]EventHandler
	nextSubID    uint64
	tickInterval time.Duration
	peerVersion  string
	peerProtocol int
	lastTick     time.Time
	watchdogStop chan struct{}
}

// NewClient creates a client for the given gateway. Connect must be called
// before issuing requests.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = "harbormaster"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:        opts,
		logger:      logger.With("component", "protocol", "url", opts.URL),
		dial:        defaultDial,
		backoffBase: reconnectBaseDelay,
		backoffMax:  reconnectMaxDelay,
		maxAttempts: maxReconnectAttempts,
		state:       StateIdle,
		pending:     make(map[string]*pendingRequest),
		subs:        make(map[string]map[uint64]EventHandler),
	}
}

// Connect dials the gateway and completes the challenge handshake.
// Any failure before handshake completion closes the connection and returns
// an error; no connected state is observable afterwards.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// connectOnce performs a single dial+handshake and, on success, installs the
// connection and starts the read loop and liveness watchdog.
func (c *Client) connectOnce(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, err := c.dial(hsCtx, c.opts.URL)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	hello, err := c.handshake(hsCtx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	tick := time.Duration(hello.TickIntervalMs) * time.Millisecond

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateConnected
	c.peerVersion = hello.ServerVersion
	c.peerProtocol = hello.Protocol
	c.tickInterval = tick
	c.lastTick = time.Now()
	stop := make(chan struct{})
	c.watchdogStop = stop
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	if tick > 0 {
		go c.watchdog(conn, gen, tick, stop)
	}

	c.logger.Info("gateway connected",
		"server_version", hello.ServerVersion,
		"protocol", hello.Protocol,
		"tick_interval", tick)
	return nil
}

// handshake waits for the peer's connect.challenge event, sends the connect
// request, and waits for the matching response. The peer speaks first; the
// client never initiates auth.
func (c *Client) handshake(ctx context.Context, conn wire) (*HelloPayload, error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for challenge: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == FrameEvent && frame.Event == EventChallenge {
			break
		}
	}

	params := ConnectParams{
		MinProtocol: MinProtocolVersion,
		MaxProtocol: MaxProtocolVersion,
		Client: ConnectClient{
			ID:       c.opts.ClientID,
			Version:  clientVersion,
			Platform: runtime.GOOS,
			Mode:     "control-plane",
		},
		Scopes: c.opts.Scopes,
		Caps:   c.opts.Caps,
	}
	if c.opts.Token != "" {
		params.Auth = &ConnectAuth{Token: c.opts.Token}
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling connect params: %w", err)
	}

	reqID := uuid.New().String()
	reqData, err := json.Marshal(Frame{Type: FrameRequest, ID: reqID, Method: "connect", Params: paramsJSON})
	if err != nil {
		return nil, fmt.Errorf("marshaling connect frame: %w", err)
	}
	if err := conn.Write(ctx, reqData); err != nil {
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for connect response: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		// Events may interleave during the handshake
		if frame.Type != FrameResponse || frame.ID != reqID {
			continue
		}
		if frame.OK == nil || !*frame.OK {
			if frame.Error != nil {
				return nil, fmt.Errorf("connect rejected: %w", frame.Error)
			}
			return nil, errors.New("connect rejected")
		}

		var hello HelloPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &hello); err != nil {
				return nil, fmt.Errorf("parsing hello payload: %w", err)
			}
		}
		return &hello, nil
	}
}

// readLoop pumps frames off the connection until it fails or is superseded.
func (c *Client) readLoop(conn wire, gen int) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case FrameResponse:
			c.resolvePending(&frame)
		case FrameEvent:
			c.handleEvent(&frame)
		}
	}
}

// resolvePending routes a response frame to its pending request.
// Responses with no matching pending entry are dropped.
func (c *Client) resolvePending(frame *Frame) {
	c.mu.Lock()
	req, ok := c.pending[frame.ID]
	if ok {
		req.timer.Stop()
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request", "id", frame.ID)
		return
	}

	if frame.OK != nil && *frame.OK {
		req.done <- requestResult{payload: frame.Payload}
		return
	}

	var err error = &Error{Code: "unknown", Message: "request failed"}
	if frame.Error != nil {
		err = frame.Error
	}
	req.done <- requestResult{err: err}
}

// handleEvent intercepts reserved events and fans user events out to
// subscribers. A panicking subscriber never prevents delivery to the rest.
func (c *Client) handleEvent(frame *Frame) {
	switch frame.Event {
	case EventTick:
		c.mu.Lock()
		c.lastTick = time.Now()
		c.mu.Unlock()
		return
	case EventChallenge:
		return
	}

	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.subs[frame.Event]))
	for _, fn := range c.subs[frame.Event] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		c.invoke(frame.Event, fn, frame.Payload)
	}
}

func (c *Client) invoke(event string, fn EventHandler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn(payload)
}

// On registers a handler for the named event and returns its unsubscribe
// function.
func (c *Client) On(event string, fn EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	if _, ok := c.subs[event]; !ok {
		c.subs[event] = make(map[uint64]EventHandler)
	}
	c.subs[event][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if handlers, ok := c.subs[event]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.subs, event)
			}
		}
	}
}

// Request sends a request with the default timeout.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.RequestTimeout(ctx, method, params, 0)
}

// RequestTimeout sends a request with an explicit timeout. A client that is
// not connected fails immediately without queuing. The timeout fires
// independently of the connection's lifecycle.
func (c *Client) RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		paramsJSON = data
	}

	id := uuid.New().String()

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	req := &pendingRequest{method: method, done: make(chan requestResult, 1)}
	req.timer = time.AfterFunc(timeout, func() { c.expirePending(id, method, timeout) })
	c.pending[id] = req
	c.mu.Unlock()

	frameData, err := json.Marshal(Frame{Type: FrameRequest, ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("marshaling %s frame: %w", method, err)
	}

	c.writeMu.Lock()
	err = conn.Write(ctx, frameData)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	select {
	case res := <-req.done:
		return res.payload, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// expirePending rejects a request whose timer fired before a response arrived.
func (c *Client) expirePending(id, method string, timeout time.Duration) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	req.done <- requestResult{err: fmt.Errorf("request %s (id %s) timed out after %s", method, id, timeout)}
}

// removePending drops a pending entry without delivering a result.
func (c *Client) removePending(id string) {
	c.mu.Lock()
	if req, ok := c.pending[id]; ok {
		req.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// handleReadError runs when the read loop fails. A stale generation means the
// connection was already replaced or intentionally closed.
func (c *Client) handleReadError(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(fmt.Errorf("connection lost: %w", err))
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("gateway connection lost", "error", err)
	go c.reconnectLoop()
}

// teardownLocked stops the watchdog, closes the connection, and rejects every
// pending request with the given cause. Must be called with mu held.
func (c *Client) teardownLocked(cause error) {
	if c.watchdogStop != nil {
		close(c.watchdogStop)
		c.watchdogStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for id, req := range c.pending {
		req.timer.Stop()
		delete(c.pending, id)
		req.done <- requestResult{err: cause}
	}
}

// reconnectLoop retries the connection with exponential backoff. Once the
// attempts are exhausted the client enters the terminal error state and
// notifies the owner out of band.
func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := backoff(c.backoffBase, c.backoffMax, attempt)
		c.logger.Info("reconnecting to gateway", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.connectOnce(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.mu.Unlock()

	err := fmt.Errorf("gave up after %d reconnect attempts", c.maxAttempts)
	c.logger.Error("reconnect attempts exhausted", "attempts", c.maxAttempts)
	if c.opts.OnPermanentDisconnect != nil {
		c.opts.OnPermanentDisconnect(err)
	}
}

// backoff returns the delay before the given 1-based reconnect attempt.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// watchdog force-closes the connection when no liveness tick has been seen
// for more than twice the peer's tick interval, instead of waiting on a
// half-open connection.
func (c *Client) watchdog(conn wire, gen int, tick time.Duration, stop chan struct{}) {
	interval := tick
	if interval < minWatchdogInterval {
		interval = minWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := gen == c.gen && time.Since(c.lastTick) > 2*tick
			c.mu.Unlock()

			if stale {
				c.logger.Warn("no liveness tick observed, forcing reconnect", "tick_interval", tick)
				conn.Close()
				return
			}
		}
	}
}

// Close disconnects intentionally, suppressing reconnection. It is
// idempotent, cancels all timers, and rejects every pending request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.teardownLocked(ErrClientClosed)
	if c.state != StateError {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.logger.Info("gateway client closed")
	return nil
}

// IsConnected reports whether the handshake has completed and the connection
// is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerVersion returns the version string advertised by the gateway during
// the handshake.
func (c *Client) PeerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerVersion
}

// PeerProtocol returns the wire protocol version negotiated during the
// handshake.
func (c *Client) PeerProtocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerProtocol
}
