// File: internal/cdp/client/client.go

// Package client implements a single Chrome DevTools Protocol connection: one
// websocket to one CDP endpoint, with request/response correlation by message
// id and fan-out of inbound protocol events. Retry policy deliberately lives
// in the callers (pool health checks, resource recovery strategies), not here.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"
)

const (
	wsWriteBufferSize = 1 << 20
	handshakeTimeout  = 60 * time.Second
	closeGracePeriod  = 10 * time.Second
)

// EventDisconnected is the synthetic event emitted when the underlying
// websocket drops, locally or remotely.
const EventDisconnected = "client.disconnected"

var (
	// ErrNotConnected is returned when a command is sent before Connect or
	// after Close.
	ErrNotConnected = errors.New("client is not connected")
	// ErrConnectionClosed is returned for commands that were in flight when
	// the connection went away.
	ErrConnectionClosed = errors.New("connection closed while awaiting response")
)

// CommandError is a protocol-level command failure: the browser received the
// command and rejected it. It is distinct from transport errors so callers
// can tell a refused command from a dead connection.
type CommandError struct {
	Method  string
	Code    int64
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// Handler receives a decoded inbound protocol event. Unknown or future events
// are delivered as the raw *cdproto.Message.
type Handler func(method string, ev any)

// EventSink receives every inbound protocol event, typically a shared event
// bus. Handlers registered via OnEvent are per-client; the sink is the bridge
// to the rest of the system.
type EventSink interface {
	Emit(event string, params any)
}

// Event is the envelope handed to the sink: the decoded payload plus the
// session the browser attributed it to. Browser-level events carry an empty
// SessionID. Waiters that care which page fired an event filter on it.
type Event struct {
	SessionID target.SessionID
	Method    string
	Params    any
}

// Payload unwraps a sink envelope; any other value passes through unchanged.
func Payload(ev any) any {
	if env, ok := ev.(*Event); ok {
		return env.Params
	}
	return ev
}

// Status is a point-in-time snapshot of the client state. LastError is the
// error that tore down the most recent connection, nil after a clean Close.
type Status struct {
	Connected bool
	WSURL     string
	Pending   int
	Listeners int
	LastError error
}

// Option configures a Client.
type Option func(*Client)

// WithEventSink forwards every inbound protocol event to sink.
func WithEventSink(sink EventSink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithDialer overrides the websocket dialer, mainly for tests.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type listenerEntry struct {
	id string
	fn Handler
}

// Client is one physical CDP connection. It is safe for concurrent use; a
// single read loop goroutine owns inbound traffic and writes are serialized
// by a mutex.
type Client struct {
	logger *zap.Logger
	wsURL  string
	dialer *websocket.Dialer
	sink   EventSink

	msgID atomic.Int64

	mu        sync.Mutex // guards conn, connected, done, pending, lastErr
	conn      *websocket.Conn
	connected bool
	done      chan struct{}
	pending   map[int64]chan *cdproto.Message
	lastErr   error

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[string][]listenerEntry
}

// New creates a client for the given websocket endpoint. It does not connect;
// call Connect.
func New(wsURL string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		logger: logger.Named("cdp_client"),
		wsURL:  wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			WriteBufferSize:  wsWriteBufferSize,
		},
		listeners: make(map[string][]listenerEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the CDP endpoint and starts the read loop. Calling Connect on
// an already-connected client is a no-op; a closed client may be reconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing CDP endpoint %s: %w", c.wsURL, err)
	}

	c.mu.Lock()
	if c.connected {
		// Lost a connect race; keep the first connection.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.pending = make(map[int64]chan *cdproto.Message)
	c.lastErr = nil
	done := c.done
	c.mu.Unlock()

	c.logger.Debug("Connected to CDP endpoint.", zap.String("ws_url", c.wsURL))
	go c.readLoop(conn, done)
	return nil
}

// Close sends a close frame and tears the connection down. Pending commands
// fail with ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	// Best effort; the peer may already be gone.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))

	c.teardown(nil)
	return nil
}

// IsConnected reports whether the websocket is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// teardown transitions to disconnected exactly once per connection and fails
// every pending command.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = nil
	c.lastErr = cause
	close(c.done)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}

	if cause != nil && websocket.IsUnexpectedCloseError(cause,
		websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("CDP connection lost.", zap.String("ws_url", c.wsURL), zap.Error(cause))
	}
	c.notify(EventDisconnected, "", cause)
}

// readLoop owns all inbound traffic for one connection. Responses are matched
// to pending commands by id, never by arrival order; everything else is an
// event.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Local teardown already ran.
			default:
				c.teardown(err)
			}
			return
		}

		var msg cdproto.Message
		if err := easyjson.Unmarshal(buf, &msg); err != nil {
			c.logger.Warn("Discarding undecodable CDP message.", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch == nil {
				// Caller gave up (context cancelled) before the reply landed.
				c.logger.Debug("Dropping unmatched CDP response.", zap.Int64("id", msg.ID))
				continue
			}
			ch <- &msg

		case msg.Method != "":
			c.dispatchEvent(&msg)

		default:
			c.logger.Debug("Ignoring malformed CDP message without id or method.")
		}
	}
}

func (c *Client) dispatchEvent(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
			// An event from a browser build this protocol compilation does
			// not know. Deliver the raw message so callers can still see it.
			c.notify(string(msg.Method), msg.SessionID, msg)
			return
		}
		c.logger.Warn("Failed to decode CDP event.",
			zap.String("method", string(msg.Method)), zap.Error(err))
		return
	}
	c.notify(string(msg.Method), msg.SessionID, ev)
}

// notify runs on the read loop goroutine; handlers must not block. Per-client
// handlers receive the bare payload; the sink receives the Event envelope so
// session attribution survives the shared bus.
func (c *Client) notify(method string, sessionID target.SessionID, ev any) {
	c.listenerMu.RLock()
	entries := make([]listenerEntry, len(c.listeners[method]))
	copy(entries, c.listeners[method])
	c.listenerMu.RUnlock()

	for _, e := range entries {
		e.fn(method, ev)
	}
	if c.sink != nil {
		c.sink.Emit(method, &Event{SessionID: sessionID, Method: method, Params: ev})
	}
}

// OnEvent registers a handler for a protocol event method and returns a
// listener id for removal.
func (c *Client) OnEvent(method string, fn Handler) string {
	id := uuid.NewString()
	c.listenerMu.Lock()
	c.listeners[method] = append(c.listeners[method], listenerEntry{id: id, fn: fn})
	c.listenerMu.Unlock()
	return id
}

// RemoveEventListener removes a previously registered handler. It reports
// whether the listener existed.
func (c *Client) RemoveEventListener(id string) bool {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for method, entries := range c.listeners {
		for i, e := range entries {
			if e.id == id {
				c.listeners[method] = append(entries[:i], entries[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Send issues a CDP command scoped to a session (empty for the browser-level
// session) and blocks until the correlated response arrives, the context is
// done, or the connection drops. There is no way to cancel a command that has
// already been written to the wire; cancellation only abandons the wait.
func (c *Client) Send(ctx context.Context, sessionID target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := c.msgID.Add(1)
	ch := make(chan *cdproto.Message, 1)
	c.pending[id] = ch
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	var buf easyjson.RawMessage
	if params != nil {
		b, err := easyjson.Marshal(params)
		if err != nil {
			c.dropPending(id)
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
		buf = b
	}
	out, err := easyjson.Marshal(&cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("marshaling %s message: %w", method, err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, out)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		c.teardown(err)
		return fmt.Errorf("writing %s: %w", method, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return ErrConnectionClosed
		}
		if reply.Error != nil {
			return &CommandError{Method: method, Code: reply.Error.Code, Message: reply.Error.Message}
		}
		if res != nil && len(reply.Result) > 0 {
			if err := easyjson.Unmarshal(reply.Result, res); err != nil {
				return fmt.Errorf("unmarshaling %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return fmt.Errorf("awaiting %s response: %w", method, ctx.Err())
	case <-done:
		return ErrConnectionClosed
	}
}

// SendCommand issues a browser-scoped command (no session).
func (c *Client) SendCommand(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.Send(ctx, "", method, params, res)
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Evaluate runs a JavaScript expression in the browser-level session and
// returns its remote object. A thrown JS exception surfaces as the exception
// details, not as a transport error.
func (c *Client) Evaluate(ctx context.Context, expression string) (*runtime.RemoteObject, error) {
	params := runtime.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true)

	var res runtime.EvaluateReturns
	if err := c.SendCommand(ctx, runtime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, res.ExceptionDetails
	}
	return res.Result, nil
}

// Ping issues a trivial round trip, used by pool health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.SendCommand(ctx, browser.CommandGetVersion, nil, nil)
}

// Targets fetches the live target list from the browser.
func (c *Client) Targets(ctx context.Context) ([]*target.Info, error) {
	var res target.GetTargetsReturns
	if err := c.SendCommand(ctx, target.CommandGetTargets, nil, &res); err != nil {
		return nil, err
	}
	return res.TargetInfos, nil
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.Lock()
	connected := c.connected
	pending := len(c.pending)
	lastErr := c.lastErr
	c.mu.Unlock()

	c.listenerMu.RLock()
	listeners := 0
	for _, entries := range c.listeners {
		listeners += len(entries)
	}
	c.listenerMu.RUnlock()

	return Status{
		Connected: connected,
		WSURL:     c.wsURL,
		Pending:   pending,
		Listeners: listeners,
		LastError: lastErr,
	}
}
