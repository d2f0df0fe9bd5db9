package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/event"
	"github.com/goevery/chatrelay/internal/rpc"
)

const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 5 * time.Second
	DefaultMaxAttempts     = 5
	DefaultDialTimeout     = 10 * time.Second

	writeWait = 10 * time.Second
	readWait  = 60 * time.Second
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosedByServer     = errors.New("connection closed by server")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Config struct {
	// URL is the service base, for example ws://localhost:8000/chatrelay.
	URL        string
	UserId     string
	DeviceType string
	Token      string

	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	DialTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client keeps one logical connection to the relay. It reconnects with a
// bounded backoff and reports every transition as a synthetic connection
// event, so listeners know when to re-fetch state missed during a gap.
type Client struct {
	logger    *zap.Logger
	config    Config
	listeners *Listeners
	dialer    *websocket.Dialer

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionId string
	bound        map[event.Kind]struct{}
	pending      map[string]chan callResult
	cancel       context.CancelFunc

	writeMu sync.Mutex
	nextId  atomic.Uint64
}

func New(logger *zap.Logger, config Config, listeners *Listeners) *Client {
	config.setDefaults()

	if listeners == nil {
		listeners = NewListeners(logger)
	}

	return &Client{
		logger:    logger,
		config:    config,
		listeners: listeners,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.DialTimeout,
		},
		bound:   make(map[event.Kind]struct{}),
		pending: make(map[string]chan callResult),
	}
}

func (c *Client) Listeners() *Listeners {
	return c.listeners
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) ConnectionId() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectionId
}

func (c *Client) Bind(kind event.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bound[kind] = struct{}{}
}

func (c *Client) Unbind(kind event.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.bound, kind)
}

func (c *Client) isBound(kind event.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.bound[kind]

	return ok
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
}

// Run connects and keeps the connection alive until ctx is done or Close is
// called, in which case it returns nil. It returns ErrReconnectExhausted once
// the retry budget is spent and ErrClosedByServer when the server ended the
// session on purpose.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, welcome, err := c.dial(ctx)
	if err != nil {
		c.emit(event.Connection{Connected: false, Error: err.Error()})
	} else {
		err = c.serve(ctx, conn, welcome, event.Connection{Connected: true, Id: welcome.ConnectionId})
	}

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, ErrClosedByServer) {
			c.setState(StateDisconnected)
			return err
		}

		var attempt int
		conn, welcome, attempt, err = c.reconnect(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}

			c.logger.Warn("giving up reconnecting", zap.Int("attempts", c.config.MaxAttempts))
			c.emit(event.Connection{Connected: false, Terminal: true, Error: err.Error()})

			return ErrReconnectExhausted
		}

		err = c.serve(ctx, conn, welcome,
			event.Connection{Connected: true, Id: welcome.ConnectionId, Reconnected: true, Attempt: attempt})
	}
}

// Close stops Run. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, rpc.Welcome, int, error) {
	c.setState(StateReconnecting)

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = c.config.InitialInterval
	exponential.MaxInterval = c.config.MaxInterval
	exponential.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(c.config.MaxAttempts)), ctx)
	policy.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, rpc.Welcome{}, attempt - 1, lastErr
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, rpc.Welcome{}, attempt, ctx.Err()
		case <-timer.C:
		}

		c.emit(event.Connection{Connected: false, Reconnecting: true, Attempt: attempt})

		conn, welcome, err := c.dial(ctx)
		if err == nil {
			return conn, welcome, attempt, nil
		}

		c.logger.Debug("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		c.emit(event.Connection{Connected: false, Error: err.Error(), Attempt: attempt})
		lastErr = err
	}
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket"

	query := url.Values{
		"userId":     {c.config.UserId},
		"deviceType": {c.config.DeviceType},
	}
	if c.config.Token != "" {
		query.Set("token", c.config.Token)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// dial opens the socket and waits for the welcome frame.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, rpc.Welcome, error) {
	var welcome rpc.Welcome

	socketURL, err := c.socketURL()
	if err != nil {
		return nil, welcome, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, socketURL, nil)
	if err != nil {
		if resp != nil {
			return nil, welcome, fmt.Errorf("%w: %s", err, resp.Status)
		}
		return nil, welcome, err
	}

	conn.SetReadDeadline(time.Now().Add(c.config.DialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, welcome, fmt.Errorf("read welcome: %w", err)
	}

	var frame rpc.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Method != rpc.MethodWelcome {
		conn.Close()
		return nil, welcome, errors.New("unexpected first frame")
	}
	if err := json.Unmarshal(frame.Params, &welcome); err != nil {
		conn.Close()
		return nil, welcome, fmt.Errorf("decode welcome: %w", err)
	}

	return conn, welcome, nil
}

// serve emits connected once the connection is usable, then reads frames
// until the connection ends and returns why it ended.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, welcome rpc.Welcome, connected event.Connection) error {
	logger := c.logger.With(zap.String("connectionId", welcome.ConnectionId))

	c.mu.Lock()
	c.conn = conn
	c.connectionId = welcome.ConnectionId
	c.bound = make(map[event.Kind]struct{})
	c.state = StateConnected
	c.mu.Unlock()

	c.listeners.Rewire(c)
	c.emit(connected)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	err := c.readLoop(conn, logger)

	c.listeners.Rewire(nil)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	c.failPending(ErrNotConnected)

	reason := disconnectReason(ctx, err)
	logger.Info("disconnected", zap.String("reason", reason))
	c.emit(event.Connection{Connected: false, Reason: reason})

	var closeErr *websocket.CloseError
	if ctx.Err() == nil && errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return ErrClosedByServer
	}

	return err
}

func (c *Client) readLoop(conn *websocket.Conn, logger *zap.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame rpc.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("dropping unreadable frame", zap.Error(err))
			continue
		}

		if !frame.IsNotification() {
			c.resolve(frame)
			continue
		}

		c.handleNotification(frame, logger)
	}
}

func (c *Client) handleNotification(frame rpc.Frame, logger *zap.Logger) {
	kind, err := event.ParseKind(frame.Method)
	if err != nil || !kind.Wire() {
		logger.Debug("ignoring notification", zap.String("method", frame.Method))
		return
	}

	if !c.isBound(kind) {
		return
	}

	ev, err := event.Decode(kind, frame.Params)
	if err != nil {
		logger.Warn("dropping malformed event",
			zap.String("event", kind.String()),
			zap.Error(err))
		return
	}

	c.listeners.Dispatch(ev)
}

func (c *Client) emit(payload event.Connection) {
	ev, err := event.New(payload)
	if err != nil {
		c.logger.Error("failed to build connection event", zap.Error(err))
		return
	}

	c.listeners.Dispatch(ev)
}

func disconnectReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "client closed"
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return closeErr.Text
		}
		return "close " + strconv.Itoa(closeErr.Code)
	}

	if err != nil {
		return err.Error()
	}

	return "transport closed"
}

// Send writes a frame that expects no reply.
func (c *Client) Send(ctx context.Context, method string, params any) error {
	return c.write(ctx, "", method, params)
}

// Call writes a request and waits for its reply. An error reply is returned
// as an rpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := strconv.FormatUint(c.nextId.Add(1), 10)
	result := make(chan callResult, 1)

	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, id, method, params); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-result:
		return r.result, r.err
	}
}

func (c *Client) write(ctx context.Context, id, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	request := rpc.Request{Id: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		rawParams := json.RawMessage(raw)
		request.Params = &rawParams
	}

	data, err := json.Marshal(request)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)

	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) resolve(frame rpc.Frame) {
	c.mu.Lock()
	result, ok := c.pending[frame.RequestId]
	c.mu.Unlock()

	if !ok {
		return
	}

	r := callResult{}
	if frame.Error != nil {
		r.err = *frame.Error
	} else if frame.Result != nil {
		r.result = *frame.Result
	}

	select {
	case result <- r:
	default:
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, result := range c.pending {
		select {
		case result <- callResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

// Typed adapts a callback taking one payload type. Events carrying another
// payload are ignored.
func Typed[T event.Payload](fn func(T)) Callback {
	return func(ev event.Event) {
		if p, ok := ev.Payload.(T); ok {
			fn(p)
		}
	}
}
