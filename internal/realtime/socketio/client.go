// Package socketio is a minimal Socket.IO v5 client (Engine.IO v4, websocket
// transport only) implementing realtime.Transport.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"eblusha/keeper/internal/realtime"
)

const (
	defaultConnectTimeout = 20 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 10 * time.Second
	readLimit             = 1 << 20
)

// Client owns one logical Socket.IO connection. After a dropped connection it
// reconnects on its own with exponential backoff until Close is called. A
// closed Client never fires handlers again.
type Client struct {
	opts     realtime.Options
	handlers realtime.Handlers
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ realtime.Transport = (*Client)(nil)

func New(opts realtime.Options, handlers realtime.Handlers) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		handlers: handlers,
		logger:   logger.With("component", "socketio"),
		done:     make(chan struct{}),
	}
}

// Factory adapts New to realtime.Factory.
func Factory() realtime.Factory {
	return func(opts realtime.Options, handlers realtime.Handlers) realtime.Transport {
		return New(opts, handlers)
	}
}

// Connect starts the connection goroutine. Calling it again is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected && !c.closed
	c.mu.Unlock()
	if !ok || conn == nil {
		return realtime.ErrNotConnected
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// Close detaches the handlers, sends a Socket.IO disconnect when connected
// and tears the websocket down. It does not wait for the goroutine to exit.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	wasConnected := c.connected
	c.connected = false
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if conn != nil {
		if wasConnected {
			ctx, done := context.WithTimeout(context.Background(), time.Second)
			_ = conn.Write(ctx, websocket.MessageText, []byte{engineMessage, socketDisconnect})
			done()
		}
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if !started {
		close(c.done)
	}
}

// Done is closed once the connection goroutine has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.ReconnectMin
	policy.MaxInterval = c.opts.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			policy.Reset()
		}
		if errors.Is(err, errServerDisconnect) || errors.Is(err, errConnectRejected) {
			return
		}
		wait := policy.NextBackOff()
		c.logger.Debug("socket reconnect scheduled", "backoff", wait.String(), "error", errString(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

var (
	errServerDisconnect = errors.New("server requested disconnect")
	errConnectRejected  = errors.New("socket.io connect rejected")
)

// session runs one dial-handshake-read cycle. established reports whether the
// Socket.IO connect was acknowledged.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	url, err := endpoint(c.opts.URL, c.opts.Token)
	if err != nil {
		c.fireConnectError(err)
		return false, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(connectCtx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if ctx.Err() == nil {
			c.fireConnectError(fmt.Errorf("dial: %w", err))
		}
		return false, err
	}
	conn.SetReadLimit(readLimit)
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, context.Canceled
	}
	c.conn = conn
	c.mu.Unlock()

	open, err := c.handshake(connectCtx, conn)
	if err != nil {
		if ctx.Err() == nil {
			c.fireConnectError(err)
		}
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, context.Canceled
	}
	c.connected = true
	c.mu.Unlock()
	c.fire(func() {
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}
	})

	reason, err := c.readLoop(ctx, conn, open.heartbeatWindow())
	if ctx.Err() != nil {
		return true, err
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.fire(func() {
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(reason)
		}
	})
	return true, err
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (openPacket, error) {
	frame, err := readText(ctx, conn)
	if err != nil {
		return openPacket{}, fmt.Errorf("read open: %w", err)
	}
	open, err := parseOpen(frame)
	if err != nil {
		return openPacket{}, err
	}
	connect, err := encodeConnect(c.opts.Token)
	if err != nil {
		return openPacket{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(connect)); err != nil {
		return openPacket{}, fmt.Errorf("write connect: %w", err)
	}
	for {
		frame, err := readText(ctx, conn)
		if err != nil {
			return openPacket{}, fmt.Errorf("read connect ack: %w", err)
		}
		switch {
		case frame == string(enginePing):
			if err := conn.Write(ctx, websocket.MessageText, []byte{enginePong}); err != nil {
				return openPacket{}, fmt.Errorf("write pong: %w", err)
			}
		case len(frame) >= 2 && frame[0] == engineMessage && frame[1] == socketConnect:
			return open, nil
		case len(frame) >= 2 && frame[0] == engineMessage && frame[1] == socketConnectError:
			var ce connectError
			_ = json.Unmarshal([]byte(frame[2:]), &ce)
			if ce.Message == "" {
				ce.Message = "connect rejected"
			}
			return openPacket{}, fmt.Errorf("%w: %s", errConnectRejected, ce.Message)
		default:
			return openPacket{}, fmt.Errorf("%w during connect: %q", errUnexpectedPacket, truncate(frame))
		}
	}
}

// readLoop consumes frames until the connection ends and returns the
// Socket.IO disconnect reason.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, window time.Duration) (string, error) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, window)
		frame, err := readText(readCtx, conn)
		timedOut := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return realtime.ReasonClientDisconnect, ctx.Err()
			case timedOut:
				return realtime.ReasonPingTimeout, err
			case websocket.CloseStatus(err) != -1:
				return realtime.ReasonTransportClose, err
			default:
				return realtime.ReasonTransportError, err
			}
		}
		if frame == "" {
			continue
		}
		switch frame[0] {
		case enginePing:
			if err := conn.Write(ctx, websocket.MessageText, []byte{enginePong}); err != nil {
				return realtime.ReasonTransportError, err
			}
		case engineClose:
			return realtime.ReasonTransportClose, nil
		case engineMessage:
			if len(frame) < 2 {
				continue
			}
			switch frame[1] {
			case socketEvent:
				name, payload, err := decodeEvent(frame[2:])
				if err != nil {
					c.logger.Warn("dropping undecodable socket frame", "error", err.Error())
					continue
				}
				c.fire(func() {
					if c.handlers.OnEvent != nil {
						c.handlers.OnEvent(name, payload)
					}
				})
			case socketDisconnect:
				return realtime.ReasonServerDisconnect, errServerDisconnect
			}
		}
	}
}

func (c *Client) fire(fn func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		fn()
	}
}

func (c *Client) fireConnectError(err error) {
	c.fire(func() {
		if c.handlers.OnConnectError != nil {
			c.handlers.OnConnectError(err)
		}
	})
}

func readText(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return "", err
		}
		if typ == websocket.MessageText {
			return string(data), nil
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
