// Package sockettest runs an in-process Socket.IO v5 server good enough to
// drive the keeper's transport in tests.
package sockettest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// Emit is one event the client sent to the server.
type Emit struct {
	Name    string
	Payload json.RawMessage
}

type Server struct {
	srv *httptest.Server

	PingInterval time.Duration
	PingTimeout  time.Duration

	mu       sync.Mutex
	reject   map[string]string
	sessions []*Conn
	conns    chan *Conn
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		reject:       make(map[string]string),
		conns:        make(chan *Conn, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL is the http:// base URL clients should dial.
func (s *Server) URL() string {
	return s.srv.URL
}

func (s *Server) Close() {
	s.mu.Lock()
	sessions := append([]*Conn(nil), s.sessions...)
	s.mu.Unlock()
	for _, c := range sessions {
		c.Drop()
	}
	s.srv.Close()
}

// Reject makes connect attempts carrying token fail with message.
func (s *Server) Reject(token, message string) {
	s.mu.Lock()
	s.reject[token] = message
	s.mu.Unlock()
}

// NextConn waits for the next acknowledged Socket.IO connection.
func (s *Server) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no connection within %s", timeout)
	}
}

// Live returns the number of connections that are still open.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sessions {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()
	open := fmt.Sprintf(`0{"sid":"engine-%d","upgrades":[],"pingInterval":%d,"pingTimeout":%d,"maxPayload":1000000}`,
		time.Now().UnixNano(), s.PingInterval.Milliseconds(), s.PingTimeout.Milliseconds())
	if err := ws.Write(ctx, websocket.MessageText, []byte(open)); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "open failed")
		return
	}
	_, frame, err := ws.Read(ctx)
	if err != nil || !strings.HasPrefix(string(frame), "40") {
		_ = ws.Close(websocket.StatusProtocolError, "expected connect")
		return
	}
	var auth struct {
		Token string `json:"token"`
	}
	if body := strings.TrimPrefix(string(frame), "40"); body != "" {
		_ = json.Unmarshal([]byte(body), &auth)
	}

	s.mu.Lock()
	message, rejected := s.reject[auth.Token]
	s.mu.Unlock()
	if rejected {
		raw, _ := json.Marshal(map[string]string{"message": message})
		_ = ws.Write(ctx, websocket.MessageText, append([]byte("44"), raw...))
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, []byte(`40{"sid":"socket"}`)); err != nil {
		return
	}

	c := &Conn{
		ws:         ws,
		QueryToken: r.URL.Query().Get("token"),
		AuthToken:  auth.Token,
		emits:      make(chan Emit, 64),
		pongs:      make(chan struct{}, 8),
		closed:     make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, c)
	s.mu.Unlock()
	s.conns <- c
	c.readLoop(ctx)
}

// Conn is the server side of one client connection.
type Conn struct {
	ws         *websocket.Conn
	QueryToken string
	AuthToken  string

	emits chan Emit
	pongs chan struct{}

	mu                 sync.Mutex
	clientDisconnected bool
	closeOnce          sync.Once
	closed             chan struct{}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.markClosed()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		frame := string(data)
		switch {
		case frame == "3":
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		case frame == "41":
			c.mu.Lock()
			c.clientDisconnected = true
			c.mu.Unlock()
		case strings.HasPrefix(frame, "42"):
			var args []json.RawMessage
			if err := json.Unmarshal([]byte(frame[2:]), &args); err != nil || len(args) == 0 {
				continue
			}
			var name string
			_ = json.Unmarshal(args[0], &name)
			ev := Emit{Name: name}
			if len(args) > 1 {
				ev.Payload = args[1]
			}
			select {
			case c.emits <- ev:
			default:
			}
		}
	}
}

// Send pushes an event to the client.
func (c *Conn) Send(event string, payload any) error {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return c.ws.Write(context.Background(), websocket.MessageText, append([]byte("42"), raw...))
}

// SendRaw writes a frame verbatim.
func (c *Conn) SendRaw(frame string) error {
	return c.ws.Write(context.Background(), websocket.MessageText, []byte(frame))
}

// Ping sends an Engine.IO ping and waits for the pong.
func (c *Conn) Ping(timeout time.Duration) error {
	if err := c.SendRaw("2"); err != nil {
		return err
	}
	select {
	case <-c.pongs:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no pong within %s", timeout)
	}
}

// Disconnect sends a Socket.IO server-side disconnect.
func (c *Conn) Disconnect() error {
	return c.SendRaw("41")
}

// Drop closes the websocket without any Socket.IO goodbye.
func (c *Conn) Drop() {
	_ = c.ws.CloseNow()
	c.markClosed()
}

// NextEmit waits for the next event sent by the client.
func (c *Conn) NextEmit(timeout time.Duration) (Emit, error) {
	select {
	case ev := <-c.emits:
		return ev, nil
	case <-time.After(timeout):
		return Emit{}, fmt.Errorf("no emit within %s", timeout)
	}
}

// WaitClosed waits until the connection has ended.
func (c *Conn) WaitClosed(timeout time.Duration) error {
	select {
	case <-c.closed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("connection still open after %s", timeout)
	}
}

func (c *Conn) ClientDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientDisconnected
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}
