package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Disconnect reasons reported through Handlers.OnDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

var ErrNotConnected = errors.New("transport is not connected")

type Options struct {
	URL            string
	Token          string
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	Logger         *slog.Logger
}

// Handlers are invoked from the transport's own goroutines. Implementations
// must hand off to their owner before touching shared state.
type Handlers struct {
	OnConnect      func()
	OnDisconnect   func(reason string)
	OnConnectError func(err error)
	OnEvent        func(name string, payload json.RawMessage)
}

// Transport is a single realtime connection instance. A closed transport is
// never reused; callers build a new one through a Factory.
type Transport interface {
	Connect()
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
	Close()
}

type Factory func(opts Options, handlers Handlers) Transport
