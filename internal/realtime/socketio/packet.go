package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.IO v4 packet types carried as the first byte of a text frame.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
)

// Socket.IO v5 packet types, the second byte of an engine message.
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketConnectError = '4'
)

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
	MaxPayload   int64  `json:"maxPayload"`
}

func (p openPacket) heartbeatWindow() time.Duration {
	interval := time.Duration(p.PingInterval) * time.Millisecond
	timeout := time.Duration(p.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return interval + timeout
}

type connectError struct {
	Message string `json:"message"`
}

var errUnexpectedPacket = errors.New("unexpected packet")

func parseOpen(frame string) (openPacket, error) {
	if len(frame) == 0 || frame[0] != engineOpen {
		return openPacket{}, fmt.Errorf("%w: expected open, got %q", errUnexpectedPacket, truncate(frame))
	}
	var p openPacket
	if err := json.Unmarshal([]byte(frame[1:]), &p); err != nil {
		return openPacket{}, fmt.Errorf("decode open packet: %w", err)
	}
	return p, nil
}

func encodeConnect(token string) (string, error) {
	auth, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", err
	}
	return string([]byte{engineMessage, socketConnect}) + string(auth), nil
}

func encodeEvent(event string, payload any) (string, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string([]byte{engineMessage, socketEvent}) + string(raw), nil
}

// decodeEvent splits a `42["name",payload]` body into name and first
// argument. A missing argument decodes as nil.
func decodeEvent(body string) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(body), &args); err != nil {
		return "", nil, fmt.Errorf("decode event: %w", err)
	}
	if len(args) == 0 {
		return "", nil, errors.New("decode event: empty argument list")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}
	if len(args) < 2 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// endpoint rewrites base into the websocket URL carrying the Engine.IO
// handshake and token query parameters.
func endpoint(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("endpoint host is required")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
