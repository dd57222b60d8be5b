// Package rpc exposes the keeper to its host application: JSON-RPC commands
// on /rpc, an SSE stream of hub events on /rpc/stream, /healthz and
// /metrics.
package rpc

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eblusha/keeper/internal/domains/contracts"
	"eblusha/keeper/internal/platform/ratelimiter"
)

const DefaultRPCAddr = "127.0.0.1:8797"

type Options struct {
	Addr  string
	Token string
	// RequireToken refuses to start without a token.
	RequireToken bool
	RateRPS      float64
	RateBurst    int
	StreamLimits StreamLimits
	Metrics      http.Handler
	Logger       *slog.Logger
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	service    contracts.KeeperService
	initErr    error
	rpcToken   string
	rpcLimiter *ratelimiter.MapLimiter
	streams    *streamSlots
	logger     *slog.Logger
	now        func() time.Time
}

func NewServer(opts Options, svc contracts.KeeperService) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token := strings.TrimSpace(opts.Token)
	if opts.RequireToken && token == "" {
		return &Server{initErr: errors.New("rpc token is required"), logger: logger}
	}
	if svc == nil {
		return &Server{initErr: errors.New("keeper service is required"), logger: logger}
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultRPCAddr
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:        mux,
		service:    svc,
		rpcToken:   token,
		rpcLimiter: ratelimiter.New(opts.RateRPS, opts.RateBurst, 10*time.Minute),
		streams:    newRPCStreamLimiter(opts.StreamLimits),
		logger:     logger,
		now:        time.Now,
	}
	if token == "" {
		logger.Warn("rpc token is not set; RPC auth disabled", "component", "rpc")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	return s
}

// Handler is the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	if s.mux == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) Err() error { return s.initErr }
