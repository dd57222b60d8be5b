// Package keeperserver wires the keeper service to its RPC transport.
package keeperserver

import (
	"io"
	"log/slog"
	"os"

	"eblusha/keeper/internal/adapters/rpc"
	"eblusha/keeper/internal/app"
	"eblusha/keeper/internal/composition/keeperservice"
	"eblusha/keeper/internal/config"
)

// NewRPCServer builds the keeper service from cfg and mounts it, with its
// metrics, on the RPC server.
func NewRPCServer(cfg config.Config) (*rpc.Server, error) {
	return NewRPCServerWithOutput(cfg, os.Stdout)
}

// NewRPCServerWithOutput is NewRPCServer with logs written to w.
func NewRPCServerWithOutput(cfg config.Config, w io.Writer) (*rpc.Server, error) {
	cfg = config.Normalize(cfg)
	logger := app.NewLogger(w, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	svc, err := keeperservice.New(cfg, keeperservice.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	srv := rpc.NewServer(rpc.Options{
		Addr:      cfg.RPC.Addr,
		Token:     cfg.RPC.Token,
		RateRPS:   cfg.RPC.RateRPS,
		RateBurst: cfg.RPC.RateBurst,
		Metrics:   svc.Metrics().Handler(),
		Logger:    logger,
	}, svc)
	if err := srv.Err(); err != nil {
		return nil, err
	}
	return srv, nil
}
