package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"eblusha/keeper/internal/composition/keeperserver"
	"eblusha/keeper/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to keeper.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address override")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Keeper-RPC-Token (optional)")
	serverURL := flag.String("server-url", "", "Realtime server URL override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("keeperd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("keeperd failed to load config: %v", err)
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}
	if *rpcToken != "" {
		cfg.RPC.Token = *rpcToken
	}
	if *serverURL != "" {
		cfg.Connection.URL = *serverURL
	}

	srv, err := keeperserver.NewRPCServer(cfg)
	if err != nil {
		log.Fatalf("keeperd failed to initialize: %v", err)
	}

	log.Println("keeperd starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("keeperd failed: %v", err)
	}
	log.Println("keeperd stopped")
}
