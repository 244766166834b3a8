package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cometshift/go-backend/internal/composition/engineserver"
	"cometshift/go-backend/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	listenAddr := flag.String("listen-addr", "", "JSON-RPC listen address override")
	dataDir := flag.String("data-dir", "", "Directory for encrypted local state override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("custodyd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *listenAddr != "" {
		_ = os.Setenv("CSH_LISTEN_ADDRESS", *listenAddr)
	}
	if *dataDir != "" {
		_ = os.Setenv("CSH_STORE_DIR", *dataDir)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("custodyd configuration invalid: %v", err)
	}
	engine, err := engineserver.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("custodyd failed to initialize: %v", err)
	}

	log.Println("custodyd starting")
	if err := engine.Run(ctx); err != nil {
		log.Fatalf("custodyd failed: %v", err)
	}
	log.Println("custodyd stopped")
}
