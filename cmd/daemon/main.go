package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"event-chat/go-backend/internal/adapters/rpc"
	"event-chat/go-backend/internal/config"
	"event-chat/go-backend/internal/doctor"
	"event-chat/go-backend/internal/metrics"
	"event-chat/go-backend/internal/platform/privacylog"
	"event-chat/go-backend/internal/runtime"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address override")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-EVC-RPC-Token (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	identity := flag.String("identity", "", "Local wallet address override")
	runDoctor := flag.Bool("doctor", false, "check the configuration and exit")
	probe := flag.Bool("probe", false, "with -doctor, probe a running daemon instead of binding its port")
	flag.Parse()
	if *showVersion {
		fmt.Printf("event-chat-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("event-chat-daemon failed to load config: %v", err)
	}
	if v := strings.TrimSpace(*rpcAddr); v != "" {
		cfg.RPC.Addr = v
	}
	if v := strings.TrimSpace(*rpcToken); v != "" {
		cfg.RPC.Token = v
	}
	if v := strings.TrimSpace(*transport); v != "" {
		cfg.Network.Transport = v
	}
	if v := strings.TrimSpace(*identity); v != "" {
		cfg.Identity.Address = v
	}

	if *runDoctor {
		report := doctor.New().Run(context.Background(), cfg, *probe)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		if !report.Ready {
			os.Exit(1)
		}
		return
	}

	logger := privacylog.NewLogger(os.Stdout, cfg.Logging.Level)
	m := metrics.New()
	svc, err := runtime.New(cfg, runtime.WithLogger(logger), runtime.WithMetrics(m))
	if err != nil {
		log.Fatalf("event-chat-daemon failed to initialize: %v", err)
	}
	srv := rpc.NewServer(rpc.Config{
		Addr:      cfg.RPC.Addr,
		Token:     cfg.RPC.Token,
		RateLimit: cfg.RPC.RateLimit,
	}, svc, rpc.WithMetrics(m), rpc.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("event-chat-daemon starting",
		"component", "daemon",
		"operation", "daemon.start",
		"rpc_addr", cfg.RPC.Addr,
		"transport", cfg.Network.Transport,
		"version", version,
	)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("event-chat-daemon failed: %v", err)
	}
	logger.Info("event-chat-daemon stopped", "component", "daemon", "operation", "daemon.stop")
}
