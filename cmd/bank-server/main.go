package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"aim-chat/go-jsonrpc/internal/adapters/rpc"
	"aim-chat/go-jsonrpc/internal/bank"
	"aim-chat/go-jsonrpc/internal/config"
	"aim-chat/go-jsonrpc/internal/logging"
	"aim-chat/go-jsonrpc/internal/metrics"
	"aim-chat/go-jsonrpc/pkg/dispatch"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to a .yaml or .toml config file (optional)")
	listenAddr := flag.String("listen", "", "WebSocket listen address, host:port or multiaddr (overrides config)")
	tcpAddr := flag.String("tcp-listen", "", "Also accept newline-delimited JSON-RPC over TCP on this address (optional)")
	logLevel := flag.String("log-level", "", "Log level: debug | info | warn | error (overrides config)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("bank-server version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("bank-server: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("bank-server: %v", err)
	}
	logger, err := logging.New(cfg.Log, "bank-server")
	if err != nil {
		log.Fatalf("bank-server: %v", err)
	}
	addr, err := config.ResolveListenAddr(cfg.ListenAddr)
	if err != nil {
		log.Fatalf("bank-server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	d := dispatch.New(dispatch.WithLogger(logger), dispatch.WithObserver(m))
	svc := bank.NewService(bank.DemoLedger(), logger)
	if err := svc.Register(d); err != nil {
		log.Fatalf("bank-server: register handlers: %v", err)
	}

	serverOpts := []dispatch.ServerOption{
		dispatch.WithServerLogger(logger),
		dispatch.WithResultBuffer(cfg.Dispatch.ResultBuffer),
		dispatch.WithMaxConcurrent(cfg.Dispatch.MaxConcurrent),
		dispatch.WithConnOptions(
			jsonrpc.WithLogger(logger),
			jsonrpc.WithObserver(m),
			jsonrpc.WithRequestBuffer(cfg.Engine.RequestBuffer),
		),
	}
	if cfg.RateLimit.Enabled {
		serverOpts = append(serverOpts, dispatch.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	srv := rpc.NewServer(addr, dispatch.NewServer(d, serverOpts...),
		rpc.WithLogger(logger),
		rpc.WithMetrics(m),
		rpc.WithLimits(cfg.Limits),
		rpc.WithConnValue(svc.NewConnValue),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if *tcpAddr != "" {
		resolved, err := config.ResolveListenAddr(*tcpAddr)
		if err != nil {
			log.Fatalf("bank-server: %v", err)
		}
		ln, err := net.Listen("tcp", resolved)
		if err != nil {
			log.Fatalf("bank-server: listen %s: %v", resolved, err)
		}
		g.Go(func() error { return srv.ServeStream(gctx, ln) })
	}

	logger.Info("bank-server starting", "version", version, "methods", d.Methods())
	if err := g.Wait(); err != nil {
		logger.Error("bank-server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bank-server stopped")
}
