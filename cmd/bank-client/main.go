package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"aim-chat/go-jsonrpc/internal/bank"
	"aim-chat/go-jsonrpc/internal/config"
	"aim-chat/go-jsonrpc/internal/logging"
	"aim-chat/go-jsonrpc/pkg/jsonrpc"
	"aim-chat/go-jsonrpc/pkg/transport/stream"
	"aim-chat/go-jsonrpc/pkg/transport/ws"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: bank-client [flags] <server> <user> <pin> <command>

server is ws://host:port/rpc or tcp://host:port.
commands:
  get_balance              display the current balance
  transfer <to> <amount>   transfer money to another account

flags:
`)
	flag.PrintDefaults()
}

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug | info | warn | error")
	timeout := flag.Duration("timeout", 10*time.Second, "Overall timeout")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 4 {
		usage()
		os.Exit(2)
	}
	server, user, command := args[0], args[1], args[3]
	pin, err := strconv.Atoi(args[2])
	if err != nil {
		log.Fatalf("bank-client: pin must be a number: %v", err)
	}

	logger, err := logging.New(config.LogConfig{Level: *logLevel, Format: "text"}, "bank-client")
	if err != nil {
		log.Fatalf("bank-client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	t, err := dial(ctx, server)
	if err != nil {
		log.Fatalf("bank-client: %v", err)
	}
	defer func() { _ = t.Close() }()
	conn := jsonrpc.OpenClient(ctx, t, jsonrpc.WithLogger(logger))
	defer func() { _ = conn.Close() }()
	client := bank.NewClient(conn)

	ok, err := client.Login(ctx, user, pin)
	if err != nil {
		log.Fatalf("bank-client: login: %v", err)
	}
	logger.Info("login", "success", ok)

	switch command {
	case bank.MethodGetBalance:
		balance, err := client.Balance(ctx)
		if err != nil {
			log.Fatalf("bank-client: %v", err)
		}
		logger.Info("current balance", "balance", balance)
	case bank.MethodTransfer:
		if len(args) != 6 {
			usage()
			os.Exit(2)
		}
		amount, err := strconv.ParseInt(args[5], 10, 64)
		if err != nil {
			log.Fatalf("bank-client: amount must be a number: %v", err)
		}
		balance, err := client.Balance(ctx)
		if err != nil {
			log.Fatalf("bank-client: %v", err)
		}
		logger.Info("current balance", "balance", balance)
		if err := client.Transfer(ctx, args[4], amount); err != nil {
			log.Fatalf("bank-client: transfer: %v", err)
		}
		balance, err = client.Balance(ctx)
		if err != nil {
			log.Fatalf("bank-client: %v", err)
		}
		logger.Info("new balance", "balance", balance)
	default:
		usage()
		os.Exit(2)
	}
}

type closingTransport interface {
	jsonrpc.Transport
	Close() error
}

func dial(ctx context.Context, server string) (closingTransport, error) {
	switch {
	case strings.HasPrefix(server, "ws://"), strings.HasPrefix(server, "wss://"):
		return ws.Dial(ctx, server)
	case strings.HasPrefix(server, "tcp://"):
		return stream.Dial(ctx, strings.TrimPrefix(server, "tcp://"))
	default:
		return nil, fmt.Errorf("unsupported server url %q", server)
	}
}
