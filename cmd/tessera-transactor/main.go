// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// tessera-transactor is the production session server: it terminates
// client websockets, admits sessions against the account service,
// owns per-workspace pipeline lifecycle, and serves the HTTP RPC
// bridge and operator endpoints.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/clock"
	"github.com/tessera-foundation/tessera/lib/config"
	"github.com/tessera-foundation/tessera/lib/version"
	"github.com/tessera-foundation/tessera/pipeline/memory"
	"github.com/tessera-foundation/tessera/server"
	"github.com/tessera-foundation/tessera/session"
)

// shutdownGrace bounds the final session teardown after the HTTP
// listener stops.
const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion    bool
		configPath     string
		listenAddr     string
		region         string
		publicKeyPath  string
		insecureTokens bool
	)
	flags := pflag.NewFlagSet("tessera-transactor", pflag.ContinueOnError)
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.StringVar(&configPath, "config", "", "path to the YAML config file (default: $TESSERA_CONFIG)")
	flags.StringVar(&listenAddr, "listen", "", "listen address override")
	flags.StringVar(&region, "region", "", "region identifier override")
	flags.StringVar(&publicKeyPath, "token-public-key", "", "path to the base64 Ed25519 public key for token verification")
	flags.BoolVar(&insecureTokens, "insecure-tokens", false, "accept unsigned tokens (development only)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("tessera-transactor %s\n", version.Full())
		return nil
	}

	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if region != "" {
		cfg.Region = region
	}

	verifier, err := newVerifier(cfg, publicKeyPath, insecureTokens)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := session.Options{
		Accounts:          account.NewClient(cfg.AccountsURL),
		Factory:           memory.New,
		Logger:            logger,
		Region:            cfg.Region,
		ModelVersion:      cfg.ModelVersion,
		EnableCompression: cfg.EnableCompression,
		PingInterval:      cfg.Timeouts.Ping,
		ReconnectTimeout:  cfg.Timeouts.Reconnect,
		RateLimit:         cfg.RateLimit,
	}

	// Cross-region proxying needs a service token to present to the
	// remote transactor. Without one, remote workspaces are served
	// locally.
	if serviceToken := os.Getenv("TESSERA_SERVICE_TOKEN"); serviceToken != "" {
		opts.DialEndpoint = session.NewEndpointDialer(serviceToken, logger, clock.Real())
	} else {
		logger.Warn("TESSERA_SERVICE_TOKEN not set, cross-region proxying disabled")
	}

	manager, err := session.NewManager(opts)
	if err != nil {
		return err
	}

	srv := server.New(cfg, manager, verifier, logger)

	logger.Info("starting transactor",
		"version", version.Info(),
		"environment", cfg.Environment,
		"region", cfg.Region,
		"listen", cfg.ListenAddr)

	go manager.Run(ctx)

	err = srv.Serve(ctx)

	// The HTTP listener is down; close the remaining sessions and
	// flush pipeline state before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	return err
}

// newVerifier picks the token verifier: Ed25519 against the account
// service's public key in production, unsigned tokens only when
// explicitly requested outside production.
func newVerifier(cfg *config.Config, publicKeyPath string, insecure bool) (account.TokenVerifier, error) {
	if insecure {
		if cfg.Environment == config.Production {
			return nil, fmt.Errorf("--insecure-tokens is not allowed in production")
		}
		return account.InsecureVerifier{}, nil
	}
	if publicKeyPath == "" {
		return nil, fmt.Errorf("--token-public-key is required (or --insecure-tokens for development)")
	}
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading token public key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding token public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token public key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return account.SignedVerifier{PublicKey: ed25519.PublicKey(key)}, nil
}

// newLogger creates the standard Tessera server logger: a JSON
// handler writing to stderr at Info level, installed as the slog
// default so library code shares the handler.
func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}
