// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// tessera-dev is a self-contained development server: the in-memory
// pipeline, unsigned tokens, and a built-in account resolver that
// admits any token into an active workspace. No external services
// required.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/config"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/lib/version"
	"github.com/tessera-foundation/tessera/pipeline/memory"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/server"
	"github.com/tessera-foundation/tessera/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion bool
		listenAddr  string
	)
	flags := pflag.NewFlagSet("tessera-dev", pflag.ContinueOnError)
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.StringVar(&listenAddr, "listen", "localhost:3333", "listen address")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("tessera-dev %s\n", version.Full())
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	cfg.ListenAddr = listenAddr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := session.NewManager(session.Options{
		Accounts:          devAccounts{region: cfg.Region},
		Factory:           memory.New,
		Logger:            logger,
		Region:            cfg.Region,
		EnableCompression: cfg.EnableCompression,
	})
	if err != nil {
		return err
	}

	srv := server.New(cfg, manager, account.InsecureVerifier{}, logger)

	// Print a ready-made token so a client can connect immediately.
	demo := account.Token{
		Account:   ref.AccountID(ref.NewID()),
		Workspace: ref.WorkspaceID(ref.NewID()),
	}
	fmt.Printf("tessera-dev %s\nlisten:     ws://%s/?token=...\ndemo token: %s\n",
		version.Info(), cfg.ListenAddr, account.EncodeInsecure(demo))

	go manager.Run(ctx)

	err = srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	return err
}

// devAccounts resolves any well-formed unsigned token to an active
// local workspace. It stands in for the account service.
type devAccounts struct {
	region string
}

func (d devAccounts) workspaceInfo(workspace ref.WorkspaceID) account.WorkspaceInfo {
	return account.WorkspaceInfo{
		UUID:    workspace,
		URL:     string(workspace),
		Mode:    account.ModeActive,
		Version: "1.0.0",
		Role:    string(rpc.RoleOwner),
		Endpoint: account.EndpointInfo{
			Region: d.region,
		},
	}
}

func (d devAccounts) GetLoginInfo(_ context.Context, rawToken string) (*account.LoginInfo, error) {
	token, err := account.InsecureVerifier{}.Verify(rawToken)
	if err != nil {
		return nil, account.ErrUnauthorized
	}
	return &account.LoginInfo{
		Account: token.Account,
		Workspaces: map[ref.WorkspaceID]account.WorkspaceInfo{
			token.Workspace: d.workspaceInfo(token.Workspace),
		},
	}, nil
}

func (d devAccounts) GetWorkspaceInfo(_ context.Context, rawToken string) (*account.WorkspaceInfo, error) {
	token, err := account.InsecureVerifier{}.Verify(rawToken)
	if err != nil {
		return nil, account.ErrUnauthorized
	}
	info := d.workspaceInfo(token.Workspace)
	return &info, nil
}

func (d devAccounts) UpdateLastVisit(context.Context, string, []ref.WorkspaceID) error {
	return nil
}
