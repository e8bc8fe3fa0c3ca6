// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// shutdownTimeout is the maximum time to wait for in-flight HTTP
// requests after the context is cancelled. Websocket sessions are
// closed separately by Manager.Shutdown before this runs out.
const shutdownTimeout = 10 * time.Second

// Ready returns a channel closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed. When the configured address uses port 0, the resolved
// address carries the OS-assigned port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve binds the configured listen address and serves until ctx is
// cancelled, then stops accepting connections and drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context) error {
	// Bind early so the resolved address is known and readiness can
	// be signalled before the serve loop starts.
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.ListenAddr, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.Handler(),

		// No ReadTimeout/WriteTimeout: websocket connections are
		// long-lived and liveness is the tick loop's job. The
		// header timeout still protects against slow-loris opens.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		// Lingering websocket connections hit the deadline; force
		// them closed rather than hanging shutdown.
		server.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("server shutdown: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}
