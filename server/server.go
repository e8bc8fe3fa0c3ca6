// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the session manager over HTTP: the websocket
// endpoint clients attach through, a stateless HTTP RPC bridge,
// statistics and health endpoints, and the operator maintenance
// control.
package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/config"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/lib/version"
	"github.com/tessera-foundation/tessera/session"
)

// Server wires HTTP handlers to one session manager.
type Server struct {
	config   *config.Config
	manager  *session.Manager
	verifier account.TokenVerifier
	logger   *slog.Logger
	bridge   *rpcBridge

	// ready is closed after the listener is bound and Serve is
	// accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// New creates a Server. All arguments are required.
func New(cfg *config.Config, manager *session.Manager, verifier account.TokenVerifier, logger *slog.Logger) *Server {
	s := &Server{
		config:   cfg,
		manager:  manager,
		verifier: verifier,
		logger:   logger,
		ready:    make(chan struct{}),
	}
	s.bridge = newRPCBridge(s)
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebsocket)
	mux.HandleFunc("/api/v1/rpc", s.bridge.handle)
	mux.HandleFunc("/api/v1/statistics", s.handleStatistics)
	mux.HandleFunc("/api/v1/maintenance", s.handleMaintenance)
	mux.HandleFunc("/api/v1/workspace/notice", s.handleWorkspaceNotice)
	mux.HandleFunc("/api/v1/version", s.handleVersion)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// requestToken extracts the raw token from the Authorization header
// or, for websocket clients that cannot set headers, the token query
// parameter.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// verifyToken authenticates a request, writing the HTTP error itself
// on failure.
func (s *Server) verifyToken(w http.ResponseWriter, r *http.Request) (account.Token, string, bool) {
	raw := requestToken(r)
	if raw == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return account.Token{}, "", false
	}
	tok, err := s.verifier.Verify(raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return account.Token{}, "", false
	}
	return tok, raw, true
}

// requireAdmin gates operator endpoints on the admin flag or the
// system account.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (account.Token, bool) {
	tok, _, ok := s.verifyToken(w, r)
	if !ok {
		return account.Token{}, false
	}
	if !tok.Extra.Admin && !tok.Account.IsSystem() {
		http.Error(w, "admin required", http.StatusForbidden)
		return account.Token{}, false
	}
	return tok, true
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetStatistics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.manager.CheckHealth()
	code := http.StatusOK
	if report.Status == session.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Info()})
}

// handleMaintenance schedules (PUT with timeout minutes), cancels
// (DELETE), or forces for one workspace (PUT with workspace) a
// maintenance window.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		if workspace := r.URL.Query().Get("workspace"); workspace != "" {
			s.manager.ForceMaintenance(r.Context(), ref.WorkspaceID(workspace))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		minutes, err := strconv.Atoi(r.URL.Query().Get("timeout"))
		if err != nil || minutes <= 0 {
			http.Error(w, "timeout must be a positive number of minutes", http.StatusBadRequest)
			return
		}
		s.manager.ScheduleMaintenance(minutes, r.URL.Query().Get("message"))
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.manager.ScheduleMaintenance(0, "")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWorkspaceNotice takes a control-plane notice that a workspace
// changed behind the cache (upgrade started, restore or delete
// finished) and drops its cached status, so the next admission sees
// the new state instead of waiting out the TTL.
func (s *Server) handleWorkspaceNotice(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspace := r.URL.Query().Get("workspace")
	if workspace == "" {
		http.Error(w, "workspace is required", http.StatusBadRequest)
		return
	}
	s.manager.InvalidateWorkspaceInfo(ref.WorkspaceID(workspace))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
