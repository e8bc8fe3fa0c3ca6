// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tessera-foundation/tessera/lib/ref"
)

func TestClientGetLoginInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/login-info" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(LoginInfo{
			Account: "acct-1",
			Workspaces: map[ref.WorkspaceID]WorkspaceInfo{
				"ws-1": {UUID: "ws-1", Mode: ModeActive, Version: "1.2.3"},
			},
		})
	}))
	defer server.Close()

	info, err := NewClient(server.URL).GetLoginInfo(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("GetLoginInfo: %v", err)
	}
	if info.Account != "acct-1" {
		t.Errorf("account = %s", info.Account)
	}
	ws, ok := info.Workspaces["ws-1"]
	if !ok || ws.Mode != ModeActive || ws.Version != "1.2.3" {
		t.Errorf("workspace = %+v", ws)
	}
}

func TestClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, c := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))
		_, err := NewClient(server.URL).GetWorkspaceInfo(context.Background(), "tok")
		server.Close()
		if !errors.Is(err, c.want) {
			t.Errorf("HTTP %d: error = %v, want %v", c.status, err, c.want)
		}
	}
}

func TestClientUnreachableIsUnavailable(t *testing.T) {
	// A closed server means connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	_, err := NewClient(server.URL).GetLoginInfo(context.Background(), "tok")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want %v", err, ErrUnavailable)
	}
}

func TestClientGarbledResponseIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).GetWorkspaceInfo(context.Background(), "tok")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want %v", err, ErrUnavailable)
	}
}

func TestClientUpdateLastVisit(t *testing.T) {
	var got struct {
		Workspaces []ref.WorkspaceID `json:"workspaces"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	err := NewClient(server.URL).UpdateLastVisit(context.Background(), "tok", []ref.WorkspaceID{"ws-1", "ws-2"})
	if err != nil {
		t.Fatalf("UpdateLastVisit: %v", err)
	}
	if len(got.Workspaces) != 2 {
		t.Errorf("workspaces = %v", got.Workspaces)
	}
}

func TestEndpointURLFor(t *testing.T) {
	endpoint := EndpointInfo{
		ExternalURL: "wss://eu.example.com",
		InternalURL: "ws://transactor.eu.svc:3333",
		Region:      "eu",
	}
	if got := endpoint.URLFor("eu"); got != endpoint.InternalURL {
		t.Errorf("same region URL = %s", got)
	}
	if got := endpoint.URLFor("us"); got != endpoint.ExternalURL {
		t.Errorf("cross region URL = %s", got)
	}
}

func TestWorkspaceModeRefuses(t *testing.T) {
	refusing := []WorkspaceMode{ModeArchived, ModeMigrating, ModeRestoring}
	for _, mode := range refusing {
		if !mode.Refuses() {
			t.Errorf("%s should refuse", mode)
		}
	}
	for _, mode := range []WorkspaceMode{ModeActive, ModeCreating, ModeUpgrading} {
		if mode.Refuses() {
			t.Errorf("%s should not refuse", mode)
		}
	}
}
