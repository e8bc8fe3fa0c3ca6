// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tessera-foundation/tessera/lib/ref"
)

// WorkspaceMode is the lifecycle mode reported by the account
// service.
type WorkspaceMode string

const (
	ModeActive    WorkspaceMode = "active"
	ModeCreating  WorkspaceMode = "creating"
	ModeUpgrading WorkspaceMode = "upgrading"
	ModeArchived  WorkspaceMode = "archived"
	ModeMigrating WorkspaceMode = "migrating"
	ModeRestoring WorkspaceMode = "restoring"
)

// Refuses reports whether the mode refuses all client connections
// with a terminal error.
func (m WorkspaceMode) Refuses() bool {
	switch m {
	case ModeArchived, ModeMigrating, ModeRestoring:
		return true
	}
	return false
}

// EndpointInfo locates the region that owns a workspace's pipeline.
type EndpointInfo struct {
	// ExternalURL is the endpoint reachable across regions.
	ExternalURL string `json:"externalUrl"`

	// InternalURL is the endpoint for same-region traffic.
	InternalURL string `json:"internalUrl"`

	// Region names the owning region.
	Region string `json:"region"`
}

// URLFor returns the endpoint URL a server in localRegion should
// dial.
func (e EndpointInfo) URLFor(localRegion string) string {
	if e.Region == localRegion {
		return e.InternalURL
	}
	return e.ExternalURL
}

// WorkspaceInfo is the account service's view of one workspace as it
// concerns one login.
type WorkspaceInfo struct {
	UUID ref.WorkspaceID `json:"uuid"`

	// URL is the human-facing workspace slug, used in logs.
	URL string `json:"url"`

	Mode WorkspaceMode `json:"mode"`

	// Version is the workspace's model version ("major.minor.patch").
	Version string `json:"version"`

	// Progress reports creation/upgrade progress (0-100) while Mode
	// is creating or upgrading.
	Progress int `json:"progress,omitempty"`

	// Disabled workspaces admit only system and admin callers.
	Disabled bool `json:"disabled,omitempty"`

	// Role is the calling account's role in this workspace.
	Role string `json:"role,omitempty"`

	Endpoint EndpointInfo `json:"endpoint"`
}

// LoginInfo resolves a raw token to an account and the workspaces it
// can reach.
type LoginInfo struct {
	Account    ref.AccountID                     `json:"account"`
	Primary    ref.SocialID                      `json:"primary,omitempty"`
	SocialIDs  []ref.SocialID                    `json:"socialIds,omitempty"`
	Workspaces map[ref.WorkspaceID]WorkspaceInfo `json:"workspaces,omitempty"`
}

// Sentinel errors for admission decisions.
var (
	// ErrUnavailable: the account service could not be reached or
	// answered a server error. Retryable.
	ErrUnavailable = errors.New("account service unavailable")

	// ErrNotFound: the account or workspace does not exist for this
	// token. Terminal.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized: the service rejected the token. Terminal.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client talks to the account service over HTTP+JSON. One RPC per
// method; the base URL comes from configuration.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetLoginInfo resolves rawToken to the account and its reachable
// workspaces.
func (c *Client) GetLoginInfo(ctx context.Context, rawToken string) (*LoginInfo, error) {
	var info LoginInfo
	if err := c.get(ctx, "/api/v1/login-info", rawToken, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetWorkspaceInfo fetches the status of the token's workspace
// directly, used for system and guest tokens that carry no workspace
// membership.
func (c *Client) GetWorkspaceInfo(ctx context.Context, rawToken string) (*WorkspaceInfo, error) {
	var info WorkspaceInfo
	if err := c.get(ctx, "/api/v1/workspace-info", rawToken, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateLastVisit records account activity for the given workspaces.
// Called once a minute from the tick loop for workspaces with live
// user sessions.
func (c *Client) UpdateLastVisit(ctx context.Context, rawToken string, workspaces []ref.WorkspaceID) error {
	body, err := json.Marshal(map[string]any{"workspaces": workspaces})
	if err != nil {
		return fmt.Errorf("account: encoding last-visit request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/last-visit", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("account: building request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+rawToken)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)
	return statusError(response.StatusCode)
}

// get performs a GET with Bearer auth and decodes the JSON response
// into out.
func (c *Client) get(ctx context.Context, path, rawToken string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("account: building request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+rawToken)

	response, err := c.http.Do(request)
	if err != nil {
		// Connection refused, reset, DNS failure: the service is
		// down, not the workspace missing.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if err := statusError(response.StatusCode); err != nil {
		return err
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		// A half-written or garbled response counts as the service
		// being unavailable, not as a missing workspace.
		return fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, code)
	}
}
