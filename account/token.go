// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tessera-foundation/tessera/lib/ref"
)

// Mode is the connection mode a token was issued for.
type Mode string

const (
	// ModeNormal is an ordinary client connection.
	ModeNormal Mode = ""

	// ModeUpgrade marks an upgrade client: its admission triggers the
	// upgrade cutover for the target workspace and it bypasses the
	// model version gate.
	ModeUpgrade Mode = "upgrade"

	// ModeBackup marks a backup client: it bypasses the model version
	// gate and is granted the chunk/upload operations.
	ModeBackup Mode = "backup"
)

// Token is an authenticated identity issued by the account service.
// Verification happens at admission time only; the session layer
// consumes tokens read-only.
type Token struct {
	// Account is the authenticated account.
	Account ref.AccountID `json:"account"`

	// Workspace is the tenant the token grants access to.
	Workspace ref.WorkspaceID `json:"workspace"`

	// Extra carries capability flags.
	Extra TokenExtra `json:"extra,omitempty"`
}

// TokenExtra is the token's capability flags.
type TokenExtra struct {
	// Service names the calling service for non-user tokens
	// ("transactor", "backup", ...). Empty for end users.
	Service string `json:"service,omitempty"`

	// Mode is the connection mode.
	Mode Mode `json:"mode,omitempty"`

	// Admin grants access to disabled workspaces and operator
	// endpoints.
	Admin bool `json:"admin,omitempty"`
}

// TokenVerifier validates a raw token string. The implementation is
// an external collaborator (the auth provider); Tessera only depends
// on this contract.
type TokenVerifier interface {
	// Verify parses and validates raw, returning the embedded Token.
	Verify(raw string) (Token, error)
}

// InsecureVerifier decodes unsigned base64url JSON tokens. It
// performs no signature validation and exists for dev servers and
// tests only.
type InsecureVerifier struct{}

// Verify decodes raw as base64url-encoded Token JSON.
func (InsecureVerifier) Verify(raw string) (Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Token{}, fmt.Errorf("account: decoding token: %w", err)
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return Token{}, fmt.Errorf("account: parsing token: %w", err)
	}
	if token.Account.IsZero() {
		return Token{}, fmt.Errorf("account: token missing account")
	}
	if token.Workspace.IsZero() {
		return Token{}, fmt.Errorf("account: token missing workspace")
	}
	return token, nil
}

// EncodeInsecure encodes a Token for InsecureVerifier. Dev and test
// use only.
func EncodeInsecure(token Token) string {
	data, _ := json.Marshal(token)
	return base64.RawURLEncoding.EncodeToString(data)
}
