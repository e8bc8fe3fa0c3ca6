// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// WorkspaceID identifies one tenant. Issued by the account service;
// Tessera never constructs workspace IDs, only parses them at the
// boundary.
type WorkspaceID string

// ParseWorkspaceID validates and wraps a raw workspace ID string.
func ParseWorkspaceID(raw string) (WorkspaceID, error) {
	if raw == "" {
		return "", fmt.Errorf("empty workspace ID")
	}
	return WorkspaceID(raw), nil
}

// String returns the raw workspace ID.
func (w WorkspaceID) String() string { return string(w) }

// IsZero reports whether the WorkspaceID is the zero value.
func (w WorkspaceID) IsZero() bool { return w == "" }

// AccountID identifies one authenticated account across all
// workspaces. Issued by the account service.
type AccountID string

// SystemAccount is the reserved account the server itself uses when it
// opens sessions (upgrade clients, backup tooling, cross-region
// proxies). System sessions are exempt from presence tracking and get
// a longer hang timeout.
const SystemAccount AccountID = "system"

// GuestAccount is the reserved read-only guest account. Guest sessions
// never produce presence transitions.
const GuestAccount AccountID = "guest"

// ParseAccountID validates and wraps a raw account ID string.
func ParseAccountID(raw string) (AccountID, error) {
	if raw == "" {
		return "", fmt.Errorf("empty account ID")
	}
	return AccountID(raw), nil
}

// String returns the raw account ID.
func (a AccountID) String() string { return string(a) }

// IsZero reports whether the AccountID is the zero value.
func (a AccountID) IsZero() bool { return a == "" }

// IsSystem reports whether the account is the reserved system account.
func (a AccountID) IsSystem() bool { return a == SystemAccount }

// IsGuest reports whether the account is the reserved guest account.
func (a AccountID) IsGuest() bool { return a == GuestAccount }

// SessionID identifies one logical client session. A session ID is
// stable across reconnects: a client that drops and reattaches with
// the same SessionID resumes its presence without an offline
// transition. Clients may supply their own; NewSessionID generates one
// when they don't.
type SessionID string

// NewSessionID returns a fresh random session ID.
func NewSessionID() SessionID {
	return SessionID(NewID())
}

// NewID returns a fresh random identifier (128 bits, hex). Used for
// session instances, request correlation, and server-generated event
// IDs.
func NewID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("ref: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}

// String returns the raw session ID.
func (s SessionID) String() string { return string(s) }

// IsZero reports whether the SessionID is the zero value.
func (s SessionID) IsZero() bool { return s == "" }

// SocialID is one external identity bound to an account (an email, an
// OAuth subject, a chat handle). Accounts resolve to one or more
// social IDs; the primary one attributes transactions.
type SocialID string

// String returns the raw social ID.
func (s SocialID) String() string { return string(s) }

// IsZero reports whether the SocialID is the zero value.
func (s SocialID) IsZero() bool { return s == "" }
