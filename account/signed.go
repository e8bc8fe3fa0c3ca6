// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/tessera-foundation/tessera/lib/codec"
	"github.com/tessera-foundation/tessera/lib/ref"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// signedPayload is the CBOR-encoded body of a signed token: the
// Token plus validity window. Integer keys keep the wire form small;
// the payload travels inside every websocket URL.
type signedPayload struct {
	Account   string     `cbor:"1,keyasint"`
	Workspace string     `cbor:"2,keyasint"`
	Extra     TokenExtra `cbor:"3,keyasint,omitempty"`
	IssuedAt  int64      `cbor:"4,keyasint"`
	ExpiresAt int64      `cbor:"5,keyasint,omitempty"`
}

// Errors returned by SignedVerifier.
var (
	ErrTokenTooShort    = errors.New("account: token too short for signature")
	ErrInvalidSignature = errors.New("account: invalid token signature")
	ErrTokenExpired     = errors.New("account: token has expired")
)

// Sign mints a signed token string: base64url of the CBOR payload
// followed by the Ed25519 signature over the payload. A zero ttl
// produces a token without expiry (service tokens held by peers).
func Sign(privateKey ed25519.PrivateKey, token Token, now time.Time, ttl time.Duration) (string, error) {
	payload := signedPayload{
		Account:   string(token.Account),
		Workspace: string(token.Workspace),
		Extra:     token.Extra,
		IssuedAt:  now.Unix(),
	}
	if ttl > 0 {
		payload.ExpiresAt = now.Add(ttl).Unix()
	}
	body, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("account: encoding token payload: %w", err)
	}
	signature := ed25519.Sign(privateKey, body)
	raw := make([]byte, len(body)+signatureSize)
	copy(raw, body)
	copy(raw[len(body):], signature)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SignedVerifier validates Ed25519-signed tokens minted by the
// account service. Now is pluggable for deterministic expiry tests;
// nil means time.Now.
type SignedVerifier struct {
	PublicKey ed25519.PublicKey
	Now       func() time.Time
}

// Verify implements TokenVerifier.
func (v SignedVerifier) Verify(raw string) (Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Token{}, fmt.Errorf("account: decoding token: %w", err)
	}
	if len(data) <= signatureSize {
		return Token{}, ErrTokenTooShort
	}
	split := len(data) - signatureSize
	body, signature := data[:split], data[split:]
	if !ed25519.Verify(v.PublicKey, body, signature) {
		return Token{}, ErrInvalidSignature
	}
	var payload signedPayload
	if err := codec.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("account: decoding token payload: %w", err)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if payload.ExpiresAt != 0 && now().Unix() >= payload.ExpiresAt {
		return Token{}, ErrTokenExpired
	}
	token := Token{
		Account:   ref.AccountID(payload.Account),
		Workspace: ref.WorkspaceID(payload.Workspace),
		Extra:     payload.Extra,
	}
	if token.Account.IsZero() {
		return Token{}, fmt.Errorf("account: token missing account")
	}
	return token, nil
}
