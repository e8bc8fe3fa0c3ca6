// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/tessera-foundation/tessera/lib/ref"
)

func TestInsecureVerifierRoundtrip(t *testing.T) {
	in := Token{
		Account:   "acct-1",
		Workspace: "ws-1",
		Extra:     TokenExtra{Mode: ModeBackup, Admin: true},
	}
	out, err := InsecureVerifier{}.Verify(EncodeInsecure(in))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out != in {
		t.Errorf("roundtrip = %+v, want %+v", out, in)
	}
}

func TestInsecureVerifierRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not base64!!", "bm90IGpzb24"} {
		if _, err := (InsecureVerifier{}).Verify(raw); err == nil {
			t.Errorf("Verify(%q) accepted", raw)
		}
	}
	// Structurally valid but missing the identity fields.
	if _, err := (InsecureVerifier{}).Verify(EncodeInsecure(Token{Account: "a"})); err == nil {
		t.Error("token without workspace accepted")
	}
	if _, err := (InsecureVerifier{}).Verify(EncodeInsecure(Token{Workspace: "w"})); err == nil {
		t.Error("token without account accepted")
	}
}

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return public, private
}

func TestSignedVerifierRoundtrip(t *testing.T) {
	public, private := testKeypair(t)
	in := Token{
		Account:   ref.AccountID("acct-1"),
		Workspace: ref.WorkspaceID("ws-1"),
		Extra:     TokenExtra{Service: "transactor", Mode: ModeUpgrade},
	}
	raw, err := Sign(private, in, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	out, err := SignedVerifier{PublicKey: public}.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out != in {
		t.Errorf("roundtrip = %+v, want %+v", out, in)
	}
}

func TestSignedVerifierRejectsWrongKey(t *testing.T) {
	_, private := testKeypair(t)
	otherPublic, _ := testKeypair(t)
	raw, err := Sign(private, Token{Account: "a", Workspace: "w"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err = SignedVerifier{PublicKey: otherPublic}.Verify(raw)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("error = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestSignedVerifierExpiry(t *testing.T) {
	public, private := testKeypair(t)
	issued := time.Now()
	raw, err := Sign(private, Token{Account: "a", Workspace: "w"}, issued, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	verifier := SignedVerifier{
		PublicKey: public,
		Now:       func() time.Time { return issued.Add(30 * time.Second) },
	}
	if _, err := verifier.Verify(raw); err != nil {
		t.Fatalf("Verify inside the validity window: %v", err)
	}

	verifier.Now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := verifier.Verify(raw); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("error = %v, want %v", err, ErrTokenExpired)
	}

	// Zero TTL yields a token without expiry.
	forever, err := Sign(private, Token{Account: "a", Workspace: "w"}, issued, 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	verifier.Now = func() time.Time { return issued.Add(24 * 365 * time.Hour) }
	if _, err := verifier.Verify(forever); err != nil {
		t.Errorf("ttl-less token rejected: %v", err)
	}
}

func TestSignedVerifierRejectsTruncated(t *testing.T) {
	public, _ := testKeypair(t)
	if _, err := (SignedVerifier{PublicKey: public}).Verify("AAAA"); !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("error = %v, want %v", err, ErrTokenTooShort)
	}
}
