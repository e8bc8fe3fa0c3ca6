// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"

	"github.com/tessera-foundation/tessera/lib/ref"
)

// Reserved request IDs. Ordinary requests use non-negative IDs chosen
// by the client.
const (
	// HelloID is the handshake request. It negotiates binary mode and
	// compression and returns the server version, last transaction
	// position, and the resolved account.
	HelloID = -1

	// ForceCloseID force-closes a workspace. Only effective while the
	// target workspace is mid-upgrade; otherwise it answers
	// done=false and changes nothing.
	ForceCloseID = -2
)

// Method names the session layer dispatches. The set is closed: an
// unknown method yields ErrUnknownMethod for that one request, never
// a dropped connection.
const (
	MethodHello          = "hello"
	MethodForceClose     = "forceClose"
	MethodPing           = "ping"
	MethodLoadModel      = "loadModel"
	MethodFindAll        = "findAll"
	MethodFindOne        = "findOne"
	MethodSearchFulltext = "searchFulltext"
	MethodTx             = "tx"
	MethodLoadChunk      = "loadChunk"
	MethodCloseChunk     = "closeChunk"
	MethodLoadDocs       = "loadDocs"
	MethodUpload         = "upload"
	MethodClean          = "clean"
	MethodDomainHash     = "getDomainHash"
)

// Request is one inbound client message.
type Request struct {
	// ID correlates the eventual Response. Negative IDs are reserved.
	ID int64 `json:"id" cbor:"id"`

	// Method selects the operation.
	Method string `json:"method" cbor:"method"`

	// Params carries method-specific arguments, decoded by the
	// session layer per method.
	Params json.RawMessage `json:"params,omitempty" cbor:"params,omitempty"`

	// Time is the client-side send timestamp in Unix milliseconds,
	// used to measure receive delta. Optional.
	Time int64 `json:"time,omitempty" cbor:"time,omitempty"`
}

// Response is one outbound server message. Server-initiated pushes
// (broadcasts, pings, maintenance events) use ID 0 and carry only
// Result.
type Response struct {
	ID int64 `json:"id" cbor:"id"`

	// Result is the method result or pushed event payload.
	Result any `json:"result,omitempty" cbor:"result,omitempty"`

	// Error is set instead of Result when the request failed.
	Error *Status `json:"error,omitempty" cbor:"error,omitempty"`

	// Time is the server-side processing duration in milliseconds.
	Time int64 `json:"time,omitempty" cbor:"time,omitempty"`

	// Queue is the number of requests still in flight on this session
	// when the response was sent.
	Queue int `json:"queue,omitempty" cbor:"queue,omitempty"`
}

// PingResult is the Result value of liveness pings in both
// directions.
const PingResult = "ping"

// HelloRequest is the params shape of the reserved hello request.
type HelloRequest struct {
	// Binary requests CBOR framing for all subsequent messages.
	Binary bool `json:"binary,omitempty" cbor:"binary,omitempty"`

	// Compression requests payload compression ("lz4", "zstd", or
	// empty). Honored only when the server enables compression.
	Compression string `json:"compression,omitempty" cbor:"compression,omitempty"`
}

// HelloResponse is the Result of a successful hello.
type HelloResponse struct {
	// Binary echoes the negotiated framing.
	Binary bool `json:"binary" cbor:"binary"`

	// Compression echoes the negotiated compression algorithm, empty
	// when disabled.
	Compression string `json:"compression,omitempty" cbor:"compression,omitempty"`

	// Reconnect is true when this session ID was inside its reconnect
	// grace window, meaning the client resumed an existing logical
	// session.
	Reconnect bool `json:"reconnect,omitempty" cbor:"reconnect,omitempty"`

	// ServerVersion is the transactor build version.
	ServerVersion string `json:"serverVersion" cbor:"serverVersion"`

	// LastTx and LastHash describe the workspace pipeline's last
	// committed transaction, letting the client decide whether its
	// cache is current.
	LastTx   string `json:"lastTx,omitempty" cbor:"lastTx,omitempty"`
	LastHash string `json:"lastHash,omitempty" cbor:"lastHash,omitempty"`

	// Account is the resolved authenticated account.
	Account Account `json:"account" cbor:"account"`
}

// Account is the resolved identity returned in hello: the account
// with its role and social identifiers for the admitted workspace.
type Account struct {
	UUID      ref.AccountID  `json:"uuid" cbor:"uuid"`
	Role      Role           `json:"role" cbor:"role"`
	Primary   ref.SocialID   `json:"primary,omitempty" cbor:"primary,omitempty"`
	SocialIDs []ref.SocialID `json:"socialIds,omitempty" cbor:"socialIds,omitempty"`
}

// Role is an account's capability level within one workspace.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleMaintainer Role = "maintainer"
	RoleUser       Role = "user"
	RoleGuest      Role = "guest"
)

// ForceCloseResult is the Result of the reserved forceClose request.
type ForceCloseResult struct {
	// Done is true when the workspace was mid-upgrade and has been
	// force-closed, false when the request was a no-op.
	Done bool `json:"done" cbor:"done"`
}
