// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the wire protocol between Tessera clients and
// the transactor: the request/response envelope, the hello handshake,
// server-initiated workspace events, structured error statuses, and
// frame encoding.
//
// Every inbound message is a Request{id, method, params, time?}.
// Every reply is a Response{id, result?, error?, time, queue}. Two
// request IDs are reserved: HelloID (-1) for the handshake that
// negotiates binary mode and compression, and ForceCloseID (-2) for
// the privileged force-close of a workspace stuck mid-upgrade.
//
// Frames travel as JSON text until the hello handshake upgrades the
// connection to binary mode, after which frames are CBOR (lib/codec)
// with an optional one-byte compression tag prefix (lz4 or zstd,
// negotiated in hello). The hello response already travels in the
// negotiated format; everything after it, both directions, does too.
//
// Request params are positional JSON arrays and stay JSON bytes even
// inside CBOR frames: the envelope is re-encoded per connection but
// the arguments pass through the transactor untouched.
package rpc
