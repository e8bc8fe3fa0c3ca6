// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport abstracts one physical client connection behind
// the ConnectionSocket contract and provides the production websocket
// implementation plus an in-memory socket for tests.
//
// The session layer only depends on the contract: ordered
// fire-and-forget sends with backpressure, a liveness probe, and
// close. Send never blocks on the network — frames go through a
// per-connection write pump, and a connection that cannot drain its
// queue is treated as slow rather than allowed to stall broadcast
// fan-out.
package transport

import (
	"context"
	"errors"

	"github.com/tessera-foundation/tessera/rpc"
)

// ErrSocketClosed is returned by Send after Close.
var ErrSocketClosed = errors.New("transport: socket closed")

// ConnectionSocket is one physical client connection.
type ConnectionSocket interface {
	// ID uniquely identifies this physical connection for the
	// session manager's socket registry.
	ID() string

	// Send enqueues one frame encoded per format. It returns once the
	// frame is queued (or dropped into backpressure handling), not
	// once it is written; transport errors are handled at the write
	// pump and surface only through CheckState.
	Send(ctx context.Context, format rpc.FrameFormat, v any) error

	// SendPing enqueues a liveness ping.
	SendPing(ctx context.Context, format rpc.FrameFormat) error

	// Backpressured reports whether the outbound queue is above the
	// high-water mark. Callers may choose to await Drain before
	// processing further requests from this connection.
	Backpressured() bool

	// Drain blocks until the outbound queue falls below the
	// high-water mark or ctx is done.
	Drain(ctx context.Context) error

	// CheckState reports whether the connection is still usable.
	CheckState() bool

	// Close tears the connection down. Idempotent.
	Close() error

	// Data returns transport-specific connection details (remote
	// address, user agent) for logs and statistics.
	Data() map[string]any
}
