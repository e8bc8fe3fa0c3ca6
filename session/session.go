// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/transport"
)

// opCounters tracks how many find and tx operations a session has
// performed. The manager keeps a running total plus a five-minute
// window derived from snapshots taken by the tick loop.
type opCounters struct {
	Find int `json:"find"`
	Tx   int `json:"tx"`
}

func (c opCounters) sub(o opCounters) opCounters {
	return opCounters{Find: c.Find - o.Find, Tx: c.Tx - o.Tx}
}

// inflightRequest is one request currently being processed for a
// session, tracked so the tick loop can log requests stuck past the
// hang threshold.
type inflightRequest struct {
	id     int64
	method string
	start  time.Time
}

// ClientSession is one authenticated logical client attached to a
// workspace. The session ID is stable across reconnects; the instance
// ID is unique per physical connection. All mutable fields are guarded
// by the owning Manager's mutex.
type ClientSession struct {
	id         ref.SessionID
	instanceID string

	workspace ref.WorkspaceID
	token     account.Token
	rawToken  string
	account   rpc.Account

	socket transport.ConnectionSocket

	// format is the negotiated wire framing. It starts as plain JSON
	// and changes when the hello handshake negotiates binary mode or
	// compression.
	format rpc.FrameFormat

	// allowUpload gates the backup operations. Set at admission for
	// backup-mode tokens.
	allowUpload bool

	// reconnect records that this session resumed inside its
	// predecessor's grace window, echoed in the hello response.
	reconnect bool

	createTime  time.Time
	lastRequest time.Time
	lastPing    time.Time

	requests map[string]*inflightRequest

	// total counts operations since the session was created. snapshot
	// is total as of the last five-minute rollover; mins5 is the delta
	// captured at that rollover.
	total    opCounters
	snapshot opCounters
	mins5    opCounters
}

// ID returns the stable logical session identifier.
func (s *ClientSession) ID() ref.SessionID { return s.id }

// InstanceID returns the per-connection instance identifier.
func (s *ClientSession) InstanceID() string { return s.instanceID }

// Workspace returns the workspace this session is attached to.
func (s *ClientSession) Workspace() ref.WorkspaceID { return s.workspace }

// Account returns the resolved account for this session.
func (s *ClientSession) Account() rpc.Account { return s.account }

// hangTimeout is how long a session may go without any request before
// the tick loop force-closes its socket. System sessions (upgrade
// clients, backup tooling) legitimately idle for long stretches and
// get a far larger allowance.
func (s *ClientSession) hangTimeout() time.Duration {
	const base = 60 * time.Second
	if s.account.UUID.IsSystem() {
		return 10 * base
	}
	return base
}
