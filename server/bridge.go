// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/session"
	"github.com/tessera-foundation/tessera/transport"
)

// bridgeSessionTTL is how long an HTTP bridge session survives
// between requests before it is closed like a dropped websocket.
const bridgeSessionTTL = time.Minute

// maxBridgeBody bounds one bridge request body.
const maxBridgeBody = 16 << 20

// rpcBridge serves the protocol over plain HTTP for clients that
// cannot hold a websocket: each raw token maps to one long-lived
// logical session, and every POST carries one request envelope.
// Server pushes have nowhere to go and are dropped; stateless clients
// poll instead.
type rpcBridge struct {
	server *Server

	mu      sync.Mutex
	entries map[string]*bridgeEntry
}

type bridgeEntry struct {
	session   *session.ClientSession
	socket    *bridgeSocket
	workspace ref.WorkspaceID
	lastUsed  time.Time
}

func newRPCBridge(s *Server) *rpcBridge {
	return &rpcBridge{server: s, entries: make(map[string]*bridgeEntry)}
}

func (b *rpcBridge) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tok, raw, ok := b.server.verifyToken(w, r)
	if !ok {
		return
	}

	var request rpc.Request
	body := http.MaxBytesReader(w, r.Body, maxBridgeBody)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	b.sweep(ctx)

	entry, status := b.session(ctx, tok, raw)
	if status != nil {
		writeJSON(w, statusHTTPCode(status), rpc.Response{ID: request.ID, Error: status})
		return
	}

	ch := entry.socket.await(request.ID)
	b.server.manager.HandleRequest(ctx, entry.session, request)

	var response rpc.Response
	select {
	case response = <-ch:
	case <-time.After(30 * time.Second):
		entry.socket.cancel(request.ID)
		writeJSON(w, http.StatusGatewayTimeout,
			rpc.Response{ID: request.ID, Error: rpc.NewStatus(rpc.CodeInternal, "request timed out")})
		return
	case <-ctx.Done():
		entry.socket.cancel(request.ID)
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}

	if response.Error != nil && response.Error.Code == rpc.CodeRateLimit {
		w.Header().Set("Retry-After", "1")
		if limit := b.server.config.RateLimit.PerSecond; limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(limit, 'f', -1, 64))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write(payload)
		return
	}

	// Content-addressed ETag lets pollers skip identical bodies.
	sum := blake3.Sum256(payload)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")

	switch chooseEncoding(r.Header.Get("Accept-Encoding")) {
	case "zstd":
		w.Header().Set("Content-Encoding", "zstd")
		w.Write(bridgeZstd.EncodeAll(payload, nil))
	case "lz4":
		w.Header().Set("Content-Encoding", "lz4")
		var buf bytes.Buffer
		lw := lz4.NewWriter(&buf)
		lw.Write(payload)
		lw.Close()
		w.Write(buf.Bytes())
	default:
		w.Write(payload)
	}
}

// session finds or admits the bridge session for a token.
func (b *rpcBridge) session(ctx context.Context, tok account.Token, raw string) (*bridgeEntry, *rpc.Status) {
	now := time.Now()
	b.mu.Lock()
	entry := b.entries[raw]
	if entry != nil && entry.socket.CheckState() {
		entry.lastUsed = now
		b.mu.Unlock()
		return entry, nil
	}
	delete(b.entries, raw)
	b.mu.Unlock()

	socket := newBridgeSocket()
	sess, err := b.server.manager.AddSession(ctx, socket, tok, raw, "")
	if err != nil {
		return nil, rpc.AsStatus(err)
	}
	entry = &bridgeEntry{
		session:   sess,
		socket:    socket,
		workspace: tok.Workspace,
		lastUsed:  now,
	}
	b.mu.Lock()
	b.entries[raw] = entry
	b.mu.Unlock()
	return entry, nil
}

// sweep detaches bridge sessions idle past the TTL so their
// workspaces can soft-shutdown like any other.
func (b *rpcBridge) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-bridgeSessionTTL)
	var stale []*bridgeEntry
	b.mu.Lock()
	for token, entry := range b.entries {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, entry)
			delete(b.entries, token)
		}
	}
	b.mu.Unlock()
	for _, entry := range stale {
		b.server.manager.Close(ctx, entry.socket, entry.workspace)
	}
}

// statusHTTPCode maps an admission status onto an HTTP status for
// bridge clients.
func statusHTTPCode(status *rpc.Status) int {
	switch status.Code {
	case rpc.CodeUnauthorized:
		return http.StatusUnauthorized
	case rpc.CodeWorkspaceNotFound:
		return http.StatusNotFound
	case rpc.CodeRateLimit:
		return http.StatusTooManyRequests
	case rpc.CodeAccountUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// chooseEncoding picks the response compression from Accept-Encoding,
// preferring zstd.
func chooseEncoding(accept string) string {
	for _, enc := range []string{"zstd", "lz4"} {
		for _, part := range strings.Split(accept, ",") {
			if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == enc {
				return enc
			}
		}
	}
	return ""
}

var bridgeZstd = func() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("server: initializing zstd encoder: " + err.Error())
	}
	return enc
}()

// bridgeSocket adapts the ConnectionSocket contract to a
// request/response HTTP exchange: Send routes each response to the
// waiter registered for its request ID and drops pushes.
type bridgeSocket struct {
	id string

	mu      sync.Mutex
	waiters map[int64]chan rpc.Response
	closed  bool
}

func newBridgeSocket() *bridgeSocket {
	return &bridgeSocket{
		id:      ref.NewID(),
		waiters: make(map[int64]chan rpc.Response),
	}
}

func (b *bridgeSocket) ID() string { return b.id }

func (b *bridgeSocket) await(id int64) chan rpc.Response {
	ch := make(chan rpc.Response, 1)
	b.mu.Lock()
	b.waiters[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *bridgeSocket) cancel(id int64) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

func (b *bridgeSocket) Send(_ context.Context, _ rpc.FrameFormat, v any) error {
	response, ok := v.(rpc.Response)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrSocketClosed
	}
	if ch := b.waiters[response.ID]; ch != nil {
		delete(b.waiters, response.ID)
		ch <- response
	}
	return nil
}

func (b *bridgeSocket) SendPing(context.Context, rpc.FrameFormat) error { return nil }

func (b *bridgeSocket) Backpressured() bool { return false }

func (b *bridgeSocket) Drain(context.Context) error { return nil }

func (b *bridgeSocket) CheckState() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *bridgeSocket) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *bridgeSocket) Data() map[string]any {
	return map[string]any{"transport": "http"}
}
