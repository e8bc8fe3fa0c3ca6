// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/transport"
)

// handleWebsocket is the attachment path for realtime clients: verify
// the token, upgrade the connection, admit a session, then pump
// inbound frames through the manager until the socket drops.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tok, raw, ok := s.verifyToken(w, r)
	if !ok {
		return
	}
	sessionID := ref.SessionID(r.URL.Query().Get("sessionId"))

	conn, err := transport.Upgrade(w, r, s.logger)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The request context dies with this handler, but the connection
	// outlives nothing: the read loop below is the handler. Pushes
	// and broadcasts use their own contexts, so Background is right
	// for connection-scoped work.
	ctx := context.Background()

	sess, err := s.manager.AddSession(ctx, conn, tok, raw, sessionID)
	if err != nil {
		// The admission error reaches the client as a structured
		// response before the socket closes, so it can distinguish
		// terminal from retryable.
		conn.Send(ctx, rpc.FrameFormat{}, rpc.Response{Error: rpc.AsStatus(err)})
		conn.Close()
		return
	}

	for {
		request, err := conn.ReadFrame()
		if err != nil {
			s.manager.Close(ctx, conn, tok.Workspace)
			return
		}
		if conn.Backpressured() {
			// A client racing ahead of its own reads slows down here
			// instead of ballooning the send queue.
			if err := conn.Drain(ctx); err != nil {
				s.manager.Close(ctx, conn, tok.Workspace)
				return
			}
		}
		s.manager.HandleRequest(ctx, sess, request)
	}
}
