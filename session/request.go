// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/rpc"
)

// HandleRequest processes one inbound request for a session. Every
// failure path, including a panicking-free pipeline error, resolves
// to a structured error response for this one request; the connection
// itself is never torn down from here.
//
// For tx requests the direct result is sent to the caller before the
// resulting broadcast is routed to anyone else, and pipeline-queued
// followups run only after the response is on the wire.
func (m *Manager) HandleRequest(ctx context.Context, s *ClientSession, req rpc.Request) {
	start := m.clock.Now()
	key := ref.NewID()
	m.mu.Lock()
	s.lastRequest = start
	s.requests[key] = &inflightRequest{id: req.ID, method: req.Method, start: start}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(s.requests, key)
		m.mu.Unlock()
	}()

	switch req.ID {
	case rpc.HelloID:
		m.handleHello(ctx, s, req, start)
		return
	case rpc.ForceCloseID:
		done := m.ForceClose(ctx, s.workspace)
		m.respond(ctx, s, req.ID, rpc.ForceCloseResult{Done: done}, nil, start)
		return
	}

	if !s.account.UUID.IsSystem() && !m.limiter.allow(s.account.UUID) {
		m.respond(ctx, s, req.ID, nil,
			rpc.NewStatus(rpc.CodeRateLimit, "request budget exceeded"), start)
		return
	}

	result, after, err := m.dispatch(ctx, s, req)
	if err != nil {
		m.logger.Warn("request failed",
			"workspace", s.workspace, "session", s.id,
			"method", req.Method, "error", err)
	}
	m.respond(ctx, s, req.ID, result, err, start)
	if after != nil {
		after()
	}
}

// dispatch routes a request through the closed method table. The
// returned func, when non-nil, is post-response work (broadcast and
// async followups) that must run only after the caller has its
// answer.
func (m *Manager) dispatch(ctx context.Context, s *ClientSession, req rpc.Request) (any, func(), error) {
	if req.Method == rpc.MethodPing {
		m.mu.Lock()
		s.lastPing = m.clock.Now()
		m.mu.Unlock()
		return rpc.PingResult, nil, nil
	}

	pipe, err := m.pipelineFor(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	switch req.Method {
	case rpc.MethodLoadModel:
		var (
			lastTx int64
			hash   string
		)
		if err := decodeParams(req.Params, &lastTx, &hash); err != nil {
			return nil, nil, err
		}
		result, err := pipe.LoadModel(ctx, lastTx, hash)
		return result, nil, err

	case rpc.MethodFindAll:
		var (
			class   string
			query   pipeline.Query
			options pipeline.FindOptions
		)
		if err := decodeParams(req.Params, &class, &query, &options); err != nil {
			return nil, nil, err
		}
		m.countOp(s, opCounters{Find: 1})
		result, err := pipe.FindAll(ctx, class, query, options)
		return result, nil, err

	case rpc.MethodFindOne:
		var (
			class string
			query pipeline.Query
		)
		if err := decodeParams(req.Params, &class, &query); err != nil {
			return nil, nil, err
		}
		m.countOp(s, opCounters{Find: 1})
		result, err := pipe.FindOne(ctx, class, query)
		return result, nil, err

	case rpc.MethodSearchFulltext:
		var (
			query   pipeline.SearchQuery
			options pipeline.SearchOptions
		)
		if err := decodeParams(req.Params, &query, &options); err != nil {
			return nil, nil, err
		}
		result, err := pipe.SearchFulltext(ctx, query, options)
		return result, nil, err

	case rpc.MethodTx:
		var tx rpc.Tx
		if err := decodeParams(req.Params, &tx); err != nil {
			return nil, nil, err
		}
		m.countOp(s, opCounters{Tx: 1})
		result, err := pipe.Tx(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		after := func() {
			if len(result.Derived) > 0 {
				m.broadcast(ctx, s, result.Derived, nil, nil)
			}
			for _, followup := range result.Followups {
				go m.runFollowup(s, followup)
			}
		}
		return result.Result, after, nil

	case rpc.MethodLoadChunk:
		if !s.allowUpload {
			return nil, nil, rpc.NewStatus(rpc.CodeForbidden, "backup operations require upload rights")
		}
		var (
			domain string
			index  int
		)
		if err := decodeParams(req.Params, &domain, &index); err != nil {
			return nil, nil, err
		}
		result, err := pipe.LoadChunk(ctx, domain, index)
		return result, nil, err

	case rpc.MethodCloseChunk:
		if !s.allowUpload {
			return nil, nil, rpc.NewStatus(rpc.CodeForbidden, "backup operations require upload rights")
		}
		var index int
		if err := decodeParams(req.Params, &index); err != nil {
			return nil, nil, err
		}
		return nil, nil, pipe.CloseChunk(ctx, index)

	case rpc.MethodLoadDocs:
		if !s.allowUpload {
			return nil, nil, rpc.NewStatus(rpc.CodeForbidden, "backup operations require upload rights")
		}
		var (
			domain string
			ids    []string
		)
		if err := decodeParams(req.Params, &domain, &ids); err != nil {
			return nil, nil, err
		}
		result, err := pipe.LoadDocs(ctx, domain, ids)
		return result, nil, err

	case rpc.MethodUpload:
		if !s.allowUpload {
			return nil, nil, rpc.NewStatus(rpc.CodeForbidden, "backup operations require upload rights")
		}
		var (
			domain string
			docs   []pipeline.Document
		)
		if err := decodeParams(req.Params, &domain, &docs); err != nil {
			return nil, nil, err
		}
		return nil, nil, pipe.Upload(ctx, domain, docs)

	case rpc.MethodClean:
		if !s.allowUpload {
			return nil, nil, rpc.NewStatus(rpc.CodeForbidden, "backup operations require upload rights")
		}
		var (
			domain string
			ids    []string
		)
		if err := decodeParams(req.Params, &domain, &ids); err != nil {
			return nil, nil, err
		}
		return nil, nil, pipe.Clean(ctx, domain, ids)

	case rpc.MethodDomainHash:
		if !s.allowUpload {
			return nil, nil, rpc.NewStatus(rpc.CodeForbidden, "backup operations require upload rights")
		}
		var domain string
		if err := decodeParams(req.Params, &domain); err != nil {
			return nil, nil, err
		}
		result, err := pipe.DomainHash(ctx, domain)
		return result, nil, err

	default:
		return nil, nil, rpc.NewStatus(rpc.CodeUnknownMethod, "unknown method %q", req.Method)
	}
}

// handleHello negotiates framing for the connection and reports the
// server version, the pipeline's committed position, and the resolved
// account. The response itself is already sent in the negotiated
// format.
func (m *Manager) handleHello(ctx context.Context, s *ClientSession, req rpc.Request, start time.Time) {
	var hello rpc.HelloRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &hello); err != nil {
			m.respond(ctx, s, req.ID, nil,
				fmt.Errorf("decoding hello params: %w", err), start)
			return
		}
	}

	compression := ""
	if m.enableCompression && hello.Compression != "" && rpc.ValidCompression(hello.Compression) {
		compression = hello.Compression
	}
	format := rpc.FrameFormat{Binary: hello.Binary, Compression: compression}
	m.mu.Lock()
	s.format = format
	reconnect := s.reconnect
	m.mu.Unlock()

	var lastTx, lastHash string
	if pipe, err := m.pipelineFor(ctx, s); err == nil {
		lastTx = pipe.LastTx()
		lastHash = pipe.LastHash()
	}

	m.respond(ctx, s, req.ID, rpc.HelloResponse{
		Binary:        format.Binary,
		Compression:   format.Compression,
		Reconnect:     reconnect,
		ServerVersion: m.ServerVersion(),
		LastTx:        lastTx,
		LastHash:      lastHash,
		Account:       s.account,
	}, nil, start)
}

// pipelineFor resolves the session's workspace pipeline, building it
// if this is the generation's first use.
func (m *Manager) pipelineFor(ctx context.Context, s *ClientSession) (pipeline.Pipeline, error) {
	m.mu.Lock()
	ws := m.workspaces[s.workspace]
	if ws == nil || ws.closing != nil {
		m.mu.Unlock()
		return nil, rpc.NewStatus(rpc.CodeWorkspaceClosing, "workspace %s is closing", s.workspace)
	}
	m.mu.Unlock()
	return ws.backend.get(ctx)
}

// countOp bumps a session's operation counters.
func (m *Manager) countOp(s *ClientSession, delta opCounters) {
	m.mu.Lock()
	s.total.Find += delta.Find
	s.total.Tx += delta.Tx
	m.mu.Unlock()
}

// runFollowup executes one pipeline-queued async followup under a
// fresh context, after the originating response has been sent.
func (m *Manager) runFollowup(s *ClientSession, followup pipeline.AsyncFollowup) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineCloseTimeout)
	defer cancel()
	if err := followup(ctx); err != nil {
		m.logger.Warn("async followup failed",
			"workspace", s.workspace, "session", s.id, "error", err)
	}
}

// respond sends the terminal response for one request, stamping the
// processing duration and the number of requests still in flight.
func (m *Manager) respond(ctx context.Context, s *ClientSession, id int64, result any, err error, start time.Time) {
	m.mu.Lock()
	format := s.format
	queue := len(s.requests) - 1
	if queue < 0 {
		queue = 0
	}
	m.mu.Unlock()

	response := rpc.Response{ID: id, Queue: queue}
	if err != nil {
		response.Error = rpc.AsStatus(err)
	} else {
		response.Result = result
	}
	response.Time = m.clock.Now().Sub(start).Milliseconds()
	m.send(ctx, s.socket, format, response)
}

// decodeParams unpacks a positional JSON params array into targets.
// Missing or null positions leave the target at its zero value.
func decodeParams(raw json.RawMessage, targets ...any) error {
	if len(raw) == 0 {
		return nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	for i, target := range targets {
		if i >= len(parts) {
			break
		}
		if len(parts[i]) == 0 || string(parts[i]) == "null" {
			continue
		}
		if err := json.Unmarshal(parts[i], target); err != nil {
			return fmt.Errorf("decoding param %d: %w", i, err)
		}
	}
	return nil
}
