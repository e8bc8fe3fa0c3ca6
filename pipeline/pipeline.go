// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline defines the contract between the session layer and
// a workspace's transaction-processing engine. The session manager
// owns pipeline lifecycle — lazy memoized construction, upgrade
// cutover, bounded-timeout close — but never looks inside query
// planning or persistence; those live behind this interface.
package pipeline

import (
	"context"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
)

// Document is one schemaless document returned by queries.
type Document map[string]any

// Query is a schemaless document filter, matched field-by-field.
type Query map[string]any

// FindOptions bounds and orders a FindAll call.
type FindOptions struct {
	Limit int            `json:"limit,omitempty" cbor:"limit,omitempty"`
	Sort  map[string]int `json:"sort,omitempty" cbor:"sort,omitempty"`
}

// SearchQuery is a fulltext search request.
type SearchQuery struct {
	Query   string   `json:"query" cbor:"query"`
	Classes []string `json:"classes,omitempty" cbor:"classes,omitempty"`
}

// SearchOptions bounds a fulltext search.
type SearchOptions struct {
	Limit int `json:"limit,omitempty" cbor:"limit,omitempty"`
}

// SearchResult is one fulltext search response.
type SearchResult struct {
	Docs  []Document `json:"docs" cbor:"docs"`
	Total int        `json:"total" cbor:"total"`
}

// ModelResponse answers LoadModel: the model transactions newer than
// the client's position, or Full=false with no transactions when the
// client hash is already current.
type ModelResponse struct {
	Transactions []rpc.Tx `json:"transactions" cbor:"transactions"`
	Hash         string   `json:"hash,omitempty" cbor:"hash,omitempty"`
	Full         bool     `json:"full" cbor:"full"`
}

// AsyncFollowup is deferred work the pipeline queued while applying a
// transaction (trigger-derived updates, index maintenance). The
// session layer runs followups after the direct response has been
// sent, under a fresh trace context.
type AsyncFollowup func(ctx context.Context) error

// TxResult is the outcome of applying one transaction.
type TxResult struct {
	// Result is the direct result returned to the submitting client.
	Result any

	// Derived is the transaction batch to broadcast to the rest of
	// the workspace (includes the applied transaction itself plus any
	// trigger-derived ones).
	Derived []rpc.Tx

	// Followups is deferred work to run after the response is sent.
	Followups []AsyncFollowup
}

// Chunk is one page of a domain backup stream.
type Chunk struct {
	Index int        `json:"index" cbor:"index"`
	Docs  []Document `json:"docs" cbor:"docs"`
	Final bool       `json:"final" cbor:"final"`
}

// Pipeline is the transaction-processing engine for one workspace.
// Implementations must be safe for concurrent use: many sessions call
// into one pipeline.
type Pipeline interface {
	// FindAll runs a query against class documents.
	FindAll(ctx context.Context, class string, query Query, options FindOptions) ([]Document, error)

	// FindOne returns the first match or nil.
	FindOne(ctx context.Context, class string, query Query) (Document, error)

	// Tx applies one transaction.
	Tx(ctx context.Context, tx rpc.Tx) (TxResult, error)

	// SearchFulltext runs a fulltext query.
	SearchFulltext(ctx context.Context, query SearchQuery, options SearchOptions) (SearchResult, error)

	// LoadModel returns model transactions after lastTx, or a
	// not-modified response when hash is current.
	LoadModel(ctx context.Context, lastTx int64, hash string) (ModelResponse, error)

	// LastTx and LastHash report the pipeline's committed position,
	// surfaced in the hello handshake.
	LastTx() string
	LastHash() string

	// CloseSession releases per-session pipeline state (query
	// subscriptions, cursors) for a departed session.
	CloseSession(ctx context.Context, id ref.SessionID) error

	// Backup surface. Only sessions admitted with upload rights reach
	// these.
	LoadChunk(ctx context.Context, domain string, index int) (Chunk, error)
	CloseChunk(ctx context.Context, index int) error
	LoadDocs(ctx context.Context, domain string, ids []string) ([]Document, error)
	Upload(ctx context.Context, domain string, docs []Document) error
	Clean(ctx context.Context, domain string, ids []string) error
	DomainHash(ctx context.Context, domain string) (string, error)

	// Close tears the pipeline down. The session layer bounds this
	// with a timeout; a hung Close must not leak goroutines that hold
	// the context.
	Close(ctx context.Context) error
}

// BroadcastFunc is how a pipeline pushes spontaneous transactions
// (not tied to an in-flight request) back into the session layer's
// fan-out. target narrows delivery to an allow-list of accounts;
// exclude is a deny-list applied when target is nil.
type BroadcastFunc func(ctx context.Context, txs []rpc.Tx, target []ref.AccountID, exclude []ref.AccountID)

// Factory builds the pipeline for one workspace. Called at most once
// per workspace generation; concurrent admissions share a single
// build. The broadcast function is how the built pipeline reaches the
// workspace's sessions.
type Factory func(ctx context.Context, workspace ref.WorkspaceID, broadcast BroadcastFunc) (Pipeline, error)
