// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-memory Pipeline used by the dev server and
// the session-layer tests. It implements the full contract — document
// CRUD, naive fulltext search, model loading, and the backup chunk
// surface — against process-local maps, with BLAKE3 keyed hashes for
// the domain and transaction-position hashes.
package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/rpc"
)

// txHashKey is the BLAKE3 key for transaction-position hashes.
// Domain separation from domainHashKey; fixed protocol constant.
var txHashKey = [32]byte{
	't', 'e', 's', 's', 'e', 'r', 'a', '.', 't', 'x', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// domainHashKey is the BLAKE3 key for backup domain hashes.
var domainHashKey = [32]byte{
	't', 'e', 's', 's', 'e', 'r', 'a', '.', 'd', 'o', 'm', 'a', 'i', 'n', 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// chunkSize is the number of documents per backup chunk.
const chunkSize = 200

// Pipeline is the in-memory implementation. Safe for concurrent use.
type Pipeline struct {
	workspace ref.WorkspaceID
	broadcast pipeline.BroadcastFunc

	mu        sync.RWMutex
	docs      map[string]map[string]pipeline.Document // class -> id -> doc
	modelTxs  []rpc.Tx
	lastTx    string
	lastHash  string
	chunks    map[int][]pipeline.Document // open backup cursors
	nextChunk int
	closed    bool
}

// New builds a memory pipeline. Matches pipeline.Factory so it plugs
// directly into the session manager:
//
//	manager := session.NewManager(..., memory.New, ...)
func New(_ context.Context, workspace ref.WorkspaceID, broadcast pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
	return &Pipeline{
		workspace: workspace,
		broadcast: broadcast,
		docs:      make(map[string]map[string]pipeline.Document),
		chunks:    make(map[int][]pipeline.Document),
	}, nil
}

func (p *Pipeline) FindAll(_ context.Context, class string, query pipeline.Query, options pipeline.FindOptions) ([]pipeline.Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("memory: pipeline closed")
	}

	var result []pipeline.Document
	for _, doc := range p.docs[class] {
		if matches(doc, query) {
			result = append(result, doc)
		}
	}
	sortDocs(result, options.Sort)
	if options.Limit > 0 && len(result) > options.Limit {
		result = result[:options.Limit]
	}
	return result, nil
}

func (p *Pipeline) FindOne(ctx context.Context, class string, query pipeline.Query) (pipeline.Document, error) {
	docs, err := p.FindAll(ctx, class, query, pipeline.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (p *Pipeline) Tx(_ context.Context, tx rpc.Tx) (pipeline.TxResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pipeline.TxResult{}, fmt.Errorf("memory: pipeline closed")
	}

	objectID, _ := tx.Attributes["objectId"].(string)
	if objectID == "" {
		return pipeline.TxResult{}, fmt.Errorf("memory: tx %s missing objectId", tx.ID)
	}
	class := tx.ObjectClass
	if class == "" {
		return pipeline.TxResult{}, fmt.Errorf("memory: tx %s missing objectClass", tx.ID)
	}

	switch tx.Class {
	case rpc.ClassCreateDoc:
		if p.docs[class] == nil {
			p.docs[class] = make(map[string]pipeline.Document)
		}
		doc := pipeline.Document{"_id": objectID, "_class": class}
		applyAttributes(doc, tx.Attributes)
		p.docs[class][objectID] = doc
	case rpc.ClassUpdateDoc:
		doc, ok := p.docs[class][objectID]
		if !ok {
			return pipeline.TxResult{}, fmt.Errorf("memory: update of missing document %s/%s", class, objectID)
		}
		applyAttributes(doc, tx.Attributes)
	case rpc.ClassRemoveDoc:
		delete(p.docs[class], objectID)
	default:
		return pipeline.TxResult{}, fmt.Errorf("memory: unknown tx class %q", tx.Class)
	}

	p.lastTx = tx.ID
	p.lastHash = chainHash(p.lastHash, tx.ID)

	return pipeline.TxResult{
		Result:  map[string]any{"_id": tx.ID},
		Derived: []rpc.Tx{tx},
	}, nil
}

func (p *Pipeline) SearchFulltext(_ context.Context, query pipeline.SearchQuery, options pipeline.SearchOptions) (pipeline.SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	needle := strings.ToLower(query.Query)
	var docs []pipeline.Document
	for class, byID := range p.docs {
		if len(query.Classes) > 0 && !slices.Contains(query.Classes, class) {
			continue
		}
		for _, doc := range byID {
			if docMatchesText(doc, needle) {
				docs = append(docs, doc)
			}
		}
	}
	total := len(docs)
	if options.Limit > 0 && len(docs) > options.Limit {
		docs = docs[:options.Limit]
	}
	return pipeline.SearchResult{Docs: docs, Total: total}, nil
}

func (p *Pipeline) LoadModel(_ context.Context, lastTx int64, hash string) (pipeline.ModelResponse, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if hash != "" && hash == p.lastHash {
		return pipeline.ModelResponse{Hash: p.lastHash, Full: false}, nil
	}
	var newer []rpc.Tx
	for _, tx := range p.modelTxs {
		if tx.ModifiedOn > lastTx {
			newer = append(newer, tx)
		}
	}
	return pipeline.ModelResponse{Transactions: newer, Hash: p.lastHash, Full: true}, nil
}

// Push broadcasts transactions to the workspace's sessions outside
// any client request, exercising the pipeline-initiated broadcast
// path.
func (p *Pipeline) Push(ctx context.Context, txs []rpc.Tx) {
	if p.broadcast != nil {
		p.broadcast(ctx, txs, nil, nil)
	}
}

// AddModelTx seeds a model transaction, for dev servers and tests.
func (p *Pipeline) AddModelTx(tx rpc.Tx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modelTxs = append(p.modelTxs, tx)
}

func (p *Pipeline) LastTx() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastTx
}

func (p *Pipeline) LastHash() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastHash
}

func (p *Pipeline) CloseSession(context.Context, ref.SessionID) error { return nil }

func (p *Pipeline) LoadChunk(_ context.Context, domain string, index int) (pipeline.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.chunks[index]
	if !ok {
		pending = p.domainDocsLocked(domain)
		index = p.nextChunk
		p.nextChunk++
	}
	chunk := pipeline.Chunk{Index: index}
	if len(pending) <= chunkSize {
		chunk.Docs = pending
		chunk.Final = true
		delete(p.chunks, index)
	} else {
		chunk.Docs = pending[:chunkSize]
		p.chunks[index] = pending[chunkSize:]
	}
	return chunk, nil
}

// domainDocsLocked snapshots a domain's documents in ID order, so a
// backup cursor walks a stable sequence even as the live maps mutate.
func (p *Pipeline) domainDocsLocked(domain string) []pipeline.Document {
	docs := make([]pipeline.Document, 0, len(p.docs[domain]))
	for _, doc := range p.docs[domain] {
		docs = append(docs, doc)
	}
	sortDocs(docs, nil)
	return docs
}

func (p *Pipeline) CloseChunk(_ context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.chunks, index)
	return nil
}

func (p *Pipeline) LoadDocs(_ context.Context, domain string, ids []string) ([]pipeline.Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byID := p.docs[domain]
	var docs []pipeline.Document
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (p *Pipeline) Upload(_ context.Context, domain string, docs []pipeline.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.docs[domain] == nil {
		p.docs[domain] = make(map[string]pipeline.Document)
	}
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		if id == "" {
			return fmt.Errorf("memory: uploaded document missing _id")
		}
		p.docs[domain][id] = doc
	}
	return nil
}

func (p *Pipeline) Clean(_ context.Context, domain string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.docs[domain], id)
	}
	return nil
}

// DomainHash is content-defined: the keyed BLAKE3 hash over the
// sorted document IDs in the domain. Two replicas with the same
// documents produce the same hash regardless of insertion order.
func (p *Pipeline) DomainHash(_ context.Context, domain string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.docs[domain]))
	for id := range p.docs[domain] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hasher, err := blake3.NewKeyed(domainHashKey[:])
	if err != nil {
		return "", fmt.Errorf("memory: domain hasher: %w", err)
	}
	for _, id := range ids {
		hasher.Write([]byte(id))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (p *Pipeline) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// chainHash folds a transaction ID into the running position hash.
func chainHash(previous, txID string) string {
	hasher, err := blake3.NewKeyed(txHashKey[:])
	if err != nil {
		panic("memory: tx hasher: " + err.Error())
	}
	hasher.Write([]byte(previous))
	hasher.Write([]byte(txID))
	return hex.EncodeToString(hasher.Sum(nil))
}

func applyAttributes(doc pipeline.Document, attributes map[string]any) {
	for key, value := range attributes {
		if key == "objectId" {
			continue
		}
		doc[key] = value
	}
}

func matches(doc pipeline.Document, query pipeline.Query) bool {
	for key, want := range query {
		if doc[key] != want {
			return false
		}
	}
	return true
}

func docMatchesText(doc pipeline.Document, needle string) bool {
	for _, value := range doc {
		if s, ok := value.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

func sortDocs(docs []pipeline.Document, keys map[string]int) {
	if len(keys) == 0 {
		sort.Slice(docs, func(i, j int) bool {
			a, _ := docs[i]["_id"].(string)
			b, _ := docs[j]["_id"].(string)
			return a < b
		})
		return
	}
	for key, direction := range keys {
		sort.SliceStable(docs, func(i, j int) bool {
			a := fmt.Sprintf("%v", docs[i][key])
			b := fmt.Sprintf("%v", docs[j][key])
			if direction < 0 {
				return a > b
			}
			return a < b
		})
	}
}
