// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tessera-foundation/tessera/lib/clock"
	"github.com/tessera-foundation/tessera/lib/codec"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/rpc"
)

// Proxy methods spoken between regions, on top of the ordinary
// request envelope. Every call carries the workspace as its first
// positional parameter.
const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodLoadLast    = "loadLast"
	methodCloseSess   = "closeSession"
)

// endpointFormat is the cross-region framing: always binary, never
// compressed. Both sides are servers on fast links; compression only
// adds latency here.
var endpointFormat = rpc.FrameFormat{Binary: true}

// ErrEndpointClosed is returned by calls on a closed EndpointClient.
var ErrEndpointClosed = errors.New("session: endpoint client closed")

// endpointResponse mirrors rpc.Response with a raw result so each
// call site decodes its own shape.
type endpointResponse struct {
	ID     int64            `json:"id" cbor:"id"`
	Result codec.RawMessage `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *rpc.Status      `json:"error,omitempty" cbor:"error,omitempty"`
}

// endpointPush is the payload of a server-initiated broadcast relayed
// from the owning region.
type endpointPush struct {
	Workspace ref.WorkspaceID `json:"workspace" cbor:"workspace"`
	Txs       []rpc.Tx        `json:"txs" cbor:"txs"`
	Target    []ref.AccountID `json:"target,omitempty" cbor:"target,omitempty"`
	Exclude   []ref.AccountID `json:"exclude,omitempty" cbor:"exclude,omitempty"`
}

// EndpointClient is one persistent connection to a remote region that
// owns the authoritative pipelines for some workspaces. It multiplexes
// request/response calls over the connection, keeps the remote side
// informed of which accounts and workspaces this region cares about,
// and relays pushed broadcasts into the local manager.
//
// The connection self-heals: a drop fails all in-flight calls, then a
// background loop redials with backoff and replays the full interest
// set so the remote resumes forwarding the right broadcasts.
type EndpointClient struct {
	url    string
	token  string
	logger *slog.Logger
	clock  clock.Clock

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   chan struct{}
	pending     map[int64]chan endpointResponse
	nextID      int64
	accounts    map[ref.AccountID]int
	workspaces  map[ref.WorkspaceID]int
	onBroadcast func(ctx context.Context, push endpointPush)
	closed      bool
	done        chan struct{}
}

// NewEndpointDialer returns the DialEndpoint function for Options,
// authenticating to remote regions with token.
func NewEndpointDialer(token string, logger *slog.Logger, clk clock.Clock) func(ctx context.Context, url string) (*EndpointClient, error) {
	if clk == nil {
		clk = clock.Real()
	}
	return func(ctx context.Context, url string) (*EndpointClient, error) {
		return DialEndpoint(ctx, url, token, logger, clk)
	}
}

// DialEndpoint creates a client for the remote endpoint and starts
// its connection loop. The first connection is established in the
// background; calls wait for it up to their context deadline.
func DialEndpoint(ctx context.Context, url, token string, logger *slog.Logger, clk clock.Clock) (*EndpointClient, error) {
	if url == "" {
		return nil, errors.New("session: endpoint URL is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &EndpointClient{
		url:        url,
		token:      token,
		logger:     logger,
		clock:      clk,
		connected:  make(chan struct{}),
		pending:    make(map[int64]chan endpointResponse),
		accounts:   make(map[ref.AccountID]int),
		workspaces: make(map[ref.WorkspaceID]int),
		done:       make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Close tears the client down and fails all in-flight calls.
func (c *EndpointClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.failPending(ErrEndpointClosed)
	if conn != nil {
		conn.Close()
	}
	return nil
}

// run redials until Close, replaying subscriptions after every
// reconnect.
func (c *EndpointClient) run() {
	backoff := time.Second
	reconnect := false
	for {
		select {
		case <-c.done:
			return
		default:
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.token)
		conn, _, err := websocket.DefaultDialer.Dial(c.url, header)
		if err != nil {
			c.logger.Warn("endpoint dial failed", "url", c.url, "error", err)
			c.clock.Sleep(backoff)
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		close(c.connected)
		c.mu.Unlock()
		c.logger.Info("endpoint connected", "url", c.url)

		// The replay runs off this goroutine: its response arrives on
		// the read loop, which has not started yet. First connections
		// skip it entirely, since interest registered before the dial
		// completed is sitting in blocked subscribe calls that announce
		// themselves the moment the connection opens.
		if reconnect {
			go c.resubscribe()
		}
		reconnect = true
		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = make(chan struct{})
		closed := c.closed
		c.mu.Unlock()
		conn.Close()
		c.failPending(fmt.Errorf("endpoint connection lost: %w", err))
		if closed {
			return
		}
		c.logger.Warn("endpoint disconnected", "url", c.url, "error", err)
	}
}

// readLoop decodes responses until the connection fails. ID 0 frames
// are pushed broadcasts; everything else completes a pending call.
func (c *EndpointClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var response endpointResponse
		if err := rpc.DecodeFrame(endpointFormat, data, &response); err != nil {
			c.logger.Warn("endpoint frame decode failed", "url", c.url, "error", err)
			continue
		}
		if response.ID == 0 {
			var push endpointPush
			if err := codec.Unmarshal(response.Result, &push); err != nil {
				c.logger.Warn("endpoint push decode failed", "url", c.url, "error", err)
				continue
			}
			c.mu.Lock()
			handler := c.onBroadcast
			c.mu.Unlock()
			if handler != nil {
				handler(context.Background(), push)
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[response.ID]
		delete(c.pending, response.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- response
		}
	}
}

func (c *EndpointClient) failPending(err error) {
	status := rpc.AsStatus(err)
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan endpointResponse)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- endpointResponse{ID: id, Error: status}
	}
}

// call performs one remote request and returns the raw result.
func (c *EndpointClient) call(ctx context.Context, method string, params ...any) (codec.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	connected := c.connected
	c.mu.Unlock()
	select {
	case <-connected:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrEndpointClosed
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.New("session: endpoint not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan endpointResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := rpc.EncodeFrame(endpointFormat, rpc.Request{ID: id, Method: method, Params: body})
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case response := <-ch:
		if response.Error != nil {
			return nil, response.Error
		}
		return response.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrEndpointClosed
	}
}

func (c *EndpointClient) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// addWorkspace and addAccount grow the refcounted interest set and
// inform the remote side; their remove counterparts shrink it. The
// remote only forwards broadcasts for subscribed workspaces and
// account-targeted events for subscribed accounts.
func (c *EndpointClient) addWorkspace(id ref.WorkspaceID) {
	c.mu.Lock()
	c.workspaces[id]++
	fresh := c.workspaces[id] == 1
	c.mu.Unlock()
	if fresh {
		c.subscribe(nil, []ref.WorkspaceID{id})
	}
}

func (c *EndpointClient) removeWorkspace(id ref.WorkspaceID) {
	c.mu.Lock()
	if c.workspaces[id] > 0 {
		c.workspaces[id]--
	}
	gone := c.workspaces[id] == 0
	if gone {
		delete(c.workspaces, id)
	}
	c.mu.Unlock()
	if gone {
		c.unsubscribe(nil, []ref.WorkspaceID{id})
	}
}

func (c *EndpointClient) addAccount(id ref.AccountID) {
	c.mu.Lock()
	c.accounts[id]++
	fresh := c.accounts[id] == 1
	c.mu.Unlock()
	if fresh {
		c.subscribe([]ref.AccountID{id}, nil)
	}
}

func (c *EndpointClient) removeAccount(id ref.AccountID) {
	c.mu.Lock()
	if c.accounts[id] > 0 {
		c.accounts[id]--
	}
	gone := c.accounts[id] == 0
	if gone {
		delete(c.accounts, id)
	}
	c.mu.Unlock()
	if gone {
		c.unsubscribe([]ref.AccountID{id}, nil)
	}
}

func (c *EndpointClient) subscribe(accounts []ref.AccountID, workspaces []ref.WorkspaceID) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := c.call(ctx, methodSubscribe, accounts, workspaces); err != nil {
		c.logger.Warn("endpoint subscribe failed", "url", c.url, "error", err)
	}
}

func (c *EndpointClient) unsubscribe(accounts []ref.AccountID, workspaces []ref.WorkspaceID) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := c.call(ctx, methodUnsubscribe, accounts, workspaces); err != nil {
		c.logger.Warn("endpoint unsubscribe failed", "url", c.url, "error", err)
	}
}

// resubscribe replays the entire interest set after a reconnect.
func (c *EndpointClient) resubscribe() {
	c.mu.Lock()
	accounts := make([]ref.AccountID, 0, len(c.accounts))
	for id := range c.accounts {
		accounts = append(accounts, id)
	}
	workspaces := make([]ref.WorkspaceID, 0, len(c.workspaces))
	for id := range c.workspaces {
		workspaces = append(workspaces, id)
	}
	c.mu.Unlock()
	if len(accounts) == 0 && len(workspaces) == 0 {
		return
	}
	c.subscribe(accounts, workspaces)
}

// endpoint returns the shared client for a remote URL, dialing on
// first use and wiring pushed broadcasts into local fan-out.
func (m *Manager) endpoint(ctx context.Context, url string) (*EndpointClient, error) {
	m.mu.Lock()
	c := m.endpoints[url]
	m.mu.Unlock()
	if c != nil {
		return c, nil
	}

	c, err := m.dialEndpoint(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing endpoint %s: %w", url, err)
	}
	m.mu.Lock()
	if existing := m.endpoints[url]; existing != nil {
		m.mu.Unlock()
		c.Close()
		return existing, nil
	}
	m.endpoints[url] = c
	m.mu.Unlock()

	c.mu.Lock()
	c.onBroadcast = func(ctx context.Context, push endpointPush) {
		m.BroadcastAll(ctx, push.Workspace, push.Txs, push.Target, push.Exclude)
	}
	c.mu.Unlock()
	return c, nil
}

// endpointBackend serves a workspace whose authoritative pipeline
// lives in another region. There is no local build step: get yields a
// proxy pipeline bound to the shared endpoint connection.
type endpointBackend struct {
	manager   *Manager
	workspace ref.WorkspaceID
	url       string

	mu     sync.Mutex
	client *EndpointClient
	pipe   *endpointPipeline
}

func (b *endpointBackend) get(ctx context.Context) (pipeline.Pipeline, error) {
	b.mu.Lock()
	if b.pipe != nil {
		pipe := b.pipe
		b.mu.Unlock()
		return pipe, nil
	}
	b.mu.Unlock()

	client, err := b.manager.endpoint(ctx, b.url)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pipe == nil {
		b.client = client
		b.pipe = &endpointPipeline{client: client, workspace: b.workspace}
		client.addWorkspace(b.workspace)
	}
	return b.pipe, nil
}

func (b *endpointBackend) close(context.Context) error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.pipe = nil
	b.mu.Unlock()
	if client != nil {
		client.removeWorkspace(b.workspace)
	}
	return nil
}

func (b *endpointBackend) reset() {
	b.mu.Lock()
	b.pipe = nil
	b.mu.Unlock()
}

// addAccountInterest and removeAccountInterest track which accounts
// have sessions on this proxied workspace, so the remote side can
// forward account-targeted broadcasts.
func (b *endpointBackend) addAccountInterest(id ref.AccountID) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client != nil {
		client.addAccount(id)
	}
}

func (b *endpointBackend) removeAccountInterest(id ref.AccountID) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client != nil {
		client.removeAccount(id)
	}
}

// endpointPipeline adapts the remote connection to the Pipeline
// contract so the manager treats local and proxied workspaces
// uniformly.
type endpointPipeline struct {
	client    *EndpointClient
	workspace ref.WorkspaceID

	lastMu   sync.Mutex
	lastTx   string
	lastHash string
}

func (p *endpointPipeline) FindAll(ctx context.Context, class string, query pipeline.Query, options pipeline.FindOptions) ([]pipeline.Document, error) {
	var docs []pipeline.Document
	err := p.invoke(ctx, rpc.MethodFindAll, &docs, p.workspace, class, query, options)
	return docs, err
}

func (p *endpointPipeline) FindOne(ctx context.Context, class string, query pipeline.Query) (pipeline.Document, error) {
	var doc pipeline.Document
	err := p.invoke(ctx, rpc.MethodFindOne, &doc, p.workspace, class, query)
	return doc, err
}

func (p *endpointPipeline) Tx(ctx context.Context, tx rpc.Tx) (pipeline.TxResult, error) {
	var result struct {
		Result  any      `json:"result" cbor:"result"`
		Derived []rpc.Tx `json:"derived" cbor:"derived"`
	}
	if err := p.invoke(ctx, rpc.MethodTx, &result, p.workspace, tx); err != nil {
		return pipeline.TxResult{}, err
	}
	// Followups stay in the owning region; only the direct result and
	// the broadcast batch cross the wire.
	return pipeline.TxResult{Result: result.Result, Derived: result.Derived}, nil
}

func (p *endpointPipeline) SearchFulltext(ctx context.Context, query pipeline.SearchQuery, options pipeline.SearchOptions) (pipeline.SearchResult, error) {
	var result pipeline.SearchResult
	err := p.invoke(ctx, rpc.MethodSearchFulltext, &result, p.workspace, query, options)
	return result, err
}

func (p *endpointPipeline) LoadModel(ctx context.Context, lastTx int64, hash string) (pipeline.ModelResponse, error) {
	var result pipeline.ModelResponse
	err := p.invoke(ctx, rpc.MethodLoadModel, &result, p.workspace, lastTx, hash)
	return result, err
}

// LastTx and LastHash fetch the remote position once and cache it;
// the hello handshake is the only consumer.
func (p *endpointPipeline) LastTx() string {
	tx, _ := p.last()
	return tx
}

func (p *endpointPipeline) LastHash() string {
	_, hash := p.last()
	return hash
}

func (p *endpointPipeline) last() (string, string) {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	if p.lastTx != "" || p.lastHash != "" {
		return p.lastTx, p.lastHash
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var result struct {
		LastTx   string `json:"lastTx" cbor:"lastTx"`
		LastHash string `json:"lastHash" cbor:"lastHash"`
	}
	if err := p.invoke(ctx, methodLoadLast, &result, p.workspace); err != nil {
		return "", ""
	}
	p.lastTx = result.LastTx
	p.lastHash = result.LastHash
	return p.lastTx, p.lastHash
}

func (p *endpointPipeline) CloseSession(ctx context.Context, id ref.SessionID) error {
	return p.invoke(ctx, methodCloseSess, nil, p.workspace, id)
}

func (p *endpointPipeline) LoadChunk(ctx context.Context, domain string, index int) (pipeline.Chunk, error) {
	var chunk pipeline.Chunk
	err := p.invoke(ctx, rpc.MethodLoadChunk, &chunk, p.workspace, domain, index)
	return chunk, err
}

func (p *endpointPipeline) CloseChunk(ctx context.Context, index int) error {
	return p.invoke(ctx, rpc.MethodCloseChunk, nil, p.workspace, index)
}

func (p *endpointPipeline) LoadDocs(ctx context.Context, domain string, ids []string) ([]pipeline.Document, error) {
	var docs []pipeline.Document
	err := p.invoke(ctx, rpc.MethodLoadDocs, &docs, p.workspace, domain, ids)
	return docs, err
}

func (p *endpointPipeline) Upload(ctx context.Context, domain string, docs []pipeline.Document) error {
	return p.invoke(ctx, rpc.MethodUpload, nil, p.workspace, domain, docs)
}

func (p *endpointPipeline) Clean(ctx context.Context, domain string, ids []string) error {
	return p.invoke(ctx, rpc.MethodClean, nil, p.workspace, domain, ids)
}

func (p *endpointPipeline) DomainHash(ctx context.Context, domain string) (string, error) {
	var hash string
	err := p.invoke(ctx, rpc.MethodDomainHash, &hash, p.workspace, domain)
	return hash, err
}

// Close is a no-op: the pipeline generation is a local notion, and
// the owning region keeps its pipeline alive for its own sessions.
func (p *endpointPipeline) Close(context.Context) error { return nil }

// invoke performs one remote call and decodes the result into out
// when both are present.
func (p *endpointPipeline) invoke(ctx context.Context, method string, out any, params ...any) error {
	raw, err := p.client.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}
