// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
)

// sendQueueSize is the per-connection outbound frame queue. The
// high-water mark for backpressure is half of it.
const sendQueueSize = 256

// writeTimeout bounds one websocket write. A peer that cannot accept
// a frame within this window is closed by the write pump.
const writeTimeout = 30 * time.Second

// Upgrader upgrades HTTP requests to websocket connections.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// Admission (token verification) is the access control; the
	// websocket layer accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebsocketConnection is the production ConnectionSocket over a
// gorilla websocket. Writes are serialized through a single write
// pump goroutine; reads belong to the caller's read loop.
type WebsocketConnection struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	sendQueue chan outboundFrame
	done      chan struct{} // closed on Close; stops the write pump

	mu     sync.Mutex
	closed bool

	remoteAddr string
}

type outboundFrame struct {
	messageType int
	data        []byte
}

// Upgrade upgrades an HTTP request and starts the write pump.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*WebsocketConnection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	c := &WebsocketConnection{
		id:         ref.NewID(),
		conn:       conn,
		logger:     logger,
		sendQueue:  make(chan outboundFrame, sendQueueSize),
		done:       make(chan struct{}),
		remoteAddr: r.RemoteAddr,
	}
	go c.writePump()
	return c, nil
}

// writePump serializes all writes to the websocket. It exits on Close
// or when a write fails.
func (c *WebsocketConnection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendQueue:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				// Transport errors are terminal for the connection.
				// Logged here, not rethrown into business logic; the
				// session manager notices via CheckState and the read
				// loop's error.
				c.logger.Debug("websocket write failed", "socket", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *WebsocketConnection) ID() string { return c.id }

// Send encodes v and enqueues the frame. If the queue is full the
// frame waits (bounded by ctx), applying natural backpressure to the
// producer without blocking the socket's peers.
func (c *WebsocketConnection) Send(ctx context.Context, format rpc.FrameFormat, v any) error {
	data, err := rpc.EncodeFrame(format, v)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if format.Binary {
		messageType = websocket.BinaryMessage
	}

	// The enqueue select below picks an arm at random when several are
	// ready, so an already-closed socket must be refused up front or a
	// frame could land on a queue nothing will ever drain.
	select {
	case <-c.done:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.sendQueue <- outboundFrame{messageType: messageType, data: data}:
		return nil
	case <-c.done:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendPing enqueues a protocol-level ping response frame.
func (c *WebsocketConnection) SendPing(ctx context.Context, format rpc.FrameFormat) error {
	return c.Send(ctx, format, rpc.Response{Result: rpc.PingResult})
}

func (c *WebsocketConnection) Backpressured() bool {
	return len(c.sendQueue) >= sendQueueSize/2
}

// Drain polls the queue level down below the high-water mark. The
// write pump drains continuously, so polling at a short interval is
// simpler than wiring level-crossing notifications and costs nothing
// measurable at this timeout scale.
func (c *WebsocketConnection) Drain(ctx context.Context) error {
	for c.Backpressured() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

func (c *WebsocketConnection) CheckState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close closes the websocket and stops the write pump. Idempotent.
func (c *WebsocketConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

// ReadFrame blocks on the next inbound frame and decodes it into a
// Request. Framing is detected per message (text is JSON, binary is
// tagged CBOR) rather than taken from the negotiated format, since
// the format changes mid-connection at the hello handshake. The
// session server's read loop owns this; the returned error is
// terminal for the connection.
func (c *WebsocketConnection) ReadFrame() (rpc.Request, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return rpc.Request{}, fmt.Errorf("transport: websocket read: %w", err)
	}
	var request rpc.Request
	format := rpc.FrameFormat{Binary: messageType == websocket.BinaryMessage}
	if err := rpc.DecodeFrame(format, data, &request); err != nil {
		return rpc.Request{}, err
	}
	return request, nil
}

func (c *WebsocketConnection) Data() map[string]any {
	return map[string]any{
		"transport": "websocket",
		"remote":    c.remoteAddr,
	}
}
