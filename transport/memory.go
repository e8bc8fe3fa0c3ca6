// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
)

// MemorySocket is an in-process ConnectionSocket that records every
// frame it is asked to send. Session-manager tests use it to assert
// send ordering (response before broadcast) and close behavior
// without a network.
type MemorySocket struct {
	id string

	mu     sync.Mutex
	frames []MemoryFrame
	closed bool

	// Notify receives a signal after every recorded frame, if set
	// before the first send. Lets tests block until a broadcast
	// arrives.
	Notify chan struct{}
}

// MemoryFrame is one recorded send.
type MemoryFrame struct {
	Format rpc.FrameFormat
	Value  any
}

// NewMemorySocket creates an open MemorySocket with a fresh ID.
func NewMemorySocket() *MemorySocket {
	return &MemorySocket{id: ref.NewID()}
}

func (m *MemorySocket) ID() string { return m.id }

func (m *MemorySocket) Send(_ context.Context, format rpc.FrameFormat, v any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSocketClosed
	}
	m.frames = append(m.frames, MemoryFrame{Format: format, Value: v})
	notify := m.Notify
	m.mu.Unlock()

	if notify != nil {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *MemorySocket) SendPing(ctx context.Context, format rpc.FrameFormat) error {
	return m.Send(ctx, format, rpc.Response{Result: rpc.PingResult})
}

func (m *MemorySocket) Backpressured() bool { return false }

func (m *MemorySocket) Drain(context.Context) error { return nil }

func (m *MemorySocket) CheckState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *MemorySocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemorySocket) Data() map[string]any {
	return map[string]any{"transport": "memory"}
}

// Frames returns a copy of every frame sent so far.
func (m *MemorySocket) Frames() []MemoryFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryFrame(nil), m.frames...)
}

// Responses returns only the rpc.Response frames sent so far.
func (m *MemorySocket) Responses() []rpc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rpc.Response
	for _, frame := range m.frames {
		if response, ok := frame.Value.(rpc.Response); ok {
			out = append(out, response)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (m *MemorySocket) Closed() bool {
	return !m.CheckState()
}
