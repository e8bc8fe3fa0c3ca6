// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tessera-foundation/tessera/lib/clock"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/transport"
)

// TicksPerSecond is the tick loop rate. Per-session liveness work is
// spread across the second by tick slot, so each session is visited
// once per second regardless of the tick rate.
const TicksPerSecond = 20

const (
	// softShutdownTicks is how long an empty workspace lingers before
	// its pipeline is torn down. A session arriving during the
	// countdown resets it.
	softShutdownTicks = 15 * TicksPerSecond

	// pipelineCloseTimeout bounds Pipeline.Close during shutdown and
	// upgrade cutover. A hung pipeline must never block either.
	pipelineCloseTimeout = 120 * time.Second
)

// tickHandler fires once after a countdown of ticks unless cancelled
// by deleting it from the workspace's handler map first. The reconnect
// grace window is the only current user.
type tickHandler struct {
	ticks int
	fire  func()
}

// sessionEntry is one attached session as the workspace tracks it.
type sessionEntry struct {
	session *ClientSession
	socket  transport.ConnectionSocket

	// tickSlot spreads per-second session work across the tick loop:
	// the session is inspected only on ticks where
	// ticks % TicksPerSecond == tickSlot.
	tickSlot int
}

// Workspace is one tenant's live state: its pipeline backend, the
// attached sessions, and the lifecycle bookkeeping (upgrade flag, soft
// shutdown countdown, reconnect grace handlers). All fields are
// guarded by the owning Manager's mutex; the backend has its own
// internal synchronization because pipeline construction and close
// happen outside that lock.
type Workspace struct {
	id  ref.WorkspaceID
	url string

	// version is the model version reported by the account service at
	// creation time.
	version string

	backend backend

	sessions map[ref.SessionID]*sessionEntry

	// upgrade blocks ordinary admissions and suppresses broadcast
	// while an upgrade client owns the workspace.
	upgrade bool

	// closing is non-nil while a full close is in progress and is
	// closed when it completes. A nil value means the workspace is
	// live.
	closing chan struct{}

	softShutdown int

	tickHandlers map[ref.SessionID]*tickHandler

	// tickHash staggers once-per-minute work across workspaces so a
	// process with many tenants does not burst its account-service
	// refreshes on the same tick.
	tickHash int

	// initCompleted flips on the first successful admission and stays
	// set; it distinguishes a workspace that never accepted a session
	// from one that drained.
	initCompleted bool
}

func newWorkspace(id ref.WorkspaceID, url, version string, b backend) *Workspace {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &Workspace{
		id:           id,
		url:          url,
		version:      version,
		backend:      b,
		sessions:     make(map[ref.SessionID]*sessionEntry),
		softShutdown: softShutdownTicks,
		tickHandlers: make(map[ref.SessionID]*tickHandler),
		tickHash:     int(h.Sum32()) % (60 * TicksPerSecond),
	}
}

// sessionForAccount reports whether any attached session belongs to
// the account. Callers hold the Manager mutex.
func (w *Workspace) sessionForAccount(id ref.AccountID) bool {
	for _, entry := range w.sessions {
		if entry.session.account.UUID == id {
			return true
		}
	}
	return false
}

// backend owns one workspace generation's pipeline. get builds it on
// first use; reset ends the generation so the next get builds a fresh
// one. Implementations are safe for concurrent use.
type backend interface {
	// get returns the generation's pipeline, building it if needed.
	// Concurrent callers share a single build; a failed build is
	// sticky until reset.
	get(ctx context.Context) (pipeline.Pipeline, error)

	// close tears the current pipeline down under a bounded timeout
	// and leaves the backend empty.
	close(ctx context.Context) error

	// reset discards any build state (including a sticky failure) so
	// the next get starts a new generation.
	reset()
}

// localBackend memoizes construction of an in-process pipeline. The
// state is a tagged progression: empty, building (the channel is
// non-nil and open), ready (pipe set), or failed (buildErr set).
type localBackend struct {
	workspace ref.WorkspaceID
	factory   pipeline.Factory
	broadcast pipeline.BroadcastFunc
	clock     clock.Clock

	// buildCtx detaches the build from any single waiter: admissions
	// share one construction, so the first caller's cancellation must
	// not fail everyone else's.
	buildCtx context.Context

	mu       sync.Mutex
	pipe     pipeline.Pipeline
	building chan struct{}
	buildErr error

	// gen is bumped by close and reset. A build that started under an
	// older generation discards its product instead of storing it, so
	// a pipeline constructed before an upgrade drain can never become
	// the post-drain generation.
	gen int
}

func (b *localBackend) get(ctx context.Context) (pipeline.Pipeline, error) {
	b.mu.Lock()
	for {
		if b.pipe != nil {
			pipe := b.pipe
			b.mu.Unlock()
			return pipe, nil
		}
		if b.buildErr != nil {
			err := b.buildErr
			b.mu.Unlock()
			return nil, err
		}
		if b.building != nil {
			wait := b.building
			b.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			b.mu.Lock()
			continue
		}

		done := make(chan struct{})
		b.building = done
		gen := b.gen
		b.mu.Unlock()

		pipe, err := b.factory(b.buildCtx, b.workspace, b.broadcast)

		b.mu.Lock()
		if b.gen != gen {
			// The generation ended while this build was in flight. Tear
			// the orphan down in the background and rejoin whatever the
			// current generation is doing.
			if b.building == done {
				b.building = nil
			}
			close(done)
			b.mu.Unlock()
			if pipe != nil {
				go func() {
					closeCtx, cancel := context.WithTimeout(context.Background(), pipelineCloseTimeout)
					defer cancel()
					pipe.Close(closeCtx)
				}()
			}
			b.mu.Lock()
			continue
		}
		if err != nil {
			b.buildErr = fmt.Errorf("building pipeline for %s: %w", b.workspace, err)
		} else {
			b.pipe = pipe
		}
		b.building = nil
		close(done)
		b.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("building pipeline for %s: %w", b.workspace, err)
		}
		return pipe, nil
	}
}

func (b *localBackend) close(ctx context.Context) error {
	// An in-flight build must finish (or time out) before the
	// generation ends, otherwise its product would escape this close.
	b.mu.Lock()
	for b.building != nil {
		wait := b.building
		b.mu.Unlock()
		select {
		case <-wait:
		case <-b.clock.After(pipelineCloseTimeout):
			b.mu.Lock()
			b.gen++
			b.mu.Unlock()
			return fmt.Errorf("closing pipeline for %s: build still in flight after %s",
				b.workspace, pipelineCloseTimeout)
		case <-ctx.Done():
			b.mu.Lock()
			b.gen++
			b.mu.Unlock()
			return ctx.Err()
		}
		b.mu.Lock()
	}
	pipe := b.pipe
	b.pipe = nil
	b.buildErr = nil
	b.gen++
	b.mu.Unlock()
	if pipe == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- pipe.Close(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("closing pipeline for %s: %w", b.workspace, err)
		}
		return nil
	case <-b.clock.After(pipelineCloseTimeout):
		return fmt.Errorf("closing pipeline for %s: timed out after %s",
			b.workspace, pipelineCloseTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *localBackend) reset() {
	b.mu.Lock()
	b.pipe = nil
	b.buildErr = nil
	b.gen++
	b.mu.Unlock()
}
