// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/transport"
)

// Run drives the tick loop until ctx is cancelled. Everything
// time-based in the manager (liveness, reconnect grace, soft
// shutdown, maintenance warnings) advances only through handleTick,
// so tests can skip Run and call handleTick directly against a fake
// clock.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.handleTick(ctx)
		}
	}
}

// pushTarget is one socket collected under the lock for a send that
// happens after release.
type pushTarget struct {
	socket transport.ConnectionSocket
	format rpc.FrameFormat
}

type hangTarget struct {
	socket    transport.ConnectionSocket
	workspace ref.WorkspaceID
	session   ref.SessionID
	idle      time.Duration
}

type stuckRequest struct {
	session ref.SessionID
	method  string
	id      int64
	age     time.Duration
}

type visitTarget struct {
	workspace ref.WorkspaceID
	rawToken  string
}

// handleTick advances all per-tick bookkeeping: maintenance
// countdown, workspace info refresh and last-visit reporting (once a
// minute per workspace, staggered by tick hash), reconnect grace
// handlers, per-session liveness (hang detection, idle pings, stuck
// request logging, five-minute counter rollover), and the
// soft-shutdown countdown for empty workspaces. State is mutated
// under the lock; sockets, the account service, and pipelines are
// only touched after release.
func (m *Manager) handleTick(ctx context.Context) {
	now := m.clock.Now()

	var (
		fired            []func()
		pings            []pushTarget
		hangs            []hangTarget
		stuck            []stuckRequest
		refreshes        []visitTarget
		lastVisits       []visitTarget
		closeChecks      []*Workspace
		maintenanceWarn  []pushTarget
		maintenanceEvent rpc.Tx
	)

	m.mu.Lock()
	m.ticks++
	ticks := m.ticks

	if m.maintenanceTicks > 0 {
		m.maintenanceTicks--
		// Warn every minute on the way down, and once more when the
		// countdown expires.
		if m.maintenanceTicks == 0 || m.maintenanceTicks%(60*TicksPerSecond) == 0 {
			maintenanceEvent = rpc.MaintenanceEvent(
				ticksToMinutes(m.maintenanceTicks), m.maintenanceMessage, now.UnixMilli())
			for _, s := range m.sessions {
				maintenanceWarn = append(maintenanceWarn, pushTarget{s.socket, s.format})
			}
		}
	}

	slot := ticks % TicksPerSecond
	for _, ws := range m.workspaces {
		if ticks%(60*TicksPerSecond) == ws.tickHash && ws.initCompleted {
			if entry, ok := m.infoCache[ws.id]; ok {
				refreshes = append(refreshes, visitTarget{ws.id, entry.rawToken})
			}
			for _, entry := range ws.sessions {
				acct := entry.session.account.UUID
				if !acct.IsSystem() && !acct.IsGuest() {
					lastVisits = append(lastVisits, visitTarget{ws.id, entry.session.rawToken})
					break
				}
			}
		}

		for id, h := range ws.tickHandlers {
			h.ticks--
			if h.ticks <= 0 {
				fired = append(fired, h.fire)
				delete(ws.tickHandlers, id)
			}
		}

		rollover := ticks%(5*60*TicksPerSecond) == ws.tickHash
		for _, entry := range ws.sessions {
			s := entry.session
			if rollover {
				s.mins5 = s.total.sub(s.snapshot)
				s.snapshot = s.total
			}
			if entry.tickSlot != slot {
				continue
			}
			idle := now.Sub(s.lastRequest)
			if idle > s.hangTimeout() && now.Sub(s.createTime) > s.hangTimeout() {
				hangs = append(hangs, hangTarget{entry.socket, ws.id, s.id, idle})
				continue
			}
			last := s.lastRequest
			if s.lastPing.After(last) {
				last = s.lastPing
			}
			if now.Sub(last) >= m.pingInterval {
				s.lastPing = now
				pings = append(pings, pushTarget{entry.socket, s.format})
			}
			for _, req := range s.requests {
				age := now.Sub(req.start)
				// Slot checks run once a second, so second
				// granularity catches each 30s boundary exactly once.
				if secs := int(age.Seconds()); secs >= 30 && secs%30 == 0 {
					stuck = append(stuck, stuckRequest{s.id, req.method, req.id, age})
				}
			}
		}

		if len(ws.sessions) == 0 && ws.closing == nil && ws.initCompleted {
			ws.softShutdown--
			if ws.softShutdown <= 0 {
				// Reset so a failed check does not re-fire every tick
				// while the async teardown is pending.
				ws.softShutdown = softShutdownTicks
				closeChecks = append(closeChecks, ws)
			}
		}
	}
	m.mu.Unlock()

	// Fired handlers do pipeline work (the reconnect expiry writes a
	// presence document); they run on their own goroutines so a slow
	// pipeline cannot stall the tick cadence.
	for _, f := range fired {
		go f()
	}
	for _, h := range hangs {
		m.logger.Warn("force closing hung session",
			"workspace", h.workspace, "session", h.session, "idle", h.idle)
		m.Close(ctx, h.socket, h.workspace)
	}
	for _, p := range pings {
		if err := p.socket.SendPing(ctx, p.format); err != nil {
			m.logger.Debug("ping failed", "socket", p.socket.ID(), "error", err)
		}
	}
	for _, s := range stuck {
		m.logger.Warn("request still outstanding",
			"session", s.session, "method", s.method, "request", s.id, "age", s.age)
	}
	for _, t := range maintenanceWarn {
		m.send(ctx, t.socket, t.format, rpc.Response{Result: []rpc.Tx{maintenanceEvent}})
	}
	for _, r := range refreshes {
		go m.refreshWorkspaceInfo(r.workspace, r.rawToken)
	}
	for _, v := range lastVisits {
		go func(v visitTarget) {
			visitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := m.accounts.UpdateLastVisit(visitCtx, v.rawToken, []ref.WorkspaceID{v.workspace}); err != nil {
				m.logger.Debug("last-visit update failed", "workspace", v.workspace, "error", err)
			}
		}(v)
	}
	for _, ws := range closeChecks {
		go m.workspaceCloseCheck(ws)
	}
}

// refreshWorkspaceInfo refetches cached status for a live workspace.
func (m *Manager) refreshWorkspaceInfo(workspace ref.WorkspaceID, rawToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	info, err := m.accounts.GetWorkspaceInfo(ctx, rawToken)
	if err != nil {
		m.logger.Debug("workspace info refresh failed", "workspace", workspace, "error", err)
		return
	}
	m.mu.Lock()
	m.infoCache[workspace] = cachedInfo{info: *info, rawToken: rawToken, fetched: m.clock.Now()}
	m.mu.Unlock()
}

// workspaceCloseCheck is the async half of soft shutdown. The
// emptiness re-check guards against a session reattaching between the
// countdown expiring and this goroutine winning the lock.
func (m *Manager) workspaceCloseCheck(ws *Workspace) {
	m.mu.Lock()
	if m.workspaces[ws.id] != ws || len(ws.sessions) != 0 || ws.closing != nil {
		m.mu.Unlock()
		return
	}
	ws.closing = make(chan struct{})
	delete(m.workspaces, ws.id)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pipelineCloseTimeout+time.Second)
	defer cancel()
	err := ws.backend.close(ctx)
	close(ws.closing)
	if err != nil {
		m.logger.Error("soft shutdown close", "workspace", ws.id, "error", err)
		return
	}
	m.logger.Info("workspace released after soft shutdown", "workspace", ws.id)
}

// ScheduleMaintenance starts (or with minutes <= 0 cancels) a
// maintenance countdown. Every session in every workspace gets a
// warning immediately, then once a minute as the window approaches.
func (m *Manager) ScheduleMaintenance(minutes int, message string) {
	now := m.clock.Now()
	var targets []pushTarget
	m.mu.Lock()
	if minutes <= 0 {
		m.maintenanceTicks = 0
		m.maintenanceMessage = ""
		m.mu.Unlock()
		return
	}
	m.maintenanceTicks = minutes * 60 * TicksPerSecond
	m.maintenanceMessage = message
	for _, s := range m.sessions {
		targets = append(targets, pushTarget{s.socket, s.format})
	}
	m.mu.Unlock()

	evt := rpc.MaintenanceEvent(minutes, message, now.UnixMilli())
	for _, t := range targets {
		m.send(context.Background(), t.socket, t.format, rpc.Response{Result: []rpc.Tx{evt}})
	}
	m.logger.Info("maintenance scheduled", "minutes", minutes)
}

// ForceMaintenance pushes an immediate zero-minute maintenance notice
// to one workspace, used when an operator needs a single tenant to
// disconnect now.
func (m *Manager) ForceMaintenance(ctx context.Context, workspace ref.WorkspaceID) {
	var targets []pushTarget
	m.mu.Lock()
	if ws := m.workspaces[workspace]; ws != nil {
		for _, entry := range ws.sessions {
			targets = append(targets, pushTarget{entry.socket, entry.session.format})
		}
	}
	m.mu.Unlock()

	evt := rpc.MaintenanceEvent(0, "", m.clock.Now().UnixMilli())
	for _, t := range targets {
		m.send(ctx, t.socket, t.format, rpc.Response{Result: []rpc.Tx{evt}})
	}
}

// ticksToMinutes converts a tick countdown to whole minutes, rounding
// up so "30 seconds left" still reads as one minute.
func ticksToMinutes(ticks int) int {
	return (ticks + 60*TicksPerSecond - 1) / (60 * TicksPerSecond)
}
