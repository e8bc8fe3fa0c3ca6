// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
)

// countEvents returns how many pushed transactions on the socket
// carry the given workspace-event kind.
func countEvents(t *testing.T, responses []rpc.Response, event string) int {
	t.Helper()
	count := 0
	for _, response := range responses {
		txs, ok := response.Result.([]rpc.Tx)
		if !ok {
			continue
		}
		for _, tx := range txs {
			if tx.Class == rpc.ClassWorkspaceEvent && tx.Attributes["event"] == event {
				count++
			}
		}
	}
	return count
}

func TestTickPingsIdleSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	// Idle past the ping interval but nowhere near the hang timeout.
	env.clock.Advance(11 * time.Second)
	env.tick(TicksPerSecond)

	var pinged bool
	for _, response := range socket.Responses() {
		if response.Result == rpc.PingResult {
			pinged = true
		}
	}
	if !pinged {
		t.Error("idle session never pinged")
	}

	// The ping stamp stops a second ping within the same interval.
	before := len(socket.Frames())
	env.tick(TicksPerSecond)
	if got := len(socket.Frames()); got != before {
		t.Errorf("%d extra frames within one ping interval, want 0", got-before)
	}
}

func TestTickClosesHungSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	env.clock.Advance(61 * time.Second)
	env.tick(TicksPerSecond)

	if !socket.Closed() {
		t.Error("hung session still attached")
	}
	env.manager.mu.Lock()
	live := len(env.manager.sessions)
	env.manager.mu.Unlock()
	if live != 0 {
		t.Errorf("%d sessions registered after hang close, want 0", live)
	}
}

func TestSystemSessionsGetTenfoldHangTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	system := account.Token{Account: ref.SystemAccount, Workspace: workspace}
	_, socket := env.admit(system, account.EncodeInsecure(system), "")

	// Far past the user timeout, well inside the system one.
	env.clock.Advance(5 * time.Minute)
	env.tick(TicksPerSecond)
	if socket.Closed() {
		t.Fatal("system session closed inside its extended timeout")
	}

	env.clock.Advance(6 * time.Minute)
	env.tick(TicksPerSecond)
	if !socket.Closed() {
		t.Error("system session survived past ten times the hang timeout")
	}
}

func TestSoftShutdownReleasesEmptyWorkspace(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")
	env.manager.Close(context.Background(), socket, workspace)

	env.tick(softShutdownTicks + 1)
	waitFor(t, "workspace release", func() bool {
		env.manager.mu.Lock()
		defer env.manager.mu.Unlock()
		_, there := env.manager.workspaces[workspace]
		return !there
	})
}

func TestSoftShutdownCountdownResetsOnReattach(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")
	env.manager.Close(context.Background(), socket, workspace)

	env.tick(softShutdownTicks / 2)
	env.admit(token, raw, "")
	env.tick(softShutdownTicks)

	env.manager.mu.Lock()
	_, there := env.manager.workspaces[workspace]
	env.manager.mu.Unlock()
	if !there {
		t.Error("workspace torn down despite an attached session")
	}
}

func TestMaintenanceCountdownWarnsAndExpires(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	env.manager.ScheduleMaintenance(1, "rolling restart")
	if got := countEvents(t, socket.Responses(), rpc.EventMaintenance); got != 1 {
		t.Fatalf("%d immediate maintenance notices, want 1", got)
	}

	// A session admitted during the countdown is told on attach.
	lateToken, lateRaw := userToken(workspace)
	_, lateSocket := env.admit(lateToken, lateRaw, "")
	if got := countEvents(t, lateSocket.Responses(), rpc.EventMaintenance); got != 1 {
		t.Errorf("%d attach-time maintenance notices, want 1", got)
	}

	// Run the minute down; the countdown fires once more at zero.
	env.tick(60 * TicksPerSecond)
	if got := countEvents(t, socket.Responses(), rpc.EventMaintenance); got != 2 {
		t.Errorf("%d maintenance notices after expiry, want 2", got)
	}
}

func TestMaintenanceCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	env.manager.ScheduleMaintenance(1, "never mind")
	env.manager.ScheduleMaintenance(0, "")
	env.tick(61 * TicksPerSecond)

	if got := countEvents(t, socket.Responses(), rpc.EventMaintenance); got != 1 {
		t.Errorf("%d maintenance notices after cancel, want only the initial one", got)
	}
}

func TestTickReportsLastVisit(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	env.admit(token, raw, "")

	// One full minute of ticks crosses every workspace's stagger slot
	// exactly once.
	env.tick(60 * TicksPerSecond)
	waitFor(t, "last-visit report", func() bool {
		env.accounts.mu.Lock()
		defer env.accounts.mu.Unlock()
		return env.accounts.visits >= 1
	})
}

func TestTicksToMinutesRoundsUp(t *testing.T) {
	cases := []struct {
		ticks int
		want  int
	}{
		{0, 0},
		{1, 1},
		{30 * TicksPerSecond, 1},
		{60 * TicksPerSecond, 1},
		{61 * TicksPerSecond, 2},
	}
	for _, c := range cases {
		if got := ticksToMinutes(c.ticks); got != c.want {
			t.Errorf("ticksToMinutes(%d) = %d, want %d", c.ticks, got, c.want)
		}
	}
}
