// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-foundation/tessera/rpc"
)

func TestGetStatistics(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	aToken, aRaw := userToken(workspace)
	bToken, bRaw := userToken(workspace)
	a, _ := env.admit(aToken, aRaw, "")
	env.admit(bToken, bRaw, "")

	env.manager.HandleRequest(context.Background(), a, request(t, 1, rpc.MethodTx, createDocTx("task")))
	env.manager.HandleRequest(context.Background(), a,
		request(t, 2, rpc.MethodFindAll, "task", map[string]any{}, nil))

	stats := env.manager.GetStatistics()
	if len(stats) != 1 {
		t.Fatalf("%d workspaces in statistics, want 1", len(stats))
	}
	ws := stats[0]
	if ws.Workspace != workspace {
		t.Errorf("workspace = %s, want %s", ws.Workspace, workspace)
	}
	if len(ws.Sessions) != 2 {
		t.Fatalf("%d sessions, want 2", len(ws.Sessions))
	}
	for i := 1; i < len(ws.Sessions); i++ {
		if ws.Sessions[i-1].SessionID >= ws.Sessions[i].SessionID {
			t.Errorf("sessions not sorted by ID")
		}
	}

	var counted opCounters
	for _, s := range ws.Sessions {
		counted.Find += s.Total.Find
		counted.Tx += s.Total.Tx
	}
	if counted.Find != 1 || counted.Tx != 1 {
		t.Errorf("counters = %+v, want one find and one tx", counted)
	}
}

func TestCheckHealthDegradesOnHungSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	for i := 0; i < 4; i++ {
		token, raw := userToken(workspace)
		env.admit(token, raw, "")
	}

	report := env.manager.CheckHealth()
	if report.Status != Healthy {
		t.Fatalf("status = %s with fresh sessions, want %s", report.Status, Healthy)
	}
	if report.Sessions != 4 || report.Workspaces != 1 {
		t.Errorf("report = %+v, want 4 sessions in 1 workspace", report)
	}

	// Everyone idles past the hang timeout without the tick loop
	// closing them yet.
	env.clock.Advance(61 * time.Second)
	report = env.manager.CheckHealth()
	if report.HungSessions != 4 {
		t.Errorf("hung sessions = %d, want 4", report.HungSessions)
	}
	if report.Status != Unhealthy {
		t.Errorf("status = %s with every session hung, want %s", report.Status, Unhealthy)
	}
}

func TestCheckHealthThresholdBoundaries(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Health = HealthThresholds{DegradedPercent: 50, UnhealthyPercent: 100}
	})
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	hung, _ := env.admit(token, raw, "")
	freshToken, freshRaw := userToken(workspace)
	fresh, _ := env.admit(freshToken, freshRaw, "")

	env.clock.Advance(61 * time.Second)
	env.manager.mu.Lock()
	// Keep one session fresh so exactly half are hung.
	fresh.lastRequest = env.clock.Now()
	_ = hung
	env.manager.mu.Unlock()

	report := env.manager.CheckHealth()
	if report.HungSessions != 1 {
		t.Fatalf("hung sessions = %d, want 1", report.HungSessions)
	}
	if report.Status != Degraded {
		t.Errorf("status = %s at the degraded boundary, want %s", report.Status, Degraded)
	}
}
