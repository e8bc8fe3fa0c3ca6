// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/clock"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/pipeline/memory"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/transport"
)

// fakeAccounts is an in-process AccountService. Tokens are unsigned
// (account.EncodeInsecure) and resolve against a mutable info table.
type fakeAccounts struct {
	mu     sync.Mutex
	infos  map[ref.WorkspaceID]account.WorkspaceInfo
	visits int
	err    error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{infos: make(map[ref.WorkspaceID]account.WorkspaceInfo)}
}

func (f *fakeAccounts) set(info account.WorkspaceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[info.UUID] = info
}

func (f *fakeAccounts) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAccounts) lookup(rawToken string) (account.Token, account.WorkspaceInfo, error) {
	token, err := account.InsecureVerifier{}.Verify(rawToken)
	if err != nil {
		return account.Token{}, account.WorkspaceInfo{}, account.ErrUnauthorized
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return account.Token{}, account.WorkspaceInfo{}, f.err
	}
	info, ok := f.infos[token.Workspace]
	if !ok {
		return account.Token{}, account.WorkspaceInfo{}, account.ErrNotFound
	}
	return token, info, nil
}

func (f *fakeAccounts) GetLoginInfo(_ context.Context, rawToken string) (*account.LoginInfo, error) {
	token, info, err := f.lookup(rawToken)
	if err != nil {
		return nil, err
	}
	return &account.LoginInfo{
		Account: token.Account,
		Primary: ref.SocialID("github:" + string(token.Account)),
		Workspaces: map[ref.WorkspaceID]account.WorkspaceInfo{
			token.Workspace: info,
		},
	}, nil
}

func (f *fakeAccounts) GetWorkspaceInfo(_ context.Context, rawToken string) (*account.WorkspaceInfo, error) {
	_, info, err := f.lookup(rawToken)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (f *fakeAccounts) UpdateLastVisit(context.Context, string, []ref.WorkspaceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits++
	return nil
}

// testEnv bundles a manager against the fake account service, the
// fake clock, and a build-counting memory pipeline factory.
type testEnv struct {
	t        *testing.T
	manager  *Manager
	accounts *fakeAccounts
	clock    *clock.FakeClock
	builds   atomic.Int32
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{t: t, accounts: newFakeAccounts(), clock: clock.Fake()}
	opts := Options{
		Accounts: env.accounts,
		Factory: func(ctx context.Context, workspace ref.WorkspaceID, broadcast pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
			env.builds.Add(1)
			return memory.New(ctx, workspace, broadcast)
		},
		Clock:  env.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),

		// One second of grace keeps reconnect tests at 20 ticks.
		ReconnectTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.manager = manager
	return env
}

// activeWorkspace registers an active workspace with the fake account
// service and returns its ID.
func (e *testEnv) activeWorkspace() ref.WorkspaceID {
	id := ref.WorkspaceID(ref.NewID())
	e.accounts.set(account.WorkspaceInfo{
		UUID:    id,
		URL:     "test-" + string(id),
		Mode:    account.ModeActive,
		Version: "1.0.0",
		Role:    string(rpc.RoleUser),
	})
	return id
}

func userToken(workspace ref.WorkspaceID) (account.Token, string) {
	token := account.Token{
		Account:   ref.AccountID(ref.NewID()),
		Workspace: workspace,
	}
	return token, account.EncodeInsecure(token)
}

// admit attaches a fresh MemorySocket session or fails the test.
func (e *testEnv) admit(token account.Token, raw string, sessionID ref.SessionID) (*ClientSession, *transport.MemorySocket) {
	e.t.Helper()
	socket := transport.NewMemorySocket()
	s, err := e.manager.AddSession(context.Background(), socket, token, raw, sessionID)
	if err != nil {
		e.t.Fatalf("AddSession: %v", err)
	}
	return s, socket
}

// tick advances the fake clock and runs the tick handler n times.
func (e *testEnv) tick(n int) {
	for i := 0; i < n; i++ {
		e.clock.Advance(tickInterval)
		e.manager.handleTick(context.Background())
	}
}

// pipelineOf returns the live pipeline for a workspace.
func (e *testEnv) pipelineOf(workspace ref.WorkspaceID) pipeline.Pipeline {
	e.t.Helper()
	e.manager.mu.Lock()
	ws := e.manager.workspaces[workspace]
	e.manager.mu.Unlock()
	if ws == nil {
		e.t.Fatalf("workspace %s not registered", workspace)
	}
	pipe, err := ws.backend.get(context.Background())
	if err != nil {
		e.t.Fatalf("backend.get: %v", err)
	}
	return pipe
}

// waitFor polls until check passes or the real-time deadline expires.
// Presence updates and workspace teardown run on their own goroutines,
// so some assertions need to wait for them.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) presenceDocs(workspace ref.WorkspaceID) []pipeline.Document {
	docs, err := e.pipelineOf(workspace).FindAll(
		context.Background(), ClassUserStatus, pipeline.Query{}, pipeline.FindOptions{})
	if err != nil {
		e.t.Fatalf("FindAll(userStatus): %v", err)
	}
	return docs
}

func TestAddSessionBuildsPipelineOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()

	const concurrency = 8
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, raw := userToken(workspace)
			socket := transport.NewMemorySocket()
			_, errs[i] = env.manager.AddSession(context.Background(), socket, token, raw, "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("AddSession %d: %v", i, err)
		}
	}
	if got := env.builds.Load(); got != 1 {
		t.Errorf("pipeline built %d times, want 1", got)
	}
}

func TestAddSessionRebuildsAfterBuildFailure(t *testing.T) {
	buildErr := errors.New("backing store down")
	var fail atomic.Bool
	fail.Store(true)

	env := newTestEnv(t, nil)
	inner := env.manager.factory
	env.manager.factory = func(ctx context.Context, workspace ref.WorkspaceID, broadcast pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
		if fail.Load() {
			return nil, buildErr
		}
		return inner(ctx, workspace, broadcast)
	}
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)

	if _, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), token, raw, ""); err == nil {
		t.Fatal("AddSession succeeded against a failing factory")
	}
	env.manager.mu.Lock()
	_, registered := env.manager.workspaces[workspace]
	env.manager.mu.Unlock()
	if registered {
		t.Error("failed build left a workspace entry behind")
	}

	// The failure must not poison the workspace: the next admission
	// builds a fresh generation.
	fail.Store(false)
	env.admit(token, raw, "")
}

func TestDuplicateSessionIDEvictsPrior(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	sessionID := ref.NewSessionID()

	_, first := env.admit(token, raw, sessionID)
	second, secondSocket := env.admit(token, raw, sessionID)

	if !first.Closed() {
		t.Error("prior socket still open after duplicate session ID admission")
	}
	if secondSocket.Closed() {
		t.Error("new socket closed")
	}
	env.manager.mu.Lock()
	ws := env.manager.workspaces[workspace]
	entry := ws.sessions[sessionID]
	live := len(ws.sessions)
	env.manager.mu.Unlock()
	if live != 1 {
		t.Errorf("%d sessions registered, want 1", live)
	}
	if entry == nil || entry.session != second {
		t.Error("registered session is not the newest admission")
	}
}

func TestArchivedWorkspaceRefusedTerminally(t *testing.T) {
	env := newTestEnv(t, nil)
	id := ref.WorkspaceID(ref.NewID())
	env.accounts.set(account.WorkspaceInfo{UUID: id, Mode: account.ModeArchived})
	token, raw := userToken(id)

	_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), token, raw, "")
	status := rpc.AsStatus(err)
	if status == nil || status.Code != rpc.CodeWorkspaceArchived {
		t.Fatalf("error = %v, want %s", err, rpc.CodeWorkspaceArchived)
	}
	if !status.Terminal() {
		t.Error("archived refusal is not terminal")
	}
	env.manager.mu.Lock()
	_, registered := env.manager.workspaces[id]
	env.manager.mu.Unlock()
	if registered {
		t.Error("refused admission created a workspace entry")
	}
	if got := env.builds.Load(); got != 0 {
		t.Errorf("pipeline built %d times for a refused admission", got)
	}
}

func TestCreatingWorkspaceRetryableForUsersOpenForSystem(t *testing.T) {
	env := newTestEnv(t, nil)
	id := ref.WorkspaceID(ref.NewID())
	env.accounts.set(account.WorkspaceInfo{UUID: id, Mode: account.ModeCreating, Progress: 40})

	token, raw := userToken(id)
	_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), token, raw, "")
	status := rpc.AsStatus(err)
	if status == nil || status.Code != rpc.CodeWorkspaceCreating {
		t.Fatalf("user admission error = %v, want %s", err, rpc.CodeWorkspaceCreating)
	}
	if status.Terminal() {
		t.Error("creating refusal should be retryable")
	}

	system := account.Token{Account: ref.SystemAccount, Workspace: id}
	env.admit(system, account.EncodeInsecure(system), "")
}

func TestAccountServiceOutageIsRetryable(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	env.accounts.fail(account.ErrUnavailable)
	token, raw := userToken(workspace)

	_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), token, raw, "")
	status := rpc.AsStatus(err)
	if status == nil || status.Code != rpc.CodeAccountUnavailable {
		t.Fatalf("error = %v, want %s", err, rpc.CodeAccountUnavailable)
	}
	if status.Terminal() {
		t.Error("service outage should be retryable")
	}
}

func TestModelVersionGate(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ModelVersion = "2.0.0" })
	workspace := env.activeWorkspace() // version 1.0.0
	token, raw := userToken(workspace)

	_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), token, raw, "")
	if status := rpc.AsStatus(err); status == nil || status.Code != rpc.CodeUpgradeRequired {
		t.Fatalf("error = %v, want %s", err, rpc.CodeUpgradeRequired)
	}

	// Upgrade and backup clients bypass the gate: they exist to move
	// the workspace across versions.
	upgradeToken := account.Token{
		Account:   ref.AccountID(ref.NewID()),
		Workspace: workspace,
		Extra:     account.TokenExtra{Mode: account.ModeUpgrade},
	}
	env.admit(upgradeToken, account.EncodeInsecure(upgradeToken), "")
}

func TestPresenceOnlineOnFirstSessionOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)

	env.admit(token, raw, "")
	waitFor(t, "presence online", func() bool {
		docs := env.presenceDocs(workspace)
		return len(docs) == 1 && docs[0]["online"] == true
	})

	// A second session for the same account must not create another
	// status document.
	env.admit(token, raw, "")
	time.Sleep(20 * time.Millisecond)
	if docs := env.presenceDocs(workspace); len(docs) != 1 {
		t.Errorf("%d status documents, want 1", len(docs))
	}
}

func TestReconnectGraceFlipsPresenceOfflineOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)

	_, socket := env.admit(token, raw, "")
	waitFor(t, "presence online", func() bool {
		docs := env.presenceDocs(workspace)
		return len(docs) == 1 && docs[0]["online"] == true
	})

	env.manager.Close(context.Background(), socket, workspace)
	if !socket.Closed() {
		t.Error("socket still open after Close")
	}

	// Presence survives the grace window.
	env.tick(env.manager.reconnectTicks() / 2)
	if docs := env.presenceDocs(workspace); docs[0]["online"] != true {
		t.Fatal("presence flipped offline inside the grace window")
	}

	// Expiry fires off the tick goroutine, so the flip lands shortly
	// after the window closes.
	env.tick(env.manager.reconnectTicks())
	waitFor(t, "presence offline", func() bool {
		docs := env.presenceDocs(workspace)
		return len(docs) == 1 && docs[0]["online"] == false
	})
}

func TestReconnectWithinWindowKeepsPresenceOnline(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	sessionID := ref.NewSessionID()

	_, socket := env.admit(token, raw, sessionID)
	waitFor(t, "presence online", func() bool { return len(env.presenceDocs(workspace)) == 1 })

	env.manager.Close(context.Background(), socket, workspace)
	env.tick(env.manager.reconnectTicks() / 2)

	resumed, _ := env.admit(token, raw, sessionID)
	if !resumed.reconnect {
		t.Error("resumed session not marked as a reconnect")
	}

	// Run well past the original window: the cancelled handler must
	// not fire.
	env.tick(env.manager.reconnectTicks() * 2)
	time.Sleep(20 * time.Millisecond)
	docs := env.presenceDocs(workspace)
	if len(docs) != 1 || docs[0]["online"] != true {
		t.Errorf("presence = %v, want a single online document", docs)
	}
}

func TestInvalidateWorkspaceInfoForcesRefetch(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()

	system := account.Token{Account: ref.SystemAccount, Workspace: workspace}
	env.admit(system, account.EncodeInsecure(system), "")

	env.manager.mu.Lock()
	_, cached := env.manager.infoCache[workspace]
	env.manager.mu.Unlock()
	if !cached {
		t.Fatal("admission did not cache workspace info")
	}

	// The workspace gets archived behind the cache. Within the TTL a
	// system resolve would serve the stale active mode; the
	// control-plane notice drops the entry so the gate sees the truth.
	env.accounts.set(account.WorkspaceInfo{UUID: workspace, Mode: account.ModeArchived})
	env.manager.InvalidateWorkspaceInfo(workspace)

	_, err := env.manager.AddSession(context.Background(),
		transport.NewMemorySocket(), system, account.EncodeInsecure(system), "")
	if status := rpc.AsStatus(err); status == nil || status.Code != rpc.CodeWorkspaceArchived {
		t.Fatalf("post-notice admission error = %v, want %s", err, rpc.CodeWorkspaceArchived)
	}
}

func TestUpgradeCutover(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	upgradeToken := account.Token{
		Account:   ref.AccountID(ref.NewID()),
		Workspace: workspace,
		Extra:     account.TokenExtra{Mode: account.ModeUpgrade},
	}
	_, upgradeSocket := env.admit(upgradeToken, account.EncodeInsecure(upgradeToken), "")

	// The drained session got an explicit upgrade signal before its
	// socket closed.
	if !socket.Closed() {
		t.Error("drained socket still open")
	}
	var sawUpgrade bool
	for _, response := range socket.Responses() {
		if txs, ok := response.Result.([]rpc.Tx); ok {
			for _, tx := range txs {
				if tx.Class == rpc.ClassModelUpgrade {
					sawUpgrade = true
				}
			}
		}
	}
	if !sawUpgrade {
		t.Error("drained session never received the upgrade event")
	}

	// The cutover closed the old pipeline generation and built a new
	// one for the upgrade client.
	if got := env.builds.Load(); got != 2 {
		t.Errorf("pipeline built %d times, want 2 (one per generation)", got)
	}

	// Ordinary admission is refused mid-upgrade.
	retryToken, retryRaw := userToken(workspace)
	_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), retryToken, retryRaw, "")
	if status := rpc.AsStatus(err); status == nil || status.Code != rpc.CodeUpgradeRequired {
		t.Fatalf("mid-upgrade admission error = %v, want %s", err, rpc.CodeUpgradeRequired)
	}

	// Broadcast is suppressed while the upgrade owns the workspace.
	before := len(upgradeSocket.Frames())
	env.manager.BroadcastAll(context.Background(), workspace,
		[]rpc.Tx{{ID: ref.NewID(), Class: rpc.ClassCreateDoc}}, nil, nil)
	if got := len(upgradeSocket.Frames()); got != before {
		t.Errorf("broadcast delivered %d frames during upgrade, want 0", got-before)
	}
}

func TestUpgradeCutoverRefusesAdmissionStalledInBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	inner := env.manager.factory
	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	env.manager.factory = func(ctx context.Context, workspace ref.WorkspaceID, broadcast pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
		if first.CompareAndSwap(true, false) {
			close(entered)
			<-release
		}
		return inner(ctx, workspace, broadcast)
	}
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)

	// An ordinary admission enters the pipeline build and stalls there.
	admitErr := make(chan error, 1)
	go func() {
		_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), token, raw, "")
		admitErr <- err
	}()
	<-entered

	// The upgrade client cuts over while that build is still in flight.
	upgradeToken := account.Token{
		Account:   ref.AccountID(ref.NewID()),
		Workspace: workspace,
		Extra:     account.TokenExtra{Mode: account.ModeUpgrade},
	}
	upgradeErr := make(chan error, 1)
	go func() {
		_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(),
			upgradeToken, account.EncodeInsecure(upgradeToken), "")
		upgradeErr <- err
	}()
	waitFor(t, "upgrade flag", func() bool {
		env.manager.mu.Lock()
		ws := env.manager.workspaces[workspace]
		upgrading := ws != nil && ws.upgrade
		env.manager.mu.Unlock()
		return upgrading
	})
	close(release)

	if err := <-upgradeErr; err != nil {
		t.Fatalf("upgrade admission: %v", err)
	}
	// The stalled admission resumed after the cutover; it must be
	// refused, not attached to the upgrading workspace.
	if status := rpc.AsStatus(<-admitErr); status == nil || status.Code != rpc.CodeUpgradeRequired {
		t.Fatalf("stalled admission status = %v, want %s", status, rpc.CodeUpgradeRequired)
	}

	env.manager.mu.Lock()
	ws := env.manager.workspaces[workspace]
	live := len(ws.sessions)
	upgrading := ws.upgrade
	env.manager.mu.Unlock()
	if live != 1 {
		t.Errorf("%d sessions attached after cutover, want the upgrade session only", live)
	}
	if !upgrading {
		t.Error("upgrade flag cleared by the refused admission")
	}
	if got := env.builds.Load(); got != 2 {
		t.Errorf("pipeline built %d times, want 2 (one per generation)", got)
	}
}

func TestForceCloseOnlyActsMidUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	env.admit(token, raw, "")

	if env.manager.ForceClose(context.Background(), workspace) {
		t.Fatal("ForceClose reported done on a workspace that is not upgrading")
	}
	env.manager.mu.Lock()
	_, stillThere := env.manager.workspaces[workspace]
	env.manager.mu.Unlock()
	if !stillThere {
		t.Fatal("ForceClose tore down a healthy workspace")
	}

	upgradeToken := account.Token{
		Account:   ref.AccountID(ref.NewID()),
		Workspace: workspace,
		Extra:     account.TokenExtra{Mode: account.ModeUpgrade},
	}
	env.admit(upgradeToken, account.EncodeInsecure(upgradeToken), "")

	if !env.manager.ForceClose(context.Background(), workspace) {
		t.Fatal("ForceClose reported not-done on an upgrading workspace")
	}
	env.manager.mu.Lock()
	_, stillThere = env.manager.workspaces[workspace]
	env.manager.mu.Unlock()
	if stillThere {
		t.Error("workspace entry survived force close")
	}
}

func TestShutdownRefusesNewAdmissions(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.manager.Shutdown(ctx)

	if !socket.Closed() {
		t.Error("session survived shutdown")
	}
	retryToken, retryRaw := userToken(workspace)
	_, err := env.manager.AddSession(context.Background(), transport.NewMemorySocket(), retryToken, retryRaw, "")
	if status := rpc.AsStatus(err); status == nil || status.Code != rpc.CodeWorkspaceClosing {
		t.Fatalf("post-shutdown admission error = %v, want %s", err, rpc.CodeWorkspaceClosing)
	}
}
