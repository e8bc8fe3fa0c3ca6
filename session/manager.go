// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tessera-foundation/tessera/account"
	"github.com/tessera-foundation/tessera/lib/clock"
	"github.com/tessera-foundation/tessera/lib/config"
	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/lib/version"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/transport"
)

// tickInterval is the wall-clock spacing of ticks.
const tickInterval = time.Second / TicksPerSecond

// infoCacheTTL bounds how stale a cached workspace-info entry may be
// before admission refetches it. The tick loop refreshes entries for
// live workspaces once a minute regardless.
const infoCacheTTL = time.Minute

// AccountService is the slice of the account/workspace info service
// the manager depends on. *account.Client satisfies it.
type AccountService interface {
	GetLoginInfo(ctx context.Context, rawToken string) (*account.LoginInfo, error)
	GetWorkspaceInfo(ctx context.Context, rawToken string) (*account.WorkspaceInfo, error)
	UpdateLastVisit(ctx context.Context, rawToken string, workspaces []ref.WorkspaceID) error
}

// Options configures a Manager.
type Options struct {
	// Accounts resolves tokens to accounts and workspace status.
	Accounts AccountService

	// Factory builds local workspace pipelines.
	Factory pipeline.Factory

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Region is this server's region, matched against workspace
	// endpoint regions to decide local versus proxied pipelines.
	Region string

	// ModelVersion, when non-empty, gates admission on the
	// workspace's model version.
	ModelVersion string

	// EnableCompression permits compression negotiation in hello.
	EnableCompression bool

	// PingInterval is the idle interval before the server pings a
	// quiet session. Defaults to 10s.
	PingInterval time.Duration

	// ReconnectTimeout is the grace window after a socket drop during
	// which the same session ID may reattach without a
	// presence-offline transition. Defaults to 30s.
	ReconnectTimeout time.Duration

	// RateLimit configures the per-account request limiter. A zero
	// PerSecond disables limiting.
	RateLimit config.RateLimit

	// DialEndpoint opens a connection to a remote region's endpoint.
	// Nil disables cross-region proxying; workspaces whose endpoint
	// lives elsewhere are then served locally.
	DialEndpoint func(ctx context.Context, url string) (*EndpointClient, error)

	// Health overrides the degraded/unhealthy thresholds. Zero
	// values take defaults.
	Health HealthThresholds
}

// cachedInfo is one workspace-info cache entry. rawToken is kept so
// the tick loop can refresh the entry without a live admission.
type cachedInfo struct {
	info     account.WorkspaceInfo
	rawToken string
	fetched  time.Time
}

// Manager is the process-wide session/workspace registry. It admits
// connections, owns per-workspace pipeline lifecycle, runs the tick
// loop, and routes broadcasts.
//
// One mutex guards all registries and all Workspace/ClientSession
// bookkeeping. Pipeline construction, pipeline calls, account-service
// lookups, and socket I/O always happen outside the lock.
type Manager struct {
	accounts          AccountService
	factory           pipeline.Factory
	clock             clock.Clock
	logger            *slog.Logger
	region            string
	modelVersion      string
	enableCompression bool
	pingInterval      time.Duration
	reconnectTimeout  time.Duration
	limiter           *accountLimiters
	dialEndpoint      func(ctx context.Context, url string) (*EndpointClient, error)
	health            HealthThresholds

	// presenceMu serializes find-then-apply presence updates so
	// concurrent transitions cannot create duplicate status documents.
	presenceMu sync.Mutex

	mu                 sync.Mutex
	workspaces         map[ref.WorkspaceID]*Workspace
	sessions           map[string]*ClientSession
	reconnectIDs       map[ref.SessionID]struct{}
	infoCache          map[ref.WorkspaceID]cachedInfo
	endpoints          map[string]*EndpointClient
	ticks              int
	maintenanceTicks   int
	maintenanceMessage string
	closed             bool
}

// NewManager creates a Manager. Accounts and Factory are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Accounts == nil {
		return nil, errors.New("session: Options.Accounts is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("session: Options.Factory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = 30 * time.Second
	}
	opts.Health.applyDefaults()
	return &Manager{
		accounts:          opts.Accounts,
		factory:           opts.Factory,
		clock:             opts.Clock,
		logger:            opts.Logger,
		region:            opts.Region,
		modelVersion:      opts.ModelVersion,
		enableCompression: opts.EnableCompression,
		pingInterval:      opts.PingInterval,
		reconnectTimeout:  opts.ReconnectTimeout,
		limiter:           newAccountLimiters(opts.RateLimit),
		dialEndpoint:      opts.DialEndpoint,
		health:            opts.Health,
		workspaces:        make(map[ref.WorkspaceID]*Workspace),
		sessions:          make(map[string]*ClientSession),
		reconnectIDs:      make(map[ref.SessionID]struct{}),
		infoCache:         make(map[ref.WorkspaceID]cachedInfo),
		endpoints:         make(map[string]*EndpointClient),
	}, nil
}

// reconnectTicks converts the grace window to tick-loop ticks.
func (m *Manager) reconnectTicks() int {
	ticks := int(m.reconnectTimeout / tickInterval)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// AddSession admits one connection. On success the returned session
// is registered in all maps and ready for HandleRequest; the error,
// when non-nil, is always a *rpc.Status whose Terminal method tells
// the caller whether the client may retry the same token.
//
// sessionID may be zero; a fresh one is generated. Supplying the ID
// of a session inside its reconnect grace window resumes that logical
// session.
func (m *Manager) AddSession(ctx context.Context, socket transport.ConnectionSocket, tok account.Token, rawToken string, sessionID ref.SessionID) (*ClientSession, error) {
	info, resolved, err := m.resolve(ctx, tok, rawToken)
	if err != nil {
		return nil, err
	}
	if status := admissionGate(tok, info, m.modelVersion); status != nil {
		return nil, status
	}
	if sessionID.IsZero() {
		sessionID = ref.NewSessionID()
	}

	ws, evicted, err := m.findOrCreateWorkspace(ctx, tok, info, sessionID)
	if err != nil {
		return nil, err
	}
	if evicted != nil {
		// Duplicate session ID: the prior socket goes first so at
		// most one live session per ID exists at any instant.
		evicted.Close()
	}

	if tok.Extra.Mode == account.ModeUpgrade {
		m.mu.Lock()
		needSwitch := !ws.upgrade
		ws.upgrade = true
		m.mu.Unlock()
		if needSwitch {
			m.switchToUpgrade(ctx, ws)
		}
	}

	// Await the (memoized) pipeline build before registering, so a
	// construction failure leaves no half-admitted session behind.
	if _, err := ws.backend.get(ctx); err != nil {
		m.dropIfEmpty(ws)
		return nil, rpc.NewStatus(rpc.CodeInternal, "workspace init failed: %v", err)
	}

	return m.register(ctx, ws, socket, tok, rawToken, resolved, sessionID)
}

// resolve maps the raw token to workspace status and a resolved
// account. System tokens carry no workspace membership and use the
// direct workspace-info RPC; everything else resolves through login
// info, which also yields the account's social identifiers.
func (m *Manager) resolve(ctx context.Context, tok account.Token, rawToken string) (account.WorkspaceInfo, rpc.Account, error) {
	now := m.clock.Now()
	m.mu.Lock()
	cached, ok := m.infoCache[tok.Workspace]
	m.mu.Unlock()
	if ok && tok.Account.IsSystem() && now.Sub(cached.fetched) < infoCacheTTL {
		return cached.info, rpc.Account{UUID: tok.Account, Role: rpc.RoleOwner}, nil
	}

	var (
		info     account.WorkspaceInfo
		resolved rpc.Account
	)
	if tok.Account.IsSystem() {
		wi, err := m.accounts.GetWorkspaceInfo(ctx, rawToken)
		if err != nil {
			return account.WorkspaceInfo{}, rpc.Account{}, admissionStatus(err)
		}
		info = *wi
		resolved = rpc.Account{UUID: tok.Account, Role: rpc.RoleOwner}
	} else {
		li, err := m.accounts.GetLoginInfo(ctx, rawToken)
		if err != nil {
			return account.WorkspaceInfo{}, rpc.Account{}, admissionStatus(err)
		}
		wi, ok := li.Workspaces[tok.Workspace]
		if !ok {
			return account.WorkspaceInfo{}, rpc.Account{},
				rpc.NewStatus(rpc.CodeWorkspaceNotFound, "workspace %s not accessible", tok.Workspace)
		}
		info = wi
		resolved = rpc.Account{
			UUID:      li.Account,
			Role:      rpc.Role(wi.Role),
			Primary:   li.Primary,
			SocialIDs: li.SocialIDs,
		}
	}

	m.mu.Lock()
	m.infoCache[tok.Workspace] = cachedInfo{info: info, rawToken: rawToken, fetched: now}
	m.mu.Unlock()
	return info, resolved, nil
}

// admissionStatus converts account-client sentinels into wire
// statuses, keeping "service down" distinct from "workspace missing"
// so clients know whether to retry.
func admissionStatus(err error) *rpc.Status {
	switch {
	case errors.Is(err, account.ErrUnavailable):
		return rpc.NewStatus(rpc.CodeAccountUnavailable, "account service unavailable: %v", err)
	case errors.Is(err, account.ErrUnauthorized):
		return rpc.NewStatus(rpc.CodeUnauthorized, "token rejected")
	case errors.Is(err, account.ErrNotFound):
		return rpc.NewStatus(rpc.CodeWorkspaceNotFound, "workspace not found")
	default:
		return rpc.NewStatus(rpc.CodeInternal, "resolving workspace: %v", err)
	}
}

// admissionGate applies the mode and version checks that refuse a
// connection before any workspace state is touched.
func admissionGate(tok account.Token, info account.WorkspaceInfo, modelVersion string) *rpc.Status {
	privileged := tok.Account.IsSystem() || tok.Extra.Admin
	switch info.Mode {
	case account.ModeArchived:
		return rpc.NewStatus(rpc.CodeWorkspaceArchived, "workspace %s is archived", tok.Workspace)
	case account.ModeMigrating:
		return rpc.NewStatus(rpc.CodeWorkspaceMigrating, "workspace %s is migrating", tok.Workspace)
	case account.ModeRestoring:
		return rpc.NewStatus(rpc.CodeWorkspaceRestoring, "workspace %s is restoring", tok.Workspace)
	case account.ModeCreating:
		if !tok.Account.IsSystem() {
			return rpc.NewStatus(rpc.CodeWorkspaceCreating,
				"workspace %s is being created (%d%%)", tok.Workspace, info.Progress)
		}
	}
	if info.Disabled && !privileged {
		return rpc.NewStatus(rpc.CodeWorkspaceNotFound, "workspace %s not found", tok.Workspace)
	}
	if modelVersion != "" && info.Version != modelVersion && tok.Extra.Mode == account.ModeNormal {
		return rpc.NewStatus(rpc.CodeUpgradeRequired,
			"workspace model %s, server requires %s", info.Version, modelVersion)
	}
	return nil
}

// findOrCreateWorkspace locates or lazily creates the Workspace
// entry. It also evicts a prior session holding the same session ID,
// returning its socket for the caller to close outside the lock.
func (m *Manager) findOrCreateWorkspace(ctx context.Context, tok account.Token, info account.WorkspaceInfo, sessionID ref.SessionID) (*Workspace, transport.ConnectionSocket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, rpc.NewStatus(rpc.CodeWorkspaceClosing, "server shutting down")
	}

	ws := m.workspaces[tok.Workspace]
	if ws != nil && ws.upgrade && tok.Extra.Mode != account.ModeUpgrade {
		// Mid-upgrade: ordinary attachments would race the cutover.
		return nil, nil, rpc.NewStatus(rpc.CodeUpgradeRequired, "workspace %s is upgrading", tok.Workspace)
	}
	if ws != nil && ws.closing != nil {
		return nil, nil, rpc.NewStatus(rpc.CodeWorkspaceClosing, "workspace %s is closing", tok.Workspace)
	}
	if ws == nil {
		ws = newWorkspace(tok.Workspace, info.URL, info.Version, m.newBackend(ctx, tok.Workspace, info))
		m.workspaces[tok.Workspace] = ws
	}

	var evicted transport.ConnectionSocket
	if prior, ok := ws.sessions[sessionID]; ok {
		evicted = prior.socket
		delete(ws.sessions, sessionID)
		delete(m.sessions, prior.socket.ID())
	}
	return ws, evicted, nil
}

// newBackend picks local or cross-region backing for a workspace.
// Callers hold the mutex.
func (m *Manager) newBackend(ctx context.Context, id ref.WorkspaceID, info account.WorkspaceInfo) backend {
	remote := m.dialEndpoint != nil &&
		info.Endpoint.Region != "" && info.Endpoint.Region != m.region
	if remote {
		return &endpointBackend{
			manager:   m,
			workspace: id,
			url:       info.Endpoint.URLFor(m.region),
		}
	}
	return &localBackend{
		workspace: id,
		factory:   m.factory,
		clock:     m.clock,
		// Admissions share one build, so the build must outlive any
		// single admission's context.
		buildCtx: context.Background(),
		broadcast: func(ctx context.Context, txs []rpc.Tx, target []ref.AccountID, exclude []ref.AccountID) {
			m.BroadcastAll(ctx, id, txs, target, exclude)
		},
	}
}

// register creates the ClientSession and installs it in both maps.
func (m *Manager) register(ctx context.Context, ws *Workspace, socket transport.ConnectionSocket, tok account.Token, rawToken string, resolved rpc.Account, sessionID ref.SessionID) (*ClientSession, error) {
	now := m.clock.Now()
	s := &ClientSession{
		id:          sessionID,
		instanceID:  ref.NewID(),
		workspace:   ws.id,
		token:       tok,
		rawToken:    rawToken,
		account:     resolved,
		socket:      socket,
		allowUpload: tok.Extra.Mode == account.ModeBackup || tok.Account.IsSystem(),
		createTime:  now,
		lastRequest: now,
		lastPing:    now,
		requests:    make(map[string]*inflightRequest),
	}

	m.mu.Lock()
	if ws.closing != nil || m.workspaces[ws.id] != ws {
		m.mu.Unlock()
		return nil, rpc.NewStatus(rpc.CodeWorkspaceClosing, "workspace %s is closing", ws.id)
	}
	if ws.upgrade && tok.Extra.Mode != account.ModeUpgrade {
		// An ordinary admission that entered before the cutover and
		// blocked in the pipeline build lands here after the drain; it
		// must not attach to the upgrading workspace.
		m.mu.Unlock()
		return nil, rpc.NewStatus(rpc.CodeUpgradeRequired, "workspace %s is upgrading", ws.id)
	}
	if _, pending := m.reconnectIDs[sessionID]; pending {
		delete(m.reconnectIDs, sessionID)
		delete(ws.tickHandlers, sessionID)
		s.reconnect = true
	}
	firstForAccount := !ws.sessionForAccount(resolved.UUID)
	ws.sessions[sessionID] = &sessionEntry{
		session:  s,
		socket:   socket,
		tickSlot: m.ticks % TicksPerSecond,
	}
	m.sessions[socket.ID()] = s
	ws.softShutdown = softShutdownTicks
	ws.initCompleted = true
	maintenance := m.maintenanceTicks
	message := m.maintenanceMessage
	m.mu.Unlock()

	m.logger.Info("session attached",
		"workspace", ws.id, "account", resolved.UUID,
		"session", sessionID, "reconnect", s.reconnect)

	if eb, ok := ws.backend.(*endpointBackend); ok {
		go eb.addAccountInterest(resolved.UUID)
	}

	if maintenance > 0 {
		evt := rpc.MaintenanceEvent(ticksToMinutes(maintenance), message, now.UnixMilli())
		m.send(ctx, socket, rpc.FrameFormat{}, rpc.Response{Result: []rpc.Tx{evt}})
	}
	if firstForAccount && !s.reconnect {
		go m.setPresence(context.Background(), ws, resolved, true)
	}
	return s, nil
}

// switchToUpgrade drains every attached session with an explicit
// upgrade signal, closes the current pipeline generation under the
// bounded timeout, and resets the backend so the upgrade client's
// admission builds the next generation. The upgrade flag is already
// set, so no ordinary admission can slip in during the drain.
func (m *Manager) switchToUpgrade(ctx context.Context, ws *Workspace) {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(ws.sessions))
	for id, entry := range ws.sessions {
		entries = append(entries, entry)
		delete(ws.sessions, id)
		delete(m.sessions, entry.socket.ID())
		delete(ws.tickHandlers, id)
		delete(m.reconnectIDs, id)
	}
	m.mu.Unlock()

	evt := rpc.UpgradeEvent(m.clock.Now().UnixMilli())
	for _, entry := range entries {
		m.send(ctx, entry.socket, entry.session.format, rpc.Response{Result: []rpc.Tx{evt}})
		entry.socket.Close()
	}

	if err := ws.backend.close(ctx); err != nil {
		m.logger.Error("closing pipeline for upgrade", "workspace", ws.id, "error", err)
	}
	ws.backend.reset()
	m.logger.Info("workspace switched to upgrade", "workspace", ws.id, "sessions", len(entries))
}

// dropIfEmpty removes a workspace whose pipeline build failed before
// any session attached, so the failure is not a poisoned cache entry.
func (m *Manager) dropIfEmpty(ws *Workspace) {
	m.mu.Lock()
	if m.workspaces[ws.id] == ws && len(ws.sessions) == 0 {
		delete(m.workspaces, ws.id)
	}
	m.mu.Unlock()
	ws.backend.reset()
}

// Close detaches the session bound to socket. The socket closes
// immediately, but presence survives for the reconnect grace window:
// only if no session reattaches under the same session ID within
// ReconnectTimeout does the account flip offline.
func (m *Manager) Close(ctx context.Context, socket transport.ConnectionSocket, workspace ref.WorkspaceID) {
	m.mu.Lock()
	s := m.sessions[socket.ID()]
	if s == nil {
		m.mu.Unlock()
		socket.Close()
		return
	}
	delete(m.sessions, socket.ID())
	ws := m.workspaces[workspace]
	if ws != nil {
		if entry, ok := ws.sessions[s.id]; ok && entry.session == s {
			delete(ws.sessions, s.id)
		}
		acct := s.account
		if ws.closing == nil && !acct.UUID.IsSystem() && !acct.UUID.IsGuest() {
			m.reconnectIDs[s.id] = struct{}{}
			ws.tickHandlers[s.id] = &tickHandler{
				ticks: m.reconnectTicks(),
				fire:  func() { m.reconnectExpired(ws, s) },
			}
		}
	}
	m.mu.Unlock()

	socket.Close()
	m.logger.Info("session detached", "workspace", workspace, "session", s.id)

	if ws != nil {
		if eb, ok := ws.backend.(*endpointBackend); ok {
			go eb.removeAccountInterest(s.account.UUID)
		}
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			pipe, err := ws.backend.get(cleanupCtx)
			if err != nil {
				return
			}
			if err := pipe.CloseSession(cleanupCtx, s.id); err != nil {
				m.logger.Warn("closing pipeline session", "session", s.id, "error", err)
			}
		}()
	}
}

// reconnectExpired fires when a grace window elapses with no
// reattachment. Presence flips offline exactly once: the reconnectIDs
// check makes the handler a no-op when a reconnect cancelled it
// between collection and firing.
func (m *Manager) reconnectExpired(ws *Workspace, s *ClientSession) {
	m.mu.Lock()
	if _, pending := m.reconnectIDs[s.id]; !pending {
		m.mu.Unlock()
		return
	}
	delete(m.reconnectIDs, s.id)
	if ws.upgrade || ws.closing != nil || ws.sessionForAccount(s.account.UUID) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.setPresence(context.Background(), ws, s.account, false)
}

// ForceClose handles the reserved forceClose request: it tears the
// workspace down only when it is mid-upgrade. Anything else is a
// no-op reporting done=false.
func (m *Manager) ForceClose(ctx context.Context, workspace ref.WorkspaceID) bool {
	m.mu.Lock()
	ws := m.workspaces[workspace]
	upgrading := ws != nil && ws.upgrade
	m.mu.Unlock()
	if !upgrading {
		return false
	}
	if err := m.CloseAll(ctx, workspace, ""); err != nil {
		m.logger.Error("force close", "workspace", workspace, "error", err)
	}
	return true
}

// CloseAll disconnects every session of a workspace (optionally
// keeping one socket open), closes its pipeline under the bounded
// timeout, and removes the workspace entry. Concurrent calls share
// one teardown.
func (m *Manager) CloseAll(ctx context.Context, workspace ref.WorkspaceID, ignoreSocket string) error {
	m.mu.Lock()
	ws := m.workspaces[workspace]
	if ws == nil {
		m.mu.Unlock()
		return nil
	}
	if ws.closing != nil {
		done := ws.closing
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ws.closing = make(chan struct{})
	delete(m.workspaces, workspace)
	entries := make([]*sessionEntry, 0, len(ws.sessions))
	for id, entry := range ws.sessions {
		entries = append(entries, entry)
		delete(ws.sessions, id)
		delete(m.sessions, entry.socket.ID())
		delete(m.reconnectIDs, id)
	}
	for id := range ws.tickHandlers {
		delete(ws.tickHandlers, id)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if entry.socket.ID() == ignoreSocket {
			continue
		}
		entry.socket.Close()
	}
	err := ws.backend.close(ctx)
	close(ws.closing)
	if err != nil {
		return fmt.Errorf("closing workspace %s: %w", workspace, err)
	}
	m.logger.Info("workspace closed", "workspace", workspace, "sessions", len(entries))
	return nil
}

// Shutdown refuses new admissions and closes every workspace.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]ref.WorkspaceID, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.CloseAll(ctx, id, ""); err != nil {
			m.logger.Error("shutdown close", "workspace", id, "error", err)
		}
	}
}

// InvalidateWorkspaceInfo drops the cached status for a workspace.
// Called when an external notice (upgrade, restore, delete) makes the
// cache stale before its TTL.
func (m *Manager) InvalidateWorkspaceInfo(workspace ref.WorkspaceID) {
	m.mu.Lock()
	delete(m.infoCache, workspace)
	m.mu.Unlock()
}

// ServerVersion is the version string reported in hello responses.
func (m *Manager) ServerVersion() string { return version.Info() }

// send is the fire-and-forget socket write used for pushes: transport
// errors are logged at the call site, never propagated into business
// logic.
func (m *Manager) send(ctx context.Context, socket transport.ConnectionSocket, format rpc.FrameFormat, response rpc.Response) {
	if err := socket.Send(ctx, format, response); err != nil && !errors.Is(err, transport.ErrSocketClosed) {
		m.logger.Warn("socket send failed", "socket", socket.ID(), "error", err)
	}
}
