// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sort"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
)

// compactBroadcastThreshold is the outgoing batch size past which a
// broadcast is replaced by a classes-changed summary. Clients then
// refetch the classes they care about, trading payload size for a
// round trip.
const compactBroadcastThreshold = 10000

// BroadcastAll fans a transaction batch out to every session of a
// workspace. target, when non-nil, is an allow-list of accounts;
// exclude is a deny-list applied otherwise. This is the entry point
// pipelines use for spontaneous pushes.
func (m *Manager) BroadcastAll(ctx context.Context, workspace ref.WorkspaceID, txs []rpc.Tx, target []ref.AccountID, exclude []ref.AccountID) {
	m.mu.Lock()
	ws := m.workspaces[workspace]
	m.mu.Unlock()
	if ws == nil {
		return
	}
	m.broadcastTo(ctx, ws, nil, txs, target, exclude)
}

// broadcast routes the transactions resulting from one session's tx
// to everyone else in that session's workspace. The originating
// session already has its direct response and is skipped.
func (m *Manager) broadcast(ctx context.Context, from *ClientSession, txs []rpc.Tx, target []ref.AccountID, exclude []ref.AccountID) {
	m.mu.Lock()
	ws := m.workspaces[from.workspace]
	m.mu.Unlock()
	if ws == nil {
		return
	}
	m.broadcastTo(ctx, ws, from, txs, target, exclude)
}

func (m *Manager) broadcastTo(ctx context.Context, ws *Workspace, from *ClientSession, txs []rpc.Tx, target []ref.AccountID, exclude []ref.AccountID) {
	if len(txs) == 0 {
		return
	}

	m.mu.Lock()
	if ws.upgrade || ws.closing != nil {
		// Everyone is about to reconnect; delivering a batch now only
		// races the cutover.
		m.mu.Unlock()
		return
	}
	targets := make([]pushTarget, 0, len(ws.sessions))
	for _, entry := range ws.sessions {
		s := entry.session
		if s == from {
			continue
		}
		if !accountSelected(s.account.UUID, target, exclude) {
			continue
		}
		targets = append(targets, pushTarget{entry.socket, s.format})
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	payload := txs
	if len(txs) > compactBroadcastThreshold {
		payload = []rpc.Tx{rpc.ClassesChangedEvent(changedClasses(txs), m.clock.Now().UnixMilli())}
	}
	response := rpc.Response{Result: payload}
	for _, t := range targets {
		m.send(ctx, t.socket, t.format, response)
	}
}

// accountSelected applies the allow-list, or the deny-list when no
// allow-list is given.
func accountSelected(id ref.AccountID, target []ref.AccountID, exclude []ref.AccountID) bool {
	if len(target) > 0 {
		for _, t := range target {
			if t == id {
				return true
			}
		}
		return false
	}
	for _, e := range exclude {
		if e == id {
			return false
		}
	}
	return true
}

// changedClasses returns the sorted distinct object classes touched
// by a batch.
func changedClasses(txs []rpc.Tx) []string {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		class := tx.ObjectClass
		if class == "" {
			class = tx.Class
		}
		seen[class] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}
