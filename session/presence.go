// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/pipeline"
	"github.com/tessera-foundation/tessera/rpc"
)

// ClassUserStatus is the document class carrying per-account presence
// within a workspace.
const ClassUserStatus = "core.userStatus"

// setPresence records an account's online state as a user-status
// document transaction and broadcasts the resulting change to the
// workspace. The online transition happens on an account's first
// session; the offline transition happens exactly once, when the
// reconnect grace window expires with no session left for the
// account. System and guest accounts have no presence.
//
// Calls are serialized under presenceMu: a find-then-apply pair for
// the same account must not interleave with another, or two status
// documents could be created.
func (m *Manager) setPresence(ctx context.Context, ws *Workspace, acct rpc.Account, online bool) {
	if acct.UUID.IsSystem() || acct.UUID.IsGuest() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pipe, err := ws.backend.get(ctx)
	if err != nil {
		m.logger.Warn("presence update skipped",
			"workspace", ws.id, "account", acct.UUID, "error", err)
		return
	}

	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	user := acct.UUID.String()
	doc, err := pipe.FindOne(ctx, ClassUserStatus, pipeline.Query{"user": user})
	if err != nil {
		m.logger.Warn("presence lookup failed",
			"workspace", ws.id, "account", acct.UUID, "error", err)
		return
	}

	now := m.clock.Now().UnixMilli()
	var tx rpc.Tx
	switch {
	case doc == nil && online:
		tx = newPresenceTx(rpc.ClassCreateDoc, ref.NewID(), acct, now)
		tx.Attributes["user"] = user
		tx.Attributes["online"] = true
	case doc == nil:
		// Never seen online; nothing to flip.
		return
	default:
		if current, _ := doc["online"].(bool); current == online {
			return
		}
		id, _ := doc["_id"].(string)
		tx = newPresenceTx(rpc.ClassUpdateDoc, id, acct, now)
		tx.Attributes["online"] = online
	}

	result, err := pipe.Tx(ctx, tx)
	if err != nil {
		m.logger.Warn("presence update failed",
			"workspace", ws.id, "account", acct.UUID, "error", err)
		return
	}
	m.BroadcastAll(ctx, ws.id, result.Derived, nil, nil)
}

func newPresenceTx(class, objectID string, acct rpc.Account, now int64) rpc.Tx {
	return rpc.Tx{
		ID:          ref.NewID(),
		Class:       class,
		ObjectClass: ClassUserStatus,
		ModifiedBy:  acct.Primary,
		ModifiedOn:  now,
		Attributes:  map[string]any{"objectId": objectID},
	}
}
