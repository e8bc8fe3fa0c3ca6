// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/tessera-foundation/tessera/lib/ref"
	"github.com/tessera-foundation/tessera/rpc"
	"github.com/tessera-foundation/tessera/transport"
)

// docPushes counts pushed transactions of a class on a socket.
func docPushes(socket *transport.MemorySocket, class string) int {
	count := 0
	for _, response := range socket.Responses() {
		txs, ok := response.Result.([]rpc.Tx)
		if !ok {
			continue
		}
		for _, tx := range txs {
			if tx.ObjectClass == class {
				count++
			}
		}
	}
	return count
}

func TestBroadcastTargetAllowList(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	aToken, aRaw := userToken(workspace)
	bToken, bRaw := userToken(workspace)
	_, aSocket := env.admit(aToken, aRaw, "")
	_, bSocket := env.admit(bToken, bRaw, "")

	tx := createDocTx("notice")
	env.manager.BroadcastAll(context.Background(), workspace,
		[]rpc.Tx{tx}, []ref.AccountID{aToken.Account}, nil)

	if got := docPushes(aSocket, "notice"); got != 1 {
		t.Errorf("targeted account got %d pushes, want 1", got)
	}
	if got := docPushes(bSocket, "notice"); got != 0 {
		t.Errorf("untargeted account got %d pushes, want 0", got)
	}
}

func TestBroadcastExcludeDenyList(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	aToken, aRaw := userToken(workspace)
	bToken, bRaw := userToken(workspace)
	_, aSocket := env.admit(aToken, aRaw, "")
	_, bSocket := env.admit(bToken, bRaw, "")

	tx := createDocTx("notice")
	env.manager.BroadcastAll(context.Background(), workspace,
		[]rpc.Tx{tx}, nil, []ref.AccountID{bToken.Account})

	if got := docPushes(aSocket, "notice"); got != 1 {
		t.Errorf("included account got %d pushes, want 1", got)
	}
	if got := docPushes(bSocket, "notice"); got != 0 {
		t.Errorf("excluded account got %d pushes, want 0", got)
	}
}

func TestBroadcastCompactsOversizedBatches(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	txs := make([]rpc.Tx, compactBroadcastThreshold+1)
	for i := range txs {
		txs[i] = rpc.Tx{
			ID:          ref.NewID(),
			Class:       rpc.ClassUpdateDoc,
			ObjectClass: fmt.Sprintf("class%d", i%3),
		}
	}
	env.manager.BroadcastAll(context.Background(), workspace, txs, nil, nil)

	var compacted []rpc.Tx
	for _, response := range socket.Responses() {
		if batch, ok := response.Result.([]rpc.Tx); ok && len(batch) > 0 &&
			batch[0].Class == rpc.ClassWorkspaceEvent {
			compacted = batch
		}
	}
	if compacted == nil {
		t.Fatal("oversized batch was not replaced with a classes-changed event")
	}
	if len(compacted) != 1 {
		t.Fatalf("compacted payload has %d txs, want 1", len(compacted))
	}
	event := compacted[0]
	if event.Attributes["event"] != rpc.EventClassesChanged {
		t.Fatalf("event = %v, want %s", event.Attributes["event"], rpc.EventClassesChanged)
	}
	classes, ok := event.Attributes["classes"].([]string)
	if !ok || len(classes) != 3 {
		t.Errorf("classes = %v, want the 3 distinct touched classes", event.Attributes["classes"])
	}
	for i := 1; i < len(classes); i++ {
		if classes[i-1] >= classes[i] {
			t.Errorf("classes not sorted: %v", classes)
		}
	}
}

func TestBroadcastAtThresholdStaysVerbatim(t *testing.T) {
	env := newTestEnv(t, nil)
	workspace := env.activeWorkspace()
	token, raw := userToken(workspace)
	_, socket := env.admit(token, raw, "")

	txs := make([]rpc.Tx, compactBroadcastThreshold)
	for i := range txs {
		txs[i] = rpc.Tx{ID: ref.NewID(), Class: rpc.ClassUpdateDoc, ObjectClass: "bulk"}
	}
	env.manager.BroadcastAll(context.Background(), workspace, txs, nil, nil)

	var delivered int
	for _, response := range socket.Responses() {
		if batch, ok := response.Result.([]rpc.Tx); ok && len(batch) == compactBroadcastThreshold {
			delivered++
		}
	}
	if delivered != 1 {
		t.Errorf("threshold-sized batch delivered %d times verbatim, want 1", delivered)
	}
}

func TestBroadcastToUnknownWorkspaceIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.manager.BroadcastAll(context.Background(), ref.WorkspaceID(ref.NewID()),
		[]rpc.Tx{createDocTx("ghost")}, nil, nil)
}
