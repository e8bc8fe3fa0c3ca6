// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "github.com/tessera-foundation/tessera/lib/ref"

// Tx is one committed transaction as routed by the session layer. The
// session manager treats transactions as opaque beyond the envelope
// fields it needs for broadcast routing and compaction: the class
// identifiers and the modifying identity. Attribute payloads pass
// through untouched.
type Tx struct {
	// ID is the transaction identifier assigned by the pipeline.
	ID string `json:"_id" cbor:"_id"`

	// Class is the transaction class (create/update/remove/workspace
	// event).
	Class string `json:"_class" cbor:"_class"`

	// ObjectClass is the class of the document the transaction
	// touches. Used to build compact classes-changed summaries.
	ObjectClass string `json:"objectClass,omitempty" cbor:"objectClass,omitempty"`

	// ModifiedBy attributes the transaction to a social identity.
	ModifiedBy ref.SocialID `json:"modifiedBy,omitempty" cbor:"modifiedBy,omitempty"`

	// ModifiedOn is the commit timestamp in Unix milliseconds.
	ModifiedOn int64 `json:"modifiedOn,omitempty" cbor:"modifiedOn,omitempty"`

	// Attributes is the schemaless transaction body.
	Attributes map[string]any `json:"attributes,omitempty" cbor:"attributes,omitempty"`
}

// Document transaction classes.
const (
	ClassCreateDoc = "tx.createDoc"
	ClassUpdateDoc = "tx.updateDoc"
	ClassRemoveDoc = "tx.removeDoc"
)

// Transaction classes for server-generated workspace events. These
// are pushed as Tx values so clients consume them on the same stream
// as document transactions.
const (
	// ClassWorkspaceEvent marks server-generated workspace events;
	// the event kind is in Attributes["event"].
	ClassWorkspaceEvent = "tx.workspaceEvent"

	// ClassModelUpgrade tells clients the workspace is entering an
	// upgrade cutover and they should reconnect rather than treat the
	// close as an error.
	ClassModelUpgrade = "tx.modelUpgrade"
)

// Workspace event kinds carried in ClassWorkspaceEvent transactions.
const (
	// EventMaintenance warns of scheduled downtime.
	EventMaintenance = "maintenance"

	// EventClassesChanged replaces an oversized broadcast batch: it
	// lists only the object classes that changed and the client
	// refetches what it cares about.
	EventClassesChanged = "classesChanged"
)

// MaintenanceEvent builds the maintenance warning transaction pushed
// to every session when downtime is scheduled. timeMinutes counts
// down to the window.
func MaintenanceEvent(timeMinutes int, message string, now int64) Tx {
	attributes := map[string]any{
		"event":       EventMaintenance,
		"timeMinutes": timeMinutes,
	}
	if message != "" {
		attributes["message"] = message
	}
	return Tx{
		ID:         ref.NewID(),
		Class:      ClassWorkspaceEvent,
		ModifiedOn: now,
		Attributes: attributes,
	}
}

// ClassesChangedEvent builds the compact summary sent instead of an
// oversized transaction batch.
func ClassesChangedEvent(classes []string, now int64) Tx {
	return Tx{
		ID:         ref.NewID(),
		Class:      ClassWorkspaceEvent,
		ModifiedOn: now,
		Attributes: map[string]any{
			"event":   EventClassesChanged,
			"classes": classes,
		},
	}
}

// UpgradeEvent builds the transaction sent to each session right
// before its socket is closed for an upgrade cutover.
func UpgradeEvent(now int64) Tx {
	return Tx{
		ID:         ref.NewID(),
		Class:      ClassModelUpgrade,
		ModifiedOn: now,
	}
}
