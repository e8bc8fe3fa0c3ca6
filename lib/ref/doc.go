// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed identity references for Tessera
// entities: workspaces (tenants), accounts, sessions, and social
// identifiers.
//
// All identifiers are opaque strings issued elsewhere — workspace and
// account IDs by the account service, session IDs by clients or by
// NewSessionID. The typed wrappers exist so that a workspace ID can
// never be passed where an account ID is expected, and so registry
// maps are keyed by distinct types.
//
// The zero value of every ref type is invalid; use IsZero to check.
package ref
