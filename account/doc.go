// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package account is the client for the external account/workspace
// info service, plus the Token type that service issues.
//
// The session manager treats this service as its sole authority on
// tenants: which mode a workspace is in (active, creating, upgrading,
// archived, migrating, restoring), what model version it runs, which
// region's endpoint owns its pipeline, and what role the caller holds.
//
// Transport failures reaching the service are reported as
// ErrUnavailable, distinct from ErrNotFound, so admission can return a
// retryable error instead of refusing a token outright.
package account
