// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is Tessera's realtime core: the session/workspace
// manager that admits client connections, multiplexes them onto
// per-workspace pipelines, and fans committed transactions back out.
//
// The package provides four cooperating types. [Manager] owns the
// process-wide registries (workspace ID to [Workspace], socket ID to
// [ClientSession]), the 20 Hz tick loop that drives liveness checks
// and soft shutdown, broadcast routing, and upgrade orchestration.
// [Workspace] is one tenant's live state: its lazily built, memoized
// pipeline (constructed at most once per generation, shared by
// concurrent admissions), the attached sessions, and the reconnect
// grace bookkeeping. [ClientSession] translates one connection's
// requests into pipeline calls with per-request error isolation.
// [EndpointClient] proxies workspaces whose authoritative pipeline
// lives in another region.
//
// Concurrency model: one Manager mutex guards every registry and all
// Workspace/ClientSession bookkeeping. Pipeline construction, pipeline
// calls, account-service lookups, and socket sends all happen outside
// the lock — the code collects what it needs under the mutex, releases
// it, then performs I/O. Three ordering guarantees hold throughout:
// a tx response reaches the submitting client before the resulting
// broadcast reaches anyone else; an upgrade cutover never builds a new
// pipeline until the previous generation has fully drained; and
// concurrent admissions never build two pipelines for one workspace.
package session
