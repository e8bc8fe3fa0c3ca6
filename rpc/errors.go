// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "fmt"

// Code classifies a Status. Codes are wire constants; clients switch
// on them to decide whether to retry, re-login, or upgrade.
type Code string

const (
	// CodeUnauthorized: token missing, malformed, or expired.
	// Terminal for this token.
	CodeUnauthorized Code = "unauthorized"

	// CodeWorkspaceNotFound: the workspace does not exist or the
	// account has no access. Terminal.
	CodeWorkspaceNotFound Code = "workspace-not-found"

	// CodeWorkspaceArchived, CodeWorkspaceMigrating,
	// CodeWorkspaceRestoring: the workspace is in a mode that refuses
	// connections. Terminal; the client must not retry the same
	// token.
	CodeWorkspaceArchived  Code = "workspace-archived"
	CodeWorkspaceMigrating Code = "workspace-migrating"
	CodeWorkspaceRestoring Code = "workspace-restoring"

	// CodeWorkspaceCreating: the workspace is still being created.
	// Retryable.
	CodeWorkspaceCreating Code = "workspace-creating"

	// CodeUpgradeRequired: model version mismatch or the workspace is
	// mid-upgrade. The client should reconnect after upgrading.
	CodeUpgradeRequired Code = "upgrade-required"

	// CodeAccountUnavailable: the account service could not be
	// reached. Retryable.
	CodeAccountUnavailable Code = "account-unavailable"

	// CodeRateLimit: the account exceeded its request budget.
	CodeRateLimit Code = "rate-limit"

	// CodeWorkspaceClosing: the workspace is shutting down; the
	// client should reconnect.
	CodeWorkspaceClosing Code = "workspace-closing"

	// CodeUnknownMethod: the request named a method outside the
	// protocol's closed set.
	CodeUnknownMethod Code = "unknown-method"

	// CodeForbidden: the session lacks the capability (backup
	// operations without upload rights).
	CodeForbidden Code = "forbidden"

	// CodeInternal: a pipeline or server failure scoped to this one
	// request.
	CodeInternal Code = "internal"
)

// Status is a structured, wire-serializable error. It implements
// error so pipeline failures flow through ordinary error returns and
// are converted at the dispatch boundary.
type Status struct {
	Code    Code   `json:"code" cbor:"code"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

func (s *Status) Error() string {
	if s.Message == "" {
		return string(s.Code)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Terminal reports whether the status means the client must not retry
// with the same token.
func (s *Status) Terminal() bool {
	switch s.Code {
	case CodeUnauthorized, CodeWorkspaceNotFound, CodeWorkspaceArchived,
		CodeWorkspaceMigrating, CodeWorkspaceRestoring:
		return true
	}
	return false
}

// NewStatus builds a Status from a code and format arguments.
func NewStatus(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsStatus converts any error into a Status for the wire. Existing
// Status values pass through; everything else becomes CodeInternal so
// pipeline internals never leak unstructured failures to clients.
func AsStatus(err error) *Status {
	if err == nil {
		return nil
	}
	if s, ok := err.(*Status); ok {
		return s
	}
	return &Status{Code: CodeInternal, Message: err.Error()}
}
