// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sort"
	"time"

	"github.com/tessera-foundation/tessera/lib/ref"
)

// SessionStatistics is one session's operational counters as exposed
// on the statistics endpoint.
type SessionStatistics struct {
	SessionID ref.SessionID `json:"sessionId"`
	Account   ref.AccountID `json:"account"`

	// Binary and Compression report the negotiated framing.
	Binary      bool   `json:"binary"`
	Compression string `json:"compression,omitempty"`

	// InFlight is the number of requests currently being processed.
	InFlight int `json:"inFlight"`

	// Total and Mins5 are operation counts since creation and over
	// the last five-minute window.
	Total opCounters `json:"total"`
	Mins5 opCounters `json:"mins5"`

	// Hung marks a session past its liveness timeout.
	Hung bool `json:"hung,omitempty"`
}

// WorkspaceStatistics is one workspace's live state summary.
type WorkspaceStatistics struct {
	Workspace ref.WorkspaceID `json:"workspace"`
	URL       string          `json:"url,omitempty"`
	Version   string          `json:"version,omitempty"`
	Upgrading bool            `json:"upgrading,omitempty"`
	Closing   bool            `json:"closing,omitempty"`

	Sessions []SessionStatistics `json:"sessions"`
}

// GetStatistics snapshots every workspace and session, ordered by
// workspace ID for stable output.
func (m *Manager) GetStatistics() []WorkspaceStatistics {
	now := m.clock.Now()
	m.mu.Lock()
	stats := make([]WorkspaceStatistics, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		wstat := WorkspaceStatistics{
			Workspace: ws.id,
			URL:       ws.url,
			Version:   ws.version,
			Upgrading: ws.upgrade,
			Closing:   ws.closing != nil,
			Sessions:  make([]SessionStatistics, 0, len(ws.sessions)),
		}
		for _, entry := range ws.sessions {
			s := entry.session
			wstat.Sessions = append(wstat.Sessions, SessionStatistics{
				SessionID:   s.id,
				Account:     s.account.UUID,
				Binary:      s.format.Binary,
				Compression: s.format.Compression,
				InFlight:    len(s.requests),
				Total:       s.total,
				Mins5:       s.mins5,
				Hung:        now.Sub(s.lastRequest) > s.hangTimeout(),
			})
		}
		sort.Slice(wstat.Sessions, func(i, j int) bool {
			return wstat.Sessions[i].SessionID < wstat.Sessions[j].SessionID
		})
		stats = append(stats, wstat)
	}
	m.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Workspace < stats[j].Workspace })
	return stats
}

// Health classifies overall process health.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// HealthThresholds sets the hung-percentage boundaries between health
// states.
type HealthThresholds struct {
	// DegradedPercent and UnhealthyPercent apply to both the hung
	// session share and the hung request share; the worse of the two
	// wins. Defaults: 10 and 30.
	DegradedPercent  float64
	UnhealthyPercent float64
}

func (t *HealthThresholds) applyDefaults() {
	if t.DegradedPercent <= 0 {
		t.DegradedPercent = 10
	}
	if t.UnhealthyPercent <= 0 {
		t.UnhealthyPercent = 30
	}
}

// hungRequestAge marks a request as hung on the health report once it
// has been outstanding this long.
const hungRequestAge = 30 * time.Second

// HealthReport is the health endpoint's payload.
type HealthReport struct {
	Status Health `json:"status"`

	Workspaces   int `json:"workspaces"`
	Sessions     int `json:"sessions"`
	HungSessions int `json:"hungSessions"`
	Requests     int `json:"requests"`
	HungRequests int `json:"hungRequests"`
}

// CheckHealth derives process health from the share of hung sessions
// and hung in-flight requests.
func (m *Manager) CheckHealth() HealthReport {
	now := m.clock.Now()
	report := HealthReport{Status: Healthy}

	m.mu.Lock()
	report.Workspaces = len(m.workspaces)
	for _, ws := range m.workspaces {
		for _, entry := range ws.sessions {
			s := entry.session
			report.Sessions++
			if now.Sub(s.lastRequest) > s.hangTimeout() {
				report.HungSessions++
			}
			for _, req := range s.requests {
				report.Requests++
				if now.Sub(req.start) > hungRequestAge {
					report.HungRequests++
				}
			}
		}
	}
	m.mu.Unlock()

	worst := percent(report.HungSessions, report.Sessions)
	if p := percent(report.HungRequests, report.Requests); p > worst {
		worst = p
	}
	switch {
	case worst >= m.health.UnhealthyPercent:
		report.Status = Unhealthy
	case worst >= m.health.DegradedPercent:
		report.Status = Degraded
	}
	return report
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}
