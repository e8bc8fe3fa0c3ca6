// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/tessera-foundation/tessera/lib/config"
	"github.com/tessera-foundation/tessera/lib/ref"
)

// maxTrackedLimiters caps limiter map growth. Dropping the map resets
// everyone's bucket to full, which errs on the side of admitting.
const maxTrackedLimiters = 8192

// accountLimiters enforces a per-account request budget across all of
// an account's sessions. System sessions bypass limiting entirely at
// the call site.
type accountLimiters struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[ref.AccountID]*rate.Limiter
}

func newAccountLimiters(cfg config.RateLimit) *accountLimiters {
	l := &accountLimiters{
		perSecond: rate.Limit(cfg.PerSecond),
		burst:     cfg.Burst,
	}
	if l.burst <= 0 {
		l.burst = int(cfg.PerSecond)
	}
	if l.perSecond > 0 {
		l.limiters = make(map[ref.AccountID]*rate.Limiter)
	}
	return l
}

// allow reports whether the account may perform one more request now.
func (l *accountLimiters) allow(id ref.AccountID) bool {
	if l.perSecond <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.limiters) > maxTrackedLimiters {
		l.limiters = make(map[ref.AccountID]*rate.Limiter)
	}
	limiter := l.limiters[id]
	if limiter == nil {
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.limiters[id] = limiter
	}
	return limiter.Allow()
}
