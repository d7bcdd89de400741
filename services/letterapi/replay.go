// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package letterapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ReplayGuard limits how many times a verification token is accepted
// within its lifetime. Tokens are held as keyed digests, never verbatim.
type ReplayGuard struct {
	key    []byte
	uses   int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]replayEntry
}

type replayEntry struct {
	expires time.Time
	uses    int
}

// NewReplayGuard allows each token uses times within window.
func NewReplayGuard(key []byte, uses int, window time.Duration) *ReplayGuard {
	if uses < 1 {
		uses = 1
	}
	return &ReplayGuard{
		key:     key,
		uses:    uses,
		window:  window,
		now:     time.Now,
		entries: make(map[string]replayEntry),
	}
}

// Allow records a use of token and reports whether it was within budget.
// A token seen after its window stays rejected until swept.
func (g *ReplayGuard) Allow(token string) bool {
	k := g.digest(token)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[k]
	if !ok {
		g.entries[k] = replayEntry{expires: now.Add(g.window), uses: 1}
		return true
	}
	if now.After(e.expires) || e.uses >= g.uses {
		return false
	}
	e.uses++
	g.entries[k] = e
	return true
}

// Sweep drops expired entries and returns how many were removed.
func (g *ReplayGuard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for k, e := range g.entries {
		if now.After(e.expires) {
			delete(g.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked tokens.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Run sweeps every interval until ctx is done.
func (g *ReplayGuard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func (g *ReplayGuard) digest(token string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
