// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Manager owns the live sessions and evicts idle ones.
//
// Eviction only drops the in-memory session and its generated content; the
// persisted answers remain in the store, so a returning browser with the
// same cookie is rehydrated.
type Manager struct {
	deps *Deps
	idle time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	cron *cron.Cron
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout sets how long a session may go untouched before a sweep
// evicts it. Default 2h.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithNow sets the clock used by Sweep.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a manager sharing deps across sessions.
func NewManager(deps Deps, opts ...ManagerOption) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:     &deps,
		idle:     2 * time.Hour,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session for id, creating it when id is unknown or not a
// valid session id. The returned id is the one the caller must set in the
// cookie; it differs from id when a new session was issued.
func (m *Manager) Get(id string) (*Session, string) {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, id
	}
	s := New(id, m.deps)
	m.sessions[id] = s
	m.deps.Metrics.SessionOpened()
	return s, id
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle for longer than the idle timeout and returns
// how many were evicted.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			evicted = append(evicted, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		s.Close()
		m.deps.Metrics.SessionClosed()
	}
	if len(evicted) > 0 {
		m.deps.Logger.Info("evicted idle sessions", "count", len(evicted), "remaining", m.Len())
	}
	return len(evicted)
}

// Start runs Sweep on spec, a cron expression or descriptor such as
// "@every 10m".
func (m *Manager) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { m.Sweep() }); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", spec, err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	return nil
}

// Shutdown stops the sweeper and closes every session, waiting for
// in-flight generation or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range sessions {
			s.Close()
			m.deps.Metrics.SessionClosed()
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
