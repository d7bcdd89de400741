// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists wizard state under a per-session key namespace.
//
// The store never fails its callers. Reads fall back to a supplied default
// when storage is unavailable, the key is absent, or the stored value cannot
// be decoded. Writes and clears log failures and carry on. The wizard keeps
// working without persistence; it just forgets on restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrNotFound is returned by a Backend when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Keys used by the wizard.
const (
	KeyFormData    = "formData"
	KeyPageState   = "pageState"
	KeyTosAccepted = "tosAccepted"
)

// Backend is a raw byte key-value store.
//
// Implementations must be safe for concurrent use and must return
// ErrNotFound (or an error wrapping it) for missing keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Store is a namespaced, fail-soft view over a Backend.
//
// # Thread Safety
//
// Safe for concurrent use if the Backend is.
type Store struct {
	backend   Backend
	namespace string
	timeout   time.Duration
	logger    *slog.Logger
	onError   func(op string)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithErrorHook registers a callback invoked with the operation name
// ("load", "save", "clear") each time the backend fails.
func WithErrorHook(fn func(op string)) Option {
	return func(s *Store) { s.onError = fn }
}

// New returns a Store that prefixes every key with namespace.
//
// Inputs:
//
//	backend - Raw storage. May be nil, in which case every read returns
//	          its fallback and every write is dropped.
//	namespace - Key prefix, typically "session/<id>/".
//	opts - Optional configuration.
//
// Outputs:
//
//	*Store - Never nil.
func New(backend Backend, namespace string, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		namespace: namespace,
		timeout:   2 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the key prefix.
func (s *Store) Namespace() string {
	return s.namespace
}

// Available reports whether a backend is configured.
func (s *Store) Available() bool {
	return s != nil && s.backend != nil
}

// Load reads key and decodes it into a T.
//
// Description:
//
//	Returns fallback when the store has no backend, the key is absent,
//	the backend errors, or the stored JSON does not decode into T.
//	Absent keys are normal and are not logged. Everything else is logged
//	at warn level.
//
// Inputs:
//
//	s - The store. May be nil.
//	key - Key within the namespace.
//	fallback - Value returned on any failure.
//
// Outputs:
//
//	T - The stored value or fallback.
//
// Examples:
//
//	flat := store.Load(s, store.KeyFormData, map[string]string{})
//	page := store.Load(s, store.KeyPageState, "/")
func Load[T any](s *Store, key string, fallback T) T {
	if !s.Available() {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	raw, err := s.backend.Get(ctx, s.namespace+key)
	if errors.Is(err, ErrNotFound) {
		return fallback
	}
	if err != nil {
		s.fail("load", key, err)
		return fallback
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		s.logger.Warn("discarding malformed stored value",
			slog.String("key", s.namespace+key),
			slog.String("error", err.Error()))
		return fallback
	}
	return out
}

// Save encodes value as JSON and writes it under key. Failures are logged.
//
// Saves are synchronous: when Save returns, a subsequent Load observes the
// value unless the backend failed.
func (s *Store) Save(key string, value any) {
	if !s.Available() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.fail("save", key, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Set(ctx, s.namespace+key, raw); err != nil {
		s.fail("save", key, err)
	}
}

// Clear removes every key in the namespace. Failures are logged.
func (s *Store) Clear() {
	if !s.Available() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.DeletePrefix(ctx, s.namespace); err != nil {
		s.fail("clear", "", err)
	}
}

func (s *Store) fail(op, key string, err error) {
	s.logger.Warn("session storage unavailable",
		slog.String("op", op),
		slog.String("key", s.namespace+key),
		slog.String("error", err.Error()))
	if s.onError != nil {
		s.onError(op)
	}
}
