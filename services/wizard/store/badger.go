// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/TenantLetter/services/storage/badger"
)

// Badger adapts an embedded BadgerDB to Backend.
type Badger struct {
	db *badger.DB
}

var _ Backend = (*Badger)(nil)

// NewBadger wraps db. The caller keeps ownership and closes it.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.db.Get(ctx, key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (b *Badger) Set(ctx context.Context, key string, value []byte) error {
	return b.db.Put(ctx, key, value)
}

func (b *Badger) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := b.db.DeletePrefix(ctx, prefix)
	return err
}
