// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestGetPut(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, err = db.Get(ctx, "session/a/formData")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Put(ctx, "session/a/formData", []byte(`{"issue1":"mold"}`)))
	got, err := db.Get(ctx, "session/a/formData")
	require.NoError(t, err)
	assert.Equal(t, `{"issue1":"mold"}`, string(got))

	require.NoError(t, db.Put(ctx, "session/a/formData", []byte(`{}`)))
	got, err = db.Get(ctx, "session/a/formData")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))
}

func TestDeletePrefix_OnlyRemovesNamespace(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "session/a/formData", []byte("1")))
	require.NoError(t, db.Put(ctx, "session/a/pageState", []byte("2")))
	require.NoError(t, db.Put(ctx, "session/b/formData", []byte("3")))

	n, err := db.DeletePrefix(ctx, "session/a/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = db.Get(ctx, "session/a/formData")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	got, err := db.Get(ctx, "session/b/formData")
	require.NoError(t, err)
	assert.Equal(t, "3", string(got))
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = db.Put(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenWithPath_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "session/x/tosAccepted", []byte(`"abc"`)))
	require.NoError(t, db.Close())

	db2, err := OpenWithPath(dir)
	require.NoError(t, err)
	defer db2.Close()
	assert.Equal(t, dir, db2.Path())

	got, err := db2.Get(ctx, "session/x/tosAccepted")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(got))
}
