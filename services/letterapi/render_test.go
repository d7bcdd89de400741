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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTypst writes a shell script standing in for the typst binary.
func fakeTypst(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "typst")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestTypstRenderer_PassesTemplateAndParams(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := fakeTypst(t, `printf '%s' "$4" > `+argsFile+`
cat
`)
	out, err := TypstRenderer{Path: bin}.Render(context.Background(), LetterParams{
		SenderName:    "Jane Tenant",
		LetterContent: "Dear landlord,",
		Date:          "Tue, 04 Mar 2025",
	})
	require.NoError(t, err)
	assert.Equal(t, letterTemplate, out, "template is streamed on stdin")

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	prefix := "--input=params="
	require.True(t, len(args) > len(prefix))
	assert.Equal(t, prefix, string(args[:len(prefix)]))

	var got LetterParams
	require.NoError(t, json.Unmarshal(args[len(prefix):], &got))
	assert.Equal(t, "Jane Tenant", got.SenderName)
	assert.Equal(t, "Tue, 04 Mar 2025", got.Date)
}

func TestTypstRenderer_Failures(t *testing.T) {
	bin := fakeTypst(t, "echo 'error: unknown font' >&2\nexit 1\n")
	_, err := TypstRenderer{Path: bin}.Render(context.Background(), LetterParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown font")

	empty := fakeTypst(t, "cat > /dev/null\n")
	_, err = TypstRenderer{Path: empty}.Render(context.Background(), LetterParams{})
	assert.ErrorContains(t, err, "empty output")

	_, err = TypstRenderer{Path: filepath.Join(t.TempDir(), "missing")}.Render(context.Background(), LetterParams{})
	assert.Error(t, err)
}

func TestReporter_Send(t *testing.T) {
	var got card
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	stats := &Analytics{}
	stats.IncrementInferences()
	stats.IncrementInferences()
	stats.IncrementPDFs()

	r := NewReporter(srv.URL, stats, srv.Client(), nil)
	r.now = func() time.Time { return time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, r.Send(context.Background()))

	require.Len(t, got.Attachments, 1)
	content := got.Attachments[0].Content
	assert.Equal(t, "AdaptiveCard", content.Type)
	require.Len(t, content.Body, 3)
	facts := content.Body[2].(map[string]any)["facts"].([]any)
	assert.Equal(t, "2", facts[0].(map[string]any)["value"])
	assert.Equal(t, "1", facts[1].(map[string]any)["value"])
}

func TestReporter_SendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, &Analytics{}, nil, nil)
	assert.ErrorContains(t, r.Send(context.Background()), "502")
	r.Job(context.Background())()
}
