// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChallenge(number int) Challenge {
	salt := "0a1b2c3d?expires=4102444800"
	return Challenge{
		Algorithm: AlgorithmSHA256,
		Challenge: HashHex(salt, number),
		MaxNumber: 500,
		Salt:      salt,
		Signature: "sig",
	}
}

func TestSolve(t *testing.T) {
	ch := testChallenge(321)
	ev, err := Solve(context.Background(), ch)
	require.NoError(t, err)

	payload, ok := Token(ev)
	require.True(t, ok)
	sol, err := DecodeSolution(payload)
	require.NoError(t, err)
	assert.Equal(t, 321, sol.Number)
	assert.Equal(t, ch.Salt, sol.Salt)
	assert.Equal(t, "sig", sol.Signature)
}

func TestSolve_Failures(t *testing.T) {
	ch := testChallenge(321)
	ch.MaxNumber = 100
	_, err := Solve(context.Background(), ch)
	assert.ErrorIs(t, err, ErrUnsolvable)

	ch.Algorithm = "SHA-1"
	_, err = Solve(context.Background(), ch)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Solve(ctx, testChallenge(321))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeSolution_Malformed(t *testing.T) {
	_, err := DecodeSolution("not base64!")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeSolution("bm90IGpzb24=")
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestFetchChallenge(t *testing.T) {
	want := testChallenge(7)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/challenge" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := FetchChallenge(context.Background(), nil, srv.URL+"/challenge")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = FetchChallenge(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "status 404")
}
