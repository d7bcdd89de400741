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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// AlgorithmSHA256 is the only proof-of-work hash the widget and the letter
// API agree on.
const AlgorithmSHA256 = "SHA-256"

// ErrMalformedPayload means a widget payload could not be decoded.
var ErrMalformedPayload = errors.New("verify: malformed payload")

// ErrUnsolvable means no number up to MaxNumber matches the challenge.
var ErrUnsolvable = errors.New("verify: challenge has no solution")

// Challenge is a proof-of-work puzzle in the widget's wire format.
type Challenge struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	MaxNumber int    `json:"maxnumber"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// Solution is the decoded form of the payload the widget submits.
type Solution struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Number    int    `json:"number"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// HashHex returns hex(sha256(salt + decimal(number))).
func HashHex(salt string, number int) string {
	sum := sha256.Sum256([]byte(salt + strconv.Itoa(number)))
	return hex.EncodeToString(sum[:])
}

// Encode returns the base64 JSON payload the widget would submit.
func (s Solution) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode solution: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSolution parses a widget payload.
func DecodeSolution(payload string) (Solution, error) {
	var s Solution
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return s, nil
}

// Solve searches for the number behind ch and returns the Verified event a
// browser widget would have produced. It is used by clients without a
// browser, such as the terminal wizard.
func Solve(ctx context.Context, ch Challenge) (Event, error) {
	if ch.Algorithm != AlgorithmSHA256 {
		return nil, fmt.Errorf("verify: unsupported algorithm %q", ch.Algorithm)
	}
	for n := 0; n <= ch.MaxNumber; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if HashHex(ch.Salt, n) != ch.Challenge {
			continue
		}
		payload, err := Solution{
			Algorithm: ch.Algorithm,
			Challenge: ch.Challenge,
			Number:    n,
			Salt:      ch.Salt,
			Signature: ch.Signature,
		}.Encode()
		if err != nil {
			return nil, err
		}
		return Verified{Payload: payload}, nil
	}
	return nil, ErrUnsolvable
}

// FetchChallenge GETs a challenge from url.
func FetchChallenge(ctx context.Context, client *http.Client, url string) (Challenge, error) {
	var ch Challenge
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ch, fmt.Errorf("build challenge request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ch, fmt.Errorf("fetch challenge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ch, fmt.Errorf("fetch challenge: status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ch); err != nil {
		return ch, fmt.Errorf("decode challenge: %w", err)
	}
	return ch, nil
}
