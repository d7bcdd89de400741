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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/TenantLetter/services/wizard/verify"
)

var (
	// ErrInvalidSolution means the payload does not solve a challenge this
	// server signed.
	ErrInvalidSolution = errors.New("invalid verification payload")
	// ErrChallengeExpired means the solved challenge is past its expiry.
	ErrChallengeExpired = errors.New("verification challenge expired")
)

// Challenger issues and checks signed proof-of-work challenges for the
// verification widget.
type Challenger struct {
	key       []byte
	maxNumber int
	ttl       time.Duration
	now       func() time.Time
}

// NewChallenger returns a Challenger signing with key. An empty key is
// replaced with random bytes.
func NewChallenger(key string, maxNumber int, ttl time.Duration) (*Challenger, error) {
	k := []byte(key)
	if len(k) == 0 {
		k = make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("generate challenge key: %w", err)
		}
	}
	if maxNumber < 1 {
		return nil, fmt.Errorf("challenge max number must be positive, got %d", maxNumber)
	}
	return &Challenger{key: k, maxNumber: maxNumber, ttl: ttl, now: time.Now}, nil
}

// Key returns the signing key. The replay guard derives its digests from it.
func (c *Challenger) Key() []byte {
	return c.key
}

// New creates a challenge expiring after the configured lifetime.
func (c *Challenger) New() (verify.Challenge, error) {
	saltBytes := make([]byte, 12)
	if _, err := rand.Read(saltBytes); err != nil {
		return verify.Challenge{}, fmt.Errorf("generate salt: %w", err)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(c.maxNumber)+1))
	if err != nil {
		return verify.Challenge{}, fmt.Errorf("generate number: %w", err)
	}
	expires := c.now().Add(c.ttl).Unix()
	salt := hex.EncodeToString(saltBytes) + "?expires=" + strconv.FormatInt(expires, 10)
	challenge := verify.HashHex(salt, int(n.Int64()))
	return verify.Challenge{
		Algorithm: verify.AlgorithmSHA256,
		Challenge: challenge,
		MaxNumber: c.maxNumber,
		Salt:      salt,
		Signature: c.sign(challenge),
	}, nil
}

// Verify checks a widget payload: the number must hash to the challenge,
// the challenge must carry this server's signature and must not have
// expired.
func (c *Challenger) Verify(payload string) error {
	sol, err := verify.DecodeSolution(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSolution, err)
	}
	if sol.Algorithm != verify.AlgorithmSHA256 {
		return fmt.Errorf("%w: algorithm %q", ErrInvalidSolution, sol.Algorithm)
	}
	if !hmac.Equal([]byte(c.sign(sol.Challenge)), []byte(sol.Signature)) {
		return fmt.Errorf("%w: bad signature", ErrInvalidSolution)
	}
	if verify.HashHex(sol.Salt, sol.Number) != sol.Challenge {
		return fmt.Errorf("%w: wrong number", ErrInvalidSolution)
	}
	if expires, ok := saltExpiry(sol.Salt); ok && c.now().After(expires) {
		return ErrChallengeExpired
	}
	return nil
}

func (c *Challenger) sign(challenge string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// saltExpiry reads the expires parameter embedded in a salt.
func saltExpiry(salt string) (time.Time, bool) {
	_, query, ok := strings.Cut(salt, "?")
	if !ok {
		return time.Time{}, false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(values.Get("expires"), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
