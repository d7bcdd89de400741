// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint derives stable content identities for wizard inputs.
//
// A fingerprint keys the generation caches: two inputs that normalise to the
// same content always produce the same fingerprint, and any change to the
// content produces a different one. Hashes are domain separated so a letter
// fingerprint can never collide with a document or terms fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes. The version suffix allows the derivation to change later
// without colliding with previously persisted fingerprints.
const (
	DomainAnswers  = "tenantletter/answers/v1"
	DomainDocument = "tenantletter/document/v1"
	DomainTerms    = "tenantletter/terms/v1"
)

// Fingerprint is a hex encoded SHA-256 digest.
type Fingerprint string

// Of computes the fingerprint of parts within domain.
//
// Description:
//
//	Computes SHA256(domain + 0x00 + len(p0) + p0 + len(p1) + p1 ...).
//	Each part is normalised to Unicode NFC first so visually identical
//	text typed on different platforms hashes the same. Parts are length
//	prefixed, so ("ab", "c") and ("a", "bc") never collide.
//
// Inputs:
//
//	domain - One of the Domain* constants.
//	parts - Ordered content parts. Order is significant.
//
// Outputs:
//
//	Fingerprint - 64 character lowercase hex digest.
//
// Thread Safety: Safe for concurrent use.
func Of(domain string, parts ...string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})

	var size [8]byte
	for _, p := range parts {
		n := norm.NFC.String(p)
		binary.BigEndian.PutUint64(size[:], uint64(len(n)))
		h.Write(size[:])
		h.Write([]byte(n))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Terms fingerprints the text of the terms of service.
func Terms(text string) Fingerprint {
	return Of(DomainTerms, text)
}

// Short returns the first 12 characters, for logs and file names.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// IsZero reports whether f is the empty fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == ""
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return string(f)
}
