// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package answers

import (
	"strings"
)

// Record is everything the user has entered.
//
// # Description
//
// Answers holds one entry per configured question key, including keys the
// user has not answered yet (empty string). Keys outside the configured set
// are never stored. VerificationToken is held in memory only and is never
// part of Flat.
//
// # Thread Safety
//
// Not safe for concurrent use. The session serialises access.
type Record struct {
	Answers           map[string]string
	Sender            Address
	Destination       Address
	VerificationToken string
}

// NewRecord returns a record with an empty answer for every key.
func NewRecord(keys []string) Record {
	r := Record{Answers: make(map[string]string, len(keys))}
	for _, k := range keys {
		r.Answers[k] = ""
	}
	return r
}

// FromFlat rebuilds a record from persisted form data.
//
// # Description
//
// Unknown keys in flat are dropped, so stale entries from an older question
// set do not leak into prompts. Missing keys become empty answers.
//
// # Inputs
//
//   - keys: The configured question keys.
//   - flat: Persisted form data, possibly nil.
//
// # Outputs
//
//   - Record: Hydrated record without a verification token.
func FromFlat(keys []string, flat map[string]string) Record {
	r := NewRecord(keys)
	for k, v := range flat {
		r.Set(k, v)
	}
	return r
}

// Flat returns the persisted form of the record: question answers and
// address fields in a single map.
func (r Record) Flat() map[string]string {
	out := make(map[string]string, len(r.Answers)+2*len(addressFields))
	for k, v := range r.Answers {
		out[k] = v
	}
	for _, role := range []Role{Sender, Destination} {
		addr := r.address(role)
		for _, suffix := range addressFields {
			if v := *addr.field(suffix); v != "" {
				out[Key(role, suffix)] = v
			}
		}
	}
	return out
}

// Set updates one field by its flat key.
//
// # Outputs
//
//   - bool: false if key is neither a configured question nor an address
//     field. The record is unchanged in that case.
func (r *Record) Set(key, value string) bool {
	if _, ok := r.Answers[key]; ok {
		r.Answers[key] = value
		return true
	}
	if p := r.addressField(key); p != nil {
		if strings.HasSuffix(key, FieldState) {
			value = NormalizeState(value)
		}
		*p = value
		return true
	}
	return false
}

// Get returns the value of a flat key, or "" if unknown.
func (r Record) Get(key string) string {
	if v, ok := r.Answers[key]; ok {
		return v
	}
	if p := r.addressField(key); p != nil {
		return *p
	}
	return ""
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Answers = make(map[string]string, len(r.Answers))
	for k, v := range r.Answers {
		out.Answers[k] = v
	}
	return out
}

// Address returns the address for role.
func (r Record) Address(role Role) Address {
	return *r.address(role)
}

func (r *Record) address(role Role) *Address {
	if role == Destination {
		return &r.Destination
	}
	return &r.Sender
}

func (r *Record) addressField(key string) *string {
	for _, role := range []Role{Sender, Destination} {
		suffix, ok := strings.CutPrefix(key, string(role))
		if !ok {
			continue
		}
		return r.address(role).field(suffix)
	}
	return nil
}
