// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify turns human-verification widget events into the opaque
// token the generation services require.
//
// The widget reports a stream of state changes. Only a verified event
// carries a usable token; every other state means "no token yet".
package verify

// FieldName is the form field the verification widget writes its payload
// into once the challenge is solved.
const FieldName = "altcha"

// StateVerified is the widget state that carries a payload.
const StateVerified = "verified"

// Event is a widget state change. It is either Verified or Unverified.
type Event interface {
	isEvent()
}

// Verified carries the solved challenge payload.
type Verified struct {
	Payload string
}

// Unverified is any other widget state ("unverified", "verifying",
// "expired", "error").
type Unverified struct {
	State string
}

func (Verified) isEvent()   {}
func (Unverified) isEvent() {}

// FromWidget converts a raw widget state and payload into an Event.
// A "verified" state with an empty payload is treated as unverified.
func FromWidget(state, payload string) Event {
	if state == StateVerified && payload != "" {
		return Verified{Payload: payload}
	}
	return Unverified{State: state}
}

// FromFormValue interprets the widget's hidden form field. The widget
// only fills the field after a successful challenge.
func FromFormValue(value string) Event {
	if value == "" {
		return Unverified{State: "unverified"}
	}
	return Verified{Payload: value}
}

// Token extracts the token from ev. ok is false for anything other than a
// Verified event with a payload.
func Token(ev Event) (token string, ok bool) {
	switch e := ev.(type) {
	case Verified:
		if e.Payload == "" {
			return "", false
		}
		return e.Payload, true
	default:
		return "", false
	}
}
