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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{"issue1", "issue2", "issue3"}

func validAddress() Address {
	return Address{
		Name:   "Jane Tenant",
		Street: "1 Main St Apt 2",
		City:   "Boston",
		State:  "MA",
		Zip:    "02139",
	}
}

func TestNewRecord_HasEveryKey(t *testing.T) {
	r := NewRecord(keys)
	assert.Equal(t, map[string]string{"issue1": "", "issue2": "", "issue3": ""}, r.Answers)
}

func TestRecord_SetRejectsUnknownKeys(t *testing.T) {
	r := NewRecord(keys)
	assert.True(t, r.Set("issue2", "No heat"))
	assert.False(t, r.Set("issue99", "x"))
	assert.False(t, r.Set("sender", "x"))
	assert.NotContains(t, r.Answers, "issue99")
	assert.Equal(t, "No heat", r.Get("issue2"))
	assert.Equal(t, "", r.Get("issue99"))
}

func TestRecord_AddressFields(t *testing.T) {
	r := NewRecord(keys)
	require.True(t, r.Set("senderName", "Jane"))
	require.True(t, r.Set("senderAddress", "1 Main St"))
	require.True(t, r.Set("senderState", " ma "))
	require.True(t, r.Set("destinationCompany", "Acme Realty"))
	require.True(t, r.Set("destinationZip", "10001"))

	assert.Equal(t, "Jane", r.Sender.Name)
	assert.Equal(t, "1 Main St", r.Sender.Street)
	assert.Equal(t, "MA", r.Sender.State)
	assert.Equal(t, "Acme Realty", r.Destination.Company)
	assert.Equal(t, "10001", r.Get("destinationZip"))
}

func TestRecord_GetOnReturnedValue(t *testing.T) {
	flat := map[string]string{"issue1": "Mold", "senderCity": "Boston"}
	assert.Equal(t, "Mold", FromFlat(keys, flat).Get("issue1"))
	assert.Equal(t, "Boston", FromFlat(keys, flat).Get("senderCity"))
	assert.Equal(t, "", NewRecord(keys).Get("issue99"))
}

func TestRecord_FlatRoundTrip(t *testing.T) {
	r := NewRecord(keys)
	r.Set("issue1", "Mold")
	r.Set("senderCity", "Boston")
	r.Set("destinationName", "Landlord LLC")
	r.VerificationToken = "secret"

	flat := r.Flat()
	assert.Equal(t, "Mold", flat["issue1"])
	assert.Equal(t, "", flat["issue2"])
	assert.Equal(t, "Boston", flat["senderCity"])
	assert.Equal(t, "Landlord LLC", flat["destinationName"])
	for _, v := range flat {
		assert.NotEqual(t, "secret", v)
	}

	back := FromFlat(keys, flat)
	assert.Equal(t, r.Answers, back.Answers)
	assert.Equal(t, r.Sender, back.Sender)
	assert.Equal(t, r.Destination, back.Destination)
	assert.Empty(t, back.VerificationToken)
}

func TestFromFlat_DropsStaleKeys(t *testing.T) {
	r := FromFlat(keys, map[string]string{"issue1": "a", "oldQuestion": "b"})
	assert.Equal(t, map[string]string{"issue1": "a", "issue2": "", "issue3": ""}, r.Answers)

	empty := FromFlat(keys, nil)
	assert.Len(t, empty.Answers, 3)
}

func TestRecord_Clone(t *testing.T) {
	r := NewRecord(keys)
	c := r.Clone()
	c.Set("issue1", "changed")
	assert.Equal(t, "", r.Answers["issue1"])
}

func TestAddress_Validate(t *testing.T) {
	assert.Empty(t, validAddress().Validate(Sender))

	plus4 := validAddress()
	plus4.Zip = "02139-1234"
	assert.Empty(t, plus4.Validate(Sender))

	bad := validAddress()
	bad.Name = ""
	bad.State = "ZZ"
	bad.Zip = "2139"
	errs := bad.Validate(Destination)
	got := map[string]string{}
	for _, e := range errs {
		got[e.Key] = e.Message
	}
	assert.Equal(t, map[string]string{
		"destinationName":  "This field is required",
		"destinationState": "Choose a state",
		"destinationZip":   "Enter a 5 digit ZIP code",
	}, got)

	noStreet := validAddress()
	noStreet.Street = ""
	errs = noStreet.Validate(Sender)
	require.Len(t, errs, 1)
	assert.Equal(t, "senderAddress", errs[0].Key)
}

func TestAddress_Line(t *testing.T) {
	assert.Equal(t, "1 Main St Apt 2, Boston, MA 02139", validAddress().Line())
}

func TestAddressKeys(t *testing.T) {
	keys := Keys()
	require.Len(t, keys, 12)
	assert.Equal(t, "senderName", keys[0])
	assert.Equal(t, "destinationZip", keys[11])
	for _, suffix := range Fields() {
		assert.NotEmpty(t, FieldLabel(suffix), suffix)
	}
	rec := NewRecord(nil)
	for _, k := range keys {
		assert.True(t, rec.Set(k, "x"), k)
	}
}

func TestStates(t *testing.T) {
	assert.Len(t, States, 53)
	for _, abbr := range []string{"DC", "PR", "VI"} {
		assert.Contains(t, States, abbr)
	}
	opts := StateOptions()
	assert.Equal(t, "AK", opts[0][0])
	assert.Equal(t, len(States), len(opts))
	assert.True(t, ValidZip("12345"))
	assert.False(t, ValidZip("12345-12"))
}

func TestTermsAcceptance(t *testing.T) {
	var none TermsAcceptance
	assert.False(t, none.Valid("terms v1"))

	acc := Accept("terms v1")
	assert.True(t, acc.Valid("terms v1"))
	assert.False(t, acc.Valid("terms v2"))
}
