// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mail

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
)

func testLetter() Letter {
	return Letter{
		PDF:      []byte("%PDF-1.4 test"),
		Filename: "tenant-letter.pdf",
		Name:     "Letter to landlord",
		Duplex:   true,
		Sender: answers.Address{
			Name: "Jane Tenant", Street: "1 Main St", City: "Boston", State: "MA", Zip: "02139",
		},
		Destination: answers.Address{
			Name: "Bob Owner", Company: "Acme Realty", Street: "9 Elm St", City: "Boston", State: "MA", Zip: "02110",
		},
		Confirmed: true,
	}
}

func TestFields(t *testing.T) {
	got := map[string]string{}
	for _, f := range Fields(testLetter()) {
		got[f.Name] = f.Value
	}
	assert.Equal(t, map[string]string{
		"activeoption":   "upload",
		"jobname":        "Letter to landlord",
		"duplex":         "Yes",
		"sendername1":    "Jane Tenant",
		"sendername2":    "",
		"senderaddress1": "1 Main St",
		"sendercity":     "Boston",
		"senderstate":    "MA",
		"senderzip":      "02139",
		"destname1":      "Bob Owner",
		"destname2":      "Acme Realty",
		"destaddress1":   "9 Elm St",
		"destcity":       "Boston",
		"deststate":      "MA",
		"destzip":        "02110",
	}, got)

	l := testLetter()
	l.Duplex = false
	assert.Equal(t, Field{"duplex", "No"}, Fields(l)[2])
}

func testPartner(t *testing.T, endpoint string) *Partner {
	t.Helper()
	p, err := NewPartner(endpoint)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestPrepare(t *testing.T) {
	h, err := testPartner(t, "").Prepare(testLetter())
	require.NoError(t, err)

	assert.Equal(t, DefaultEndpoint, h.Endpoint)
	assert.Equal(t, "tenant-letter.pdf", h.Filename)
	assert.Equal(t, "Letter to landlord", h.Name)
	assert.Equal(t, []byte("%PDF-1.4 test"), h.PDF)
	assert.Equal(t, Fields(testLetter()), h.Fields)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), h.PreparedAt)

	assert.Equal(t, []Field{{"activeoption", "upload"}, {"jobname", "Letter to landlord"}}, h.Before())
	assert.Len(t, h.After(), len(h.Fields)-2)
	assert.Equal(t, "duplex", h.After()[0].Name)
}

func TestPrepare_RequiresConfirmation(t *testing.T) {
	l := testLetter()
	l.Confirmed = false
	_, err := testPartner(t, "").Prepare(l)
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestPrepare_NoDocument(t *testing.T) {
	l := testLetter()
	l.PDF = nil
	_, err := testPartner(t, "").Prepare(l)
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestPrepare_DefaultFilename(t *testing.T) {
	l := testLetter()
	l.Filename = ""
	h, err := testPartner(t, "").Prepare(l)
	require.NoError(t, err)
	assert.Equal(t, "letter.pdf", h.Filename)
}

func TestNewPartner_Endpoint(t *testing.T) {
	assert.Equal(t, DefaultEndpoint, testPartner(t, "").Endpoint())
	assert.Equal(t, "http://127.0.0.1:8080/step2.php", testPartner(t, "http://127.0.0.1:8080/step2.php").Endpoint())

	for _, bad := range []string{"ftp://example.com/step2.php", "step2.php", "https://"} {
		_, err := NewPartner(bad)
		assert.Error(t, err, bad)
	}
}

func TestHandoff_WriteHTML(t *testing.T) {
	l := testLetter()
	l.Destination.Company = "Smith & Sons <LLC>"
	h, err := testPartner(t, "").Prepare(l)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, h.WriteHTML(&buf))
	page := buf.String()

	assert.Contains(t, page, `action="https://www.onlinecertifiedmail.com/step2.php"`)
	assert.Contains(t, page, `enctype="multipart/form-data"`)
	assert.Contains(t, page, `target="_blank"`)
	assert.Contains(t, page, `name="destzip" value="02110"`)
	assert.Contains(t, page, `name="duplex" value="Yes"`)
	assert.Contains(t, page, `name="destname2" value="Smith &amp; Sons &lt;LLC&gt;"`)
	assert.Contains(t, page, `data-filename="tenant-letter.pdf"`)
	assert.Contains(t, page, `data-pdf="`+base64.StdEncoding.EncodeToString(l.PDF)+`"`)
	assert.Contains(t, page, `type="file" id="jobfile" name="jobfile"`)
	assert.NotContains(t, page, "<LLC>")

	// The file sits between jobname and duplex, as the partner's own form
	// posts it.
	job := strings.Index(page, `name="jobname"`)
	file := strings.Index(page, `name="jobfile"`)
	duplex := strings.Index(page, `name="duplex"`)
	assert.Less(t, job, file)
	assert.Less(t, file, duplex)
}
