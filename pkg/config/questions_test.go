// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultQuestions(t *testing.T) {
	qs := DefaultQuestions()

	require.Len(t, qs.Pages, 3)
	assert.Equal(t, []string{
		"issue1", "issue2", "issue3", "issue4",
		"issue5", "issue6", "issue7", "issue8", "issue9",
		"issue10",
	}, qs.Keys())
	assert.NotEmpty(t, qs.Terms)
	assert.NotEmpty(t, qs.Intro.Heading)

	q, ok := qs.Question("issue10")
	require.True(t, ok)
	assert.True(t, q.Required)
	_, ok = qs.Question("issue11")
	assert.False(t, ok)

	p, ok := qs.Page(2)
	require.True(t, ok)
	assert.Len(t, p.Questions, 5)
	_, ok = qs.Page(0)
	assert.False(t, ok)
	_, ok = qs.Page(4)
	assert.False(t, ok)
}

func TestAnswerBlock_Golden(t *testing.T) {
	qs := DefaultQuestions()
	block := qs.AnswerBlock(map[string]string{
		"issue1":  "The heat has not worked since November.",
		"issue2":  "Living room and both bedrooms.",
		"issue5":  "Yes, I emailed on December 1.",
		"issue10": "Repair the furnace within seven days.",
		"unknown": "ignored",
	})

	g := goldie.New(t)
	g.Assert(t, "prompt_block", []byte(block))
}

func TestAnswerBlock_EmptyAnswersKeepLabels(t *testing.T) {
	qs := DefaultQuestions()
	block := qs.AnswerBlock(nil)

	qq := qs.Questions()
	require.Len(t, qq, 10)
	var want strings.Builder
	for i, q := range qq {
		if i > 0 {
			want.WriteString("\n\n")
		}
		want.WriteString(q.Label + "\n")
	}
	assert.Equal(t, want.String(), block)

	// Labels stay in question order.
	at := 0
	for _, q := range qq {
		i := strings.Index(block[at:], q.Label)
		require.GreaterOrEqual(t, i, 0, q.Label)
		at += i + len(q.Label)
	}
}

func TestMissingRequired(t *testing.T) {
	qs := DefaultQuestions()

	assert.Equal(t, []string{"issue1"}, qs.MissingRequired(1, map[string]string{"issue2": "x"}))
	assert.Empty(t, qs.MissingRequired(1, map[string]string{"issue1": "no heat"}))
	assert.Equal(t, []string{"issue1"}, qs.MissingRequired(1, map[string]string{"issue1": "   "}))
	assert.Nil(t, qs.MissingRequired(9, nil))
}

func TestPrompts(t *testing.T) {
	qs := DefaultQuestions()

	sys, err := qs.SystemPrompt(time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Contains(t, sys, "Tuesday, March 4 12:00:00 EST 2025")

	user, err := qs.UserPrompt(map[string]string{"issue1": "No heat"})
	require.NoError(t, err)
	assert.Contains(t, user, "What problems are occurring with your house/apartment?\nNo heat")
}

func TestParseQuestions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "pages: ["},
		{"no pages", "terms: t\nprompts: {system: s, user: u}\n"},
		{"no terms", `
pages:
  - title: One
    questions: [{key: a, label: A}]
prompts: {system: s, user: u}
`},
		{"duplicate key", `
terms: t
pages:
  - title: One
    questions: [{key: a, label: A}]
  - title: Two
    questions: [{key: a, label: Again}]
prompts: {system: s, user: u}
`},
		{"bad template", `
terms: t
pages:
  - title: One
    questions: [{key: a, label: A}]
prompts: {system: "{{.Broken", user: u}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuestions([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestTermsFingerprint_TracksText(t *testing.T) {
	a := DefaultQuestions()
	b := DefaultQuestions()
	assert.Equal(t, a.TermsFingerprint(), b.TermsFingerprint())

	b.Terms += "\nNew clause."
	assert.NotEqual(t, a.TermsFingerprint(), b.TermsFingerprint())
}
