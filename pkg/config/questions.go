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
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/TenantLetter/services/wizard/fingerprint"
)

//go:embed questions.yaml
var defaultQuestions []byte

// =============================================================================
// Question Set
// =============================================================================

// Question describes one free-text field.
type Question struct {
	Key         string `yaml:"key" validate:"required,alphanum"`
	Label       string `yaml:"label" validate:"required"`
	Placeholder string `yaml:"placeholder"`
	Required    bool   `yaml:"required"`
}

// Page is one form page of the wizard.
type Page struct {
	Title     string     `yaml:"title" validate:"required"`
	Subtitle  string     `yaml:"subtitle"`
	Tip       string     `yaml:"tip"`
	TipType   string     `yaml:"tip_type" validate:"omitempty,oneof=default success"`
	Submit    string     `yaml:"submit"`
	Info      string     `yaml:"info"`
	Questions []Question `yaml:"questions" validate:"required,min=1,dive"`
}

// Feature is a card on the intro page.
type Feature struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// IntroCopy is the static text of the intro page.
type IntroCopy struct {
	Heading     string    `yaml:"heading"`
	Description string    `yaml:"description"`
	Features    []Feature `yaml:"features"`
	InfoTitle   string    `yaml:"info_title"`
	InfoText    string    `yaml:"info_text"`
	StartLabel  string    `yaml:"start_label"`
	ResumeLabel string    `yaml:"resume_label"`
}

// EditCopy is the static text of the edit page.
type EditCopy struct {
	Title        string `yaml:"title"`
	Subtitle     string `yaml:"subtitle"`
	Pending      string `yaml:"pending"`
	StillWorking string `yaml:"still_working"`
	Failed       string `yaml:"failed"`
	Verify       string `yaml:"verify"`
	RevertLabel  string `yaml:"revert_label"`
	Submit       string `yaml:"submit"`
}

// AddressCopy is the static text of the addresses page.
type AddressCopy struct {
	Title              string `yaml:"title"`
	Subtitle           string `yaml:"subtitle"`
	SenderHeading      string `yaml:"sender_heading"`
	DestinationHeading string `yaml:"destination_heading"`
	Submit             string `yaml:"submit"`
}

// SubmittedCopy is the static text of the submitted page.
type SubmittedCopy struct {
	Title         string `yaml:"title"`
	Subtitle      string `yaml:"subtitle"`
	Pending       string `yaml:"pending"`
	Waiting       string `yaml:"waiting"`
	Failed        string `yaml:"failed"`
	DownloadLabel string `yaml:"download_label"`
	MailLabel     string `yaml:"mail_label"`
	MailConfirm   string `yaml:"mail_confirm"`
	MailSent      string `yaml:"mail_sent"`
	RestartLabel  string `yaml:"restart_label"`
}

// Prompts holds the text/template sources for the letter service. The
// system prompt sees {{.CurrentTime}}; the user prompt sees {{.Block}} and
// {{.Answers}}.
type Prompts struct {
	System string `yaml:"system" validate:"required"`
	User   string `yaml:"user" validate:"required"`
}

// QuestionSet is the complete wizard content: pages of questions, the terms
// of use, page copy and the generation prompts.
//
// A QuestionSet is immutable once parsed; providers swap whole sets.
type QuestionSet struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Terms       string        `yaml:"terms" validate:"required"`
	Intro       IntroCopy     `yaml:"intro"`
	Pages       []Page        `yaml:"pages" validate:"required,min=1,dive"`
	Edit        EditCopy      `yaml:"edit"`
	Addresses   AddressCopy   `yaml:"addresses"`
	Submitted   SubmittedCopy `yaml:"submitted"`
	Prompts     Prompts       `yaml:"prompts"`

	system *template.Template
	user   *template.Template
}

// ParseQuestions decodes and validates a question set.
//
// Keys must be unique across pages. Both prompt templates must parse.
func ParseQuestions(data []byte) (*QuestionSet, error) {
	var qs QuestionSet
	if err := yaml.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("decode question set: %w", err)
	}
	if err := configValidate.Struct(&qs); err != nil {
		return nil, fmt.Errorf("invalid question set: %w", err)
	}
	seen := make(map[string]bool)
	for _, q := range qs.Questions() {
		if seen[q.Key] {
			return nil, fmt.Errorf("invalid question set: duplicate key %q", q.Key)
		}
		seen[q.Key] = true
	}

	var err error
	if qs.system, err = template.New("system").Option("missingkey=zero").Parse(qs.Prompts.System); err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	if qs.user, err = template.New("user").Option("missingkey=zero").Parse(qs.Prompts.User); err != nil {
		return nil, fmt.Errorf("parse user prompt: %w", err)
	}
	return &qs, nil
}

// DefaultQuestions returns the embedded question set. It panics only if the
// embedded file is broken, which the package tests rule out.
func DefaultQuestions() *QuestionSet {
	qs, err := ParseQuestions(defaultQuestions)
	if err != nil {
		panic(fmt.Sprintf("embedded question set: %v", err))
	}
	return qs
}

// Questions returns every question in page order.
func (qs *QuestionSet) Questions() []Question {
	var out []Question
	for _, p := range qs.Pages {
		out = append(out, p.Questions...)
	}
	return out
}

// Keys returns every question key in page order.
func (qs *QuestionSet) Keys() []string {
	qq := qs.Questions()
	keys := make([]string, len(qq))
	for i, q := range qq {
		keys[i] = q.Key
	}
	return keys
}

// Page returns the 1-based form page n.
func (qs *QuestionSet) Page(n int) (Page, bool) {
	if n < 1 || n > len(qs.Pages) {
		return Page{}, false
	}
	return qs.Pages[n-1], true
}

// Question looks a question up by key.
func (qs *QuestionSet) Question(key string) (Question, bool) {
	for _, q := range qs.Questions() {
		if q.Key == key {
			return q, true
		}
	}
	return Question{}, false
}

// AnswerBlock reduces answers to the ordered text the letter is drafted
// from: each question's label, a newline, then its answer, with blocks
// separated by a blank line. Unanswered questions keep their label so the
// model can see what was skipped. Keys not in the set are ignored.
func (qs *QuestionSet) AnswerBlock(answers map[string]string) string {
	qq := qs.Questions()
	blocks := make([]string, len(qq))
	for i, q := range qq {
		blocks[i] = q.Label + "\n" + answers[q.Key]
	}
	return strings.Join(blocks, "\n\n")
}

// MissingRequired returns the keys of required questions on page n whose
// answers are blank.
func (qs *QuestionSet) MissingRequired(n int, answers map[string]string) []string {
	p, ok := qs.Page(n)
	if !ok {
		return nil
	}
	var missing []string
	for _, q := range p.Questions {
		if q.Required && strings.TrimSpace(answers[q.Key]) == "" {
			missing = append(missing, q.Key)
		}
	}
	return missing
}

// TermsFingerprint identifies the current terms text.
func (qs *QuestionSet) TermsFingerprint() fingerprint.Fingerprint {
	return fingerprint.Terms(qs.Terms)
}

// =============================================================================
// Prompts
// =============================================================================

// promptZone is the time zone the system prompt reports the date in.
const promptZone = "America/New_York"

// SystemPrompt renders the system prompt at now.
func (qs *QuestionSet) SystemPrompt(now time.Time) (string, error) {
	if qs.system == nil {
		return "", errors.New("question set was not parsed")
	}
	if loc, err := time.LoadLocation(promptZone); err == nil {
		now = now.In(loc)
	}
	var buf bytes.Buffer
	err := qs.system.Execute(&buf, map[string]any{
		"CurrentTime": now.Format("Monday, January 2 15:04:05 MST 2006"),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// UserPrompt renders the user prompt for answers.
func (qs *QuestionSet) UserPrompt(answers map[string]string) (string, error) {
	if qs.user == nil {
		return "", errors.New("question set was not parsed")
	}
	var buf bytes.Buffer
	err := qs.user.Execute(&buf, map[string]any{
		"Block":   qs.AnswerBlock(answers),
		"Answers": answers,
	})
	if err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return buf.String(), nil
}
