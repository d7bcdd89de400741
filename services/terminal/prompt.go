// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package terminal

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
)

// Prompter collects input from the user. Values maps are read for the
// initial values and updated in place.
type Prompter interface {
	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, title, description string) (bool, error)
	// Questions asks every question of pages.
	Questions(ctx context.Context, pages []config.Page, values map[string]string) error
	// Letter lets the user edit the drafted letter.
	Letter(ctx context.Context, title, body string) (string, error)
	// Addresses asks for both addresses. problems holds field messages
	// from a previous attempt, keyed like values.
	Addresses(ctx context.Context, labels config.AddressCopy, values, problems map[string]string) error
}

// Limits on free-text input, matching what the letter API accepts.
const (
	answerCharLimit = 8000
	letterCharLimit = 20000
)

var errRequired = errors.New("this question is required")

// HuhPrompter renders prompts as huh forms.
type HuhPrompter struct {
	in         io.Reader
	out        io.Writer
	accessible bool
	theme      *huh.Theme
}

var _ Prompter = (*HuhPrompter)(nil)

// NewHuhPrompter returns a prompter reading in and writing out. accessible
// selects huh's line-based mode for screen readers and non-terminals.
func NewHuhPrompter(in io.Reader, out io.Writer, accessible bool) *HuhPrompter {
	theme := huh.ThemeBase()
	theme.Focused.Title = theme.Focused.Title.Foreground(ColorTealBright).Bold(true)
	theme.Focused.Description = theme.Focused.Description.Foreground(ColorTealPrimary)
	theme.Focused.ErrorMessage = theme.Focused.ErrorMessage.Foreground(ColorError)
	return &HuhPrompter{in: in, out: out, accessible: accessible, theme: theme}
}

func (h *HuhPrompter) run(ctx context.Context, groups ...*huh.Group) error {
	form := huh.NewForm(groups...).
		WithTheme(h.theme).
		WithAccessible(h.accessible).
		WithInput(h.in).
		WithOutput(h.out)
	return form.RunWithContext(ctx)
}

func (h *HuhPrompter) Confirm(ctx context.Context, title, description string) (bool, error) {
	var ok bool
	field := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := h.run(ctx, huh.NewGroup(field)); err != nil {
		return false, err
	}
	return ok, nil
}

// Questions shows one group per page. Users move between pages with
// shift+tab, like the back button of the web wizard.
func (h *HuhPrompter) Questions(ctx context.Context, pages []config.Page, values map[string]string) error {
	bound := make(map[string]*string)
	groups := make([]*huh.Group, 0, len(pages))
	for _, p := range pages {
		fields := make([]huh.Field, 0, len(p.Questions))
		for _, q := range p.Questions {
			v := values[q.Key]
			bound[q.Key] = &v
			field := huh.NewText().
				Key(q.Key).
				Title(q.Label).
				Placeholder(q.Placeholder).
				CharLimit(answerCharLimit).
				Value(&v)
			if q.Required {
				field = field.Validate(requireText)
			}
			fields = append(fields, field)
		}
		groups = append(groups, huh.NewGroup(fields...).
			Title(p.Title).
			Description(pageDescription(p)))
	}
	if err := h.run(ctx, groups...); err != nil {
		return err
	}
	for k, v := range bound {
		values[k] = *v
	}
	return nil
}

func (h *HuhPrompter) Letter(ctx context.Context, title, body string) (string, error) {
	field := huh.NewText().
		Title(title).
		CharLimit(letterCharLimit).
		Lines(20).
		Value(&body)
	if err := h.run(ctx, huh.NewGroup(field)); err != nil {
		return "", err
	}
	return body, nil
}

func (h *HuhPrompter) Addresses(ctx context.Context, labels config.AddressCopy, values, problems map[string]string) error {
	states := answers.StateOptions()
	options := make([]huh.Option[string], 0, len(states))
	for _, st := range states {
		options = append(options, huh.NewOption(st[1], st[0]))
	}

	bound := make(map[string]*string)
	group := func(role answers.Role, heading string) *huh.Group {
		var fields []huh.Field
		for _, suffix := range answers.Fields() {
			key := answers.Key(role, suffix)
			v := values[key]
			bound[key] = &v
			label := answers.FieldLabel(suffix)
			if suffix == answers.FieldCompany {
				label += " (optional)"
			}
			if suffix == answers.FieldState {
				fields = append(fields, huh.NewSelect[string]().
					Key(key).
					Title(label).
					Description(problems[key]).
					Options(options...).
					Height(8).
					Value(&v))
				continue
			}
			field := huh.NewInput().Key(key).Title(label).Description(problems[key]).Value(&v)
			switch suffix {
			case answers.FieldCompany:
			case answers.FieldZip:
				field = field.Validate(validateZip)
			default:
				field = field.Validate(requireText)
			}
			fields = append(fields, field)
		}
		return huh.NewGroup(fields...).Title(heading)
	}

	err := h.run(ctx,
		group(answers.Sender, labels.SenderHeading),
		group(answers.Destination, labels.DestinationHeading))
	if err != nil {
		return err
	}
	for k, v := range bound {
		values[k] = strings.TrimSpace(*v)
	}
	return nil
}

func requireText(s string) error {
	if strings.TrimSpace(s) == "" {
		return errRequired
	}
	return nil
}

func validateZip(s string) error {
	if !answers.ValidZip(strings.TrimSpace(s)) {
		return errors.New("enter a 5 digit ZIP code")
	}
	return nil
}

func pageDescription(p config.Page) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.Subtitle, p.Tip, p.Info} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
