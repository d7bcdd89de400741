// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package frontend

import (
	"errors"
	"strconv"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
	"github.com/AleutianAI/TenantLetter/services/wizard/nav"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
)

// =============================================================================
// View models
// =============================================================================

// view is the data every page template receives.
type view struct {
	Name      string
	Title     string
	Direction string
	Steps     []step
	// Refresh is the self-refresh period in seconds; zero disables it.
	Refresh    int
	RefreshURL string
	// ChallengeURL is set when the verification widget is shown.
	ChallengeURL string
	Body         any
}

type step struct {
	Label   string
	Done    bool
	Current bool
}

type introBody struct {
	Copy      config.IntroCopy
	StartURL  string
	ResumeURL string
}

type termsBody struct {
	Terms    string
	Accepted bool
	NextURL  string
}

type formField struct {
	Key         string
	Label       string
	Placeholder string
	Required    bool
	Value       string
	Missing     bool
}

type formBody struct {
	Page    config.Page
	Action  string
	Fields  []formField
	Missing bool
}

type editBody struct {
	Copy         config.EditCopy
	Status       string
	Body         string
	Edited       bool
	StillWorking bool
	Verify       bool
	ChallengeURL string
	Failed       bool
	Ready        bool
	Pending      bool
}

type addressField struct {
	Key      string
	Label    string
	Value    string
	Error    string
	Optional bool
	Select   bool
}

type party struct {
	Heading string
	Fields  []addressField
}

type addressesBody struct {
	Copy    config.AddressCopy
	Parties []party
	States  [][2]string
	Invalid bool
}

type submittedBody struct {
	Copy         config.SubmittedCopy
	Status       string
	Pending      bool
	Waiting      bool
	Failed       bool
	Blocked      bool
	Ready        bool
	StillWorking bool
	Filename     string
	MailEnabled  bool
	Mailed       bool
	MailError    string
}

// =============================================================================
// Builders
// =============================================================================

func (s *Server) newView(sess *session.Session, page nav.PageID, dir nav.Direction) view {
	v := view{
		Name:      sess.Questions().Name,
		Direction: dir.String(),
		Steps:     steps(sess.Graph(), page),
	}
	if v.Name == "" {
		v.Name = "Tenant Letter"
	}
	v.Title = v.Name
	return v
}

// steps renders the progress bar over the question pages, edit and
// addresses. Pages outside the bar get none.
func steps(g nav.Graph, page nav.PageID) []step {
	current, total, ok := g.Progress(page)
	if !ok {
		return nil
	}
	out := make([]step, total)
	for i := range out {
		n := i + 1
		out[i] = step{Label: strconv.Itoa(n), Done: n < current, Current: n == current}
	}
	out[total-2].Label = "Review"
	out[total-1].Label = "Send"
	return out
}

func (s *Server) poll(v *view, location string) {
	v.Refresh = int(s.cfg.PollInterval.Seconds())
	if v.Refresh < 1 {
		v.Refresh = 1
	}
	v.RefreshURL = location + "?poll=1"
}

func formView(qs *config.QuestionSet, n int, rec answers.Record, missing []string) formBody {
	p, _ := qs.Page(n)
	gone := make(map[string]bool, len(missing))
	for _, k := range missing {
		gone[k] = true
	}
	body := formBody{Page: p, Action: "/form/" + strconv.Itoa(n), Missing: len(missing) > 0}
	for _, q := range p.Questions {
		body.Fields = append(body.Fields, formField{
			Key:         q.Key,
			Label:       q.Label,
			Placeholder: q.Placeholder,
			Required:    q.Required,
			Value:       rec.Answers[q.Key],
			Missing:     gone[q.Key],
		})
	}
	if body.Page.Submit == "" {
		body.Page.Submit = "Continue"
	}
	return body
}

// needsWidget reports whether the letter is waiting on a fresh
// verification: either none was given or the service refused the last one.
func needsWidget(lv pipeline.LetterView) bool {
	if lv.Status == pipeline.StatusNeedsVerification {
		return true
	}
	return lv.Status == pipeline.StatusFailed && errors.Is(lv.Err, pipeline.ErrRejected)
}

func editView(qs *config.QuestionSet, lv pipeline.LetterView) editBody {
	verifyNeeded := needsWidget(lv)
	return editBody{
		Copy:         qs.Edit,
		Status:       lv.Status.String(),
		Body:         lv.Body,
		Edited:       lv.Edited(),
		StillWorking: lv.StillWorking,
		Verify:       verifyNeeded,
		Failed:       lv.Status == pipeline.StatusFailed && !verifyNeeded,
		Ready:        lv.Status == pipeline.StatusReady,
		Pending:      lv.Status == pipeline.StatusPending,
	}
}

func addressesView(qs *config.QuestionSet, rec answers.Record, errs []answers.FieldError) addressesBody {
	messages := make(map[string]string, len(errs))
	for _, fe := range errs {
		messages[fe.Key] = fe.Message
	}
	build := func(role answers.Role, heading string) party {
		p := party{Heading: heading}
		for _, suffix := range answers.Fields() {
			key := answers.Key(role, suffix)
			p.Fields = append(p.Fields, addressField{
				Key:      key,
				Label:    answers.FieldLabel(suffix),
				Value:    rec.Get(key),
				Error:    messages[key],
				Optional: suffix == answers.FieldCompany,
				Select:   suffix == answers.FieldState,
			})
		}
		return p
	}
	return addressesBody{
		Copy: qs.Addresses,
		Parties: []party{
			build(answers.Sender, qs.Addresses.SenderHeading),
			build(answers.Destination, qs.Addresses.DestinationHeading),
		},
		States:  answers.StateOptions(),
		Invalid: len(errs) > 0,
	}
}

func submittedView(qs *config.QuestionSet, dv pipeline.DocumentView, mailEnabled, mailed bool) submittedBody {
	body := submittedBody{
		Copy:         qs.Submitted,
		Status:       dv.Status.String(),
		Pending:      dv.Status == pipeline.StatusPending || dv.Status == pipeline.StatusIdle,
		Waiting:      dv.WaitingForLetter,
		Failed:       dv.Status == pipeline.StatusFailed,
		Blocked:      dv.Status == pipeline.StatusBlocked,
		Ready:        dv.Status == pipeline.StatusReady && dv.Document != nil,
		StillWorking: dv.StillWorking,
		MailEnabled:  mailEnabled,
		Mailed:       mailed,
	}
	if body.Ready {
		body.Filename = dv.Document.Filename
	}
	return body
}
