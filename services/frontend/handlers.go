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
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
	"github.com/AleutianAI/TenantLetter/services/wizard/mail"
	"github.com/AleutianAI/TenantLetter/services/wizard/nav"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
	"github.com/AleutianAI/TenantLetter/services/wizard/verify"
)

// Form actions shared by several pages.
const (
	actionBack     = "back"
	actionVerify   = "verify"
	actionSave     = "save"
	actionRevert   = "revert"
	actionContinue = "continue"
)

// =============================================================================
// Page entry
// =============================================================================

// page renders any wizard page on GET.
//
// # Description
//
// The location goes through Session.Navigate, so the terms guard, reset
// handling and generation kick-off all happen here. A poll request from a
// pending page re-renders the current state without entering the page
// again, which keeps a failed run on screen instead of retrying it on
// every refresh.
func (s *Server) page(c *gin.Context) {
	sess := sessionFrom(c)
	if c.Query("poll") == "1" && s.renderPoll(c, sess) {
		return
	}
	// Entering the intro overwrites the resume point, so read it first.
	resume, _ := sess.Resume()
	res := sess.Navigate(c.Request.URL.RequestURI())
	if res.Redirect != "" {
		c.Redirect(http.StatusFound, res.Redirect)
		return
	}
	if loc := sess.Graph().Location(res.Page); loc != cleanPath(c.Request.URL.Path) {
		c.Redirect(http.StatusFound, loc)
		return
	}
	s.render(c, sess, res.Page, res.Direction, resume)
}

func (s *Server) renderPoll(c *gin.Context, sess *session.Session) bool {
	page := sess.Graph().Resolve(c.Request.URL.Path)
	if page != nav.Edit && page != nav.Submitted {
		return false
	}
	if !sess.TermsAccepted() || sess.State().Current != page {
		return false
	}
	s.render(c, sess, page, nav.None, "")
	return true
}

// enter runs the guard for a form post and reports the page being posted.
// On false the response has been written.
func (s *Server) enter(c *gin.Context, sess *session.Session) (nav.PageID, bool) {
	res := sess.Navigate(c.Request.URL.Path)
	if res.Redirect != "" {
		c.Redirect(http.StatusSeeOther, res.Redirect)
		return "", false
	}
	return res.Page, true
}

func (s *Server) render(c *gin.Context, sess *session.Session, page nav.PageID, dir nav.Direction, resume string) {
	qs := sess.Questions()
	g := sess.Graph()
	v := s.newView(sess, page, dir)

	switch page {
	case nav.Intro:
		body := introBody{Copy: qs.Intro, StartURL: g.Location(nav.Terms)}
		if sess.TermsAccepted() {
			next, _ := g.Next(nav.Intro)
			body.StartURL = g.Location(next)
		}
		body.ResumeURL = resume
		if body.Copy.StartLabel == "" {
			body.Copy.StartLabel = "Get started"
		}
		v.Body = body
		c.HTML(http.StatusOK, tmplIntro, v)

	case nav.Terms:
		next, _ := g.Next(nav.Intro)
		v.Title = "Terms of use"
		v.Body = termsBody{Terms: qs.Terms, Accepted: sess.TermsAccepted(), NextURL: g.Location(next)}
		c.HTML(http.StatusOK, tmplTerms, v)

	case nav.Edit:
		lv := sess.Letter()
		body := editView(qs, lv)
		if body.Verify {
			v.ChallengeURL = s.cfg.ChallengeURL
			body.ChallengeURL = s.cfg.ChallengeURL
		}
		if body.Pending {
			s.poll(&v, g.Location(nav.Edit))
		}
		v.Title = qs.Edit.Title
		v.Body = body
		c.HTML(http.StatusOK, tmplEdit, v)

	case nav.Addresses:
		v.Title = qs.Addresses.Title
		v.Body = addressesView(qs, sess.Answers(), nil)
		c.HTML(http.StatusOK, tmplAddresses, v)

	case nav.Submitted:
		_, mailed := sess.Mailed()
		body := submittedView(qs, sess.Document(), s.cfg.MailEnabled, mailed)
		if body.Pending {
			s.poll(&v, g.Location(nav.Submitted))
		}
		v.Title = qs.Submitted.Title
		v.Body = body
		c.HTML(http.StatusOK, tmplSubmitted, v)

	default:
		n, _ := page.FormIndex()
		body := formView(qs, n, sess.Answers(), nil)
		v.Title = body.Page.Title
		v.Body = body
		c.HTML(http.StatusOK, tmplForm, v)
	}
}

// =============================================================================
// Form posts
// =============================================================================

func (s *Server) acceptTerms(c *gin.Context) {
	sess := sessionFrom(c)
	if c.PostForm("accept") != "yes" {
		c.Redirect(http.StatusSeeOther, "/terms")
		return
	}
	sess.AcceptTerms()
	g := sess.Graph()
	next, _ := g.Next(nav.Intro)
	c.Redirect(http.StatusSeeOther, g.Location(next))
}

// submitForm stores a question page, then moves back or, when every
// required question is answered, forward.
func (s *Server) submitForm(c *gin.Context) {
	sess := sessionFrom(c)
	page, ok := s.enter(c, sess)
	if !ok {
		return
	}
	n, isForm := page.FormIndex()
	if !isForm {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	qs := sess.Questions()
	p, _ := qs.Page(n)
	values := make(map[string]string, len(p.Questions))
	for _, q := range p.Questions {
		values[q.Key] = c.PostForm(q.Key)
	}
	sess.SetAnswers(values)

	g := sess.Graph()
	if c.PostForm("action") == actionBack {
		prev, _ := g.Back(page)
		c.Redirect(http.StatusSeeOther, g.Location(prev))
		return
	}
	rec := sess.Answers()
	if missing := qs.MissingRequired(n, rec.Answers); len(missing) > 0 {
		v := s.newView(sess, page, nav.None)
		body := formView(qs, n, rec, missing)
		v.Title = body.Page.Title
		v.Body = body
		c.HTML(http.StatusUnprocessableEntity, tmplForm, v)
		return
	}
	next, _ := g.Next(page)
	c.Redirect(http.StatusSeeOther, g.Location(next))
}

// submitEdit handles the review page: verification, saving or reverting
// the user's edit, and moving on.
func (s *Server) submitEdit(c *gin.Context) {
	sess := sessionFrom(c)
	if _, ok := s.enter(c, sess); !ok {
		return
	}
	g := sess.Graph()
	here := g.Location(nav.Edit)

	switch c.PostForm("action") {
	case actionVerify:
		if sess.SetVerification(verify.FromFormValue(c.PostForm(verify.FieldName))) {
			sess.GenerateLetter()
		}
	case actionSave:
		s.saveLetter(c, sess)
	case actionRevert:
		sess.SetLetterOverride("")
	case actionContinue:
		s.saveLetter(c, sess)
		if sess.HasCompleted() {
			c.Redirect(http.StatusSeeOther, g.Location(nav.Addresses))
			return
		}
	case actionBack:
		prev, _ := g.Back(nav.Edit)
		c.Redirect(http.StatusSeeOther, g.Location(prev))
		return
	}
	c.Redirect(http.StatusSeeOther, here)
}

// saveLetter records the textarea as the override once a letter exists.
// A form posted while the letter was still pending carries no body.
func (s *Server) saveLetter(c *gin.Context, sess *session.Session) {
	text, ok := c.GetPostForm("letter")
	if !ok || sess.Letter().Status != pipeline.StatusReady {
		return
	}
	sess.SetLetterOverride(text)
}

func (s *Server) submitAddresses(c *gin.Context) {
	sess := sessionFrom(c)
	if _, ok := s.enter(c, sess); !ok {
		return
	}
	keys := answers.Keys()
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		values[k] = strings.TrimSpace(c.PostForm(k))
	}
	sess.SetAnswers(values)

	g := sess.Graph()
	if c.PostForm("action") == actionBack {
		c.Redirect(http.StatusSeeOther, g.Location(nav.Edit))
		return
	}
	if _, errs := sess.GenerateDocument(); len(errs) > 0 {
		qs := sess.Questions()
		v := s.newView(sess, nav.Addresses, nav.None)
		v.Title = qs.Addresses.Title
		v.Body = addressesView(qs, sess.Answers(), errs)
		c.HTML(http.StatusUnprocessableEntity, tmplAddresses, v)
		return
	}
	c.Redirect(http.StatusSeeOther, g.Location(nav.Submitted))
}

// =============================================================================
// Document and mail
// =============================================================================

// letterPDF serves the rendered letter inline, or as an attachment with
// download=1. It does not enter a page.
func (s *Server) letterPDF(c *gin.Context) {
	sess := sessionFrom(c)
	if !sess.TermsAccepted() {
		c.Redirect(http.StatusFound, "/")
		return
	}
	dv := sess.Document()
	if dv.Status != pipeline.StatusReady || dv.Document == nil {
		c.Redirect(http.StatusFound, "/submitted")
		return
	}
	disposition := "inline"
	if c.Query("download") == "1" {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, dv.Document.Filename))
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, "application/pdf", dv.Document.Bytes)
}

func (s *Server) mail(c *gin.Context) {
	sess := sessionFrom(c)
	if !sess.TermsAccepted() {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	handoff, err := sess.MailLetter(c.PostForm("confirm") == "yes")
	if err == nil {
		var page bytes.Buffer
		if err = handoff.WriteHTML(&page); err == nil {
			s.logger.Info("Certified mail hand-off served", "bytes", len(handoff.PDF))
			c.Header("Cache-Control", "private, no-store")
			c.Data(http.StatusOK, "text/html; charset=utf-8", page.Bytes())
			return
		}
	}

	code, msg := mailFailure(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Failed to mail letter", "error", err)
	}
	qs := sess.Questions()
	_, mailed := sess.Mailed()
	body := submittedView(qs, sess.Document(), s.cfg.MailEnabled, mailed)
	body.MailError = msg
	v := s.newView(sess, nav.Submitted, nav.None)
	v.Title = qs.Submitted.Title
	v.Body = body
	c.HTML(code, tmplSubmitted, v)
}

func mailFailure(err error) (int, string) {
	switch {
	case errors.Is(err, mail.ErrNotConfirmed):
		return http.StatusUnprocessableEntity, "Please confirm that your letter may be sent to the mail provider."
	case errors.Is(err, session.ErrDocumentNotReady):
		return http.StatusConflict, "Your PDF is not ready yet."
	case errors.Is(err, session.ErrMailDisabled):
		return http.StatusNotFound, "Certified mail is not available."
	default:
		return http.StatusInternalServerError, "We could not prepare your letter for certified mail. Please try again."
	}
}

// restart discards the session's answers and generated content.
func (s *Server) restart(c *gin.Context) {
	sessionFrom(c).Reset()
	c.Redirect(http.StatusSeeOther, "/")
}

// status reports generation progress for scripts and polling clients.
func (s *Server) status(c *gin.Context) {
	sess := sessionFrom(c)
	lv := sess.Letter()
	dv := sess.Document()
	_, mailed := sess.Mailed()
	c.JSON(http.StatusOK, gin.H{
		"page": sess.State().Current,
		"letter": gin.H{
			"status":       lv.Status,
			"stillWorking": lv.StillWorking,
			"edited":       lv.Edited(),
			"verify":       needsWidget(lv),
		},
		"document": gin.H{
			"status":           dv.Status,
			"stillWorking":     dv.StillWorking,
			"waitingForLetter": dv.WaitingForLetter,
		},
		"hasCompleted": sess.HasCompleted(),
		"mailed":       mailed,
	})
}

func cleanPath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
