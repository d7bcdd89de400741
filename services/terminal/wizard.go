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
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/browser"

	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
	"github.com/AleutianAI/TenantLetter/services/wizard/mail"
	"github.com/AleutianAI/TenantLetter/services/wizard/nav"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
	"github.com/AleutianAI/TenantLetter/services/wizard/verify"
)

var (
	// ErrTermsDeclined means the user did not accept the terms of use.
	ErrTermsDeclined = errors.New("terminal: terms of use declined")
	// ErrAbandoned means the user stopped after a generation failure.
	ErrAbandoned = errors.New("terminal: generation abandoned")
	// ErrNoSolver means verification was required but no challenge
	// endpoint is configured.
	ErrNoSolver = errors.New("terminal: no verification challenge configured")
)

// maxVerifications bounds how often a rejected token is replaced in one
// review.
const maxVerifications = 3

// Solver obtains a verification event without a browser widget.
type Solver func(ctx context.Context) (verify.Event, error)

// ChallengeSolver fetches a proof-of-work challenge from url and solves it
// locally.
func ChallengeSolver(client *http.Client, url string) Solver {
	return func(ctx context.Context) (verify.Event, error) {
		ch, err := verify.FetchChallenge(ctx, client, url)
		if err != nil {
			return nil, err
		}
		return verify.Solve(ctx, ch)
	}
}

// Config holds the terminal wizard settings.
type Config struct {
	// OutputDir receives the rendered PDF. Default ".".
	OutputDir   string
	MailEnabled bool
	// PollInterval is how often generation status is checked while
	// waiting. Default 250ms.
	PollInterval time.Duration
}

// Option configures a Wizard.
type Option func(*Wizard)

// WithSolver sets how verification tokens are obtained.
func WithSolver(s Solver) Option {
	return func(w *Wizard) { w.solve = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wizard) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithOpener sets how a saved certified mail page is shown to the user.
// The default opens it in the system browser.
func WithOpener(open func(path string) error) Option {
	return func(w *Wizard) {
		if open != nil {
			w.open = open
		}
	}
}

// Result is the outcome of a completed run.
type Result struct {
	// Path is where the PDF was written.
	Path string
	// Handoff is the saved certified mail page, if one was prepared.
	Handoff string
	Mailed  bool
}

// Wizard walks one session through the letter flow.
type Wizard struct {
	cfg     Config
	sess    *session.Session
	prompt  Prompter
	printer *Printer
	solve   Solver
	logger  *slog.Logger
	open    func(path string) error
	skipQs  bool
}

// New returns a wizard for sess.
func New(cfg Config, sess *session.Session, prompt Prompter, printer *Printer, opts ...Option) *Wizard {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	w := &Wizard{
		cfg:     cfg,
		sess:    sess,
		prompt:  prompt,
		printer: printer,
		logger:  slog.Default(),
		open:    browser.OpenFile,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the wizard from the introduction to a saved PDF.
//
// # Description
//
// Every step goes through Session.Navigate, so the terminal run leaves the
// session in the same state a browser would and can be resumed by either
// front end. A letter that fails after the user reached the PDF step sends
// the run back to the review.
//
// # Outputs
//
//   - Result: The saved PDF path and whether it was mailed.
//   - error: ErrTermsDeclined, ErrAbandoned, a prompt error such as
//     huh.ErrUserAborted, or a verification or file error.
func (w *Wizard) Run(ctx context.Context) (Result, error) {
	qs := w.sess.Questions()
	w.printer.Title(qs.Name)
	if qs.Description != "" {
		w.printer.Info(qs.Description)
	}

	if err := w.intro(ctx); err != nil {
		return Result{}, err
	}
	if err := w.terms(ctx); err != nil {
		return Result{}, err
	}
	if err := w.questions(ctx); err != nil {
		return Result{}, err
	}

	var path string
	for {
		if err := w.review(ctx); err != nil {
			return Result{}, err
		}
		if err := w.addresses(ctx); err != nil {
			return Result{}, err
		}
		p, again, err := w.document(ctx)
		if err != nil {
			return Result{}, err
		}
		if !again {
			path = p
			break
		}
	}
	w.printer.Success(fmt.Sprintf("%s: %s", qs.Submitted.Title, path))

	handoff, err := w.mail(ctx)
	if err != nil {
		return Result{Path: path}, err
	}
	return Result{Path: path, Handoff: handoff, Mailed: handoff != ""}, nil
}

// navigate enters page, reporting a guard redirect as an error.
func (w *Wizard) navigate(page nav.PageID) error {
	g := w.sess.Graph()
	res := w.sess.Navigate(g.Location(page))
	if res.Redirect != "" {
		return fmt.Errorf("cannot enter %s: redirected to %s", page, res.Redirect)
	}
	if step, total, ok := g.Progress(page); ok {
		w.printer.Progress(step, total)
	}
	return nil
}

func (w *Wizard) intro(ctx context.Context) error {
	qs := w.sess.Questions()
	if loc, ok := w.sess.Resume(); ok {
		title := qs.Intro.ResumeLabel
		if title == "" {
			title = "Continue where you left off?"
		}
		resume, err := w.prompt.Confirm(ctx, title, "Saved progress was found.")
		if err != nil {
			return err
		}
		if resume {
			switch w.sess.Graph().Resolve(loc) {
			case nav.Edit, nav.Addresses, nav.Submitted:
				w.skipQs = true
			}
		} else {
			w.sess.Reset()
		}
	}
	return w.navigate(nav.Intro)
}

func (w *Wizard) terms(ctx context.Context) error {
	if w.sess.TermsAccepted() {
		return nil
	}
	if err := w.navigate(nav.Terms); err != nil {
		return err
	}
	w.printer.Box("Terms of use", w.sess.Questions().Terms)
	ok, err := w.prompt.Confirm(ctx, "Do you accept the terms of use?", "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrTermsDeclined
	}
	w.sess.AcceptTerms()
	return nil
}

func (w *Wizard) questions(ctx context.Context) error {
	qs := w.sess.Questions()
	values := w.sess.Answers().Answers
	if w.skipQs && complete(w.sess) {
		return nil
	}
	for {
		if err := w.prompt.Questions(ctx, qs.Pages, values); err != nil {
			return err
		}
		w.sess.SetAnswers(values)
		if complete(w.sess) {
			break
		}
		w.printer.Warning("Please answer the required questions.")
	}
	for n := 1; n <= len(qs.Pages); n++ {
		if err := w.navigate(nav.FormPage(n)); err != nil {
			return err
		}
	}
	return nil
}

func complete(sess *session.Session) bool {
	qs := sess.Questions()
	rec := sess.Answers()
	for n := 1; n <= len(qs.Pages); n++ {
		if len(qs.MissingRequired(n, rec.Answers)) > 0 {
			return false
		}
	}
	return true
}

// =============================================================================
// Letter
// =============================================================================

func (w *Wizard) review(ctx context.Context) error {
	if err := w.navigate(nav.Edit); err != nil {
		return err
	}
	lv, err := w.awaitLetter(ctx)
	if err != nil {
		return err
	}

	qs := w.sess.Questions()
	w.printer.Box(qs.Edit.Title, lv.Body)
	change, err := w.prompt.Confirm(ctx, "Would you like to change the letter?", qs.Edit.Subtitle)
	if err != nil {
		return err
	}
	if change {
		body, err := w.prompt.Letter(ctx, qs.Edit.Title, lv.Body)
		if err != nil {
			return err
		}
		if w.sess.SetLetterOverride(body).Edited() {
			w.printer.Success("Your changes were saved")
		}
	}
	return nil
}

// awaitLetter drives Stage 1 to a letter: it verifies when asked to,
// waits while pending and offers a retry after a failure.
func (w *Wizard) awaitLetter(ctx context.Context) (pipeline.LetterView, error) {
	qs := w.sess.Questions()
	verifications := 0
	for {
		lv := w.sess.Letter()
		switch {
		case lv.Status == pipeline.StatusReady:
			return lv, nil

		case lv.Status == pipeline.StatusNeedsVerification,
			lv.Status == pipeline.StatusFailed && errors.Is(lv.Err, pipeline.ErrRejected):
			if verifications == maxVerifications {
				return lv, fmt.Errorf("verification rejected %d times: %w", verifications, lv.Err)
			}
			verifications++
			if err := w.verify(ctx); err != nil {
				return lv, err
			}

		case lv.Status == pipeline.StatusFailed:
			w.printer.Error(qs.Edit.Failed)
			w.logger.Warn("Letter generation failed", "error", lv.Err)
			again, err := w.prompt.Confirm(ctx, "Try again?", "")
			if err != nil {
				return lv, err
			}
			if !again {
				return lv, ErrAbandoned
			}
			w.sess.GenerateLetter()

		case lv.Status == pipeline.StatusPending:
			err := w.wait(ctx, qs.Edit.Pending, qs.Edit.StillWorking, func() (bool, bool) {
				v := w.sess.Letter()
				return v.Status == pipeline.StatusPending, v.StillWorking
			})
			if err != nil {
				return lv, err
			}

		default:
			if v := w.sess.GenerateLetter(); v.Status == pipeline.StatusIdle {
				return v, errors.New("letter generation did not start")
			}
		}
	}
}

func (w *Wizard) verify(ctx context.Context) error {
	if w.solve == nil {
		return ErrNoSolver
	}
	w.printer.Info(w.sess.Questions().Edit.Verify)
	spin := w.printer.NewSpinner("Solving verification challenge...")
	spin.Start()
	ev, err := w.solve(ctx)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if !w.sess.SetVerification(ev) {
		return errors.New("verification: no token produced")
	}
	w.sess.GenerateLetter()
	w.printer.Success("Verified")
	return nil
}

// wait spins until poll reports nothing pending. slow switches the message
// once generation is taking longer than usual.
func (w *Wizard) wait(ctx context.Context, message, slowMessage string, poll func() (pending, slow bool)) error {
	spin := w.printer.NewSpinner(message)
	spin.Start()
	defer spin.Stop()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		pending, slow := poll()
		if !pending {
			return nil
		}
		if slow && slowMessage != "" {
			spin.UpdateMessage(slowMessage)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Addresses and document
// =============================================================================

func (w *Wizard) addresses(ctx context.Context) error {
	if err := w.navigate(nav.Addresses); err != nil {
		return err
	}
	qs := w.sess.Questions()
	rec := w.sess.Answers()
	keys := answers.Keys()
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		values[k] = rec.Get(k)
	}

	problems := map[string]string{}
	for {
		if err := w.prompt.Addresses(ctx, qs.Addresses, values, problems); err != nil {
			return err
		}
		w.sess.SetAnswers(values)
		_, errs := w.sess.GenerateDocument()
		if len(errs) == 0 {
			return nil
		}
		problems = make(map[string]string, len(errs))
		for _, fe := range errs {
			problems[fe.Key] = fe.Message
		}
		w.printer.Warning("Please correct the highlighted fields.")
	}
}

// document waits for the PDF and saves it. again is true when the letter
// itself needs another pass through the review.
func (w *Wizard) document(ctx context.Context) (string, bool, error) {
	qs := w.sess.Questions()
	g := w.sess.Graph()
	for {
		res := w.sess.Navigate(g.Location(nav.Submitted))
		if res.Redirect != "" {
			if res.Redirect == g.Location(nav.Edit) {
				return "", true, nil
			}
			return "", false, fmt.Errorf("cannot enter %s: redirected to %s", nav.Submitted, res.Redirect)
		}

		dv := w.sess.Document()
		switch dv.Status {
		case pipeline.StatusReady:
			path, err := w.save(dv.Document)
			return path, false, err

		case pipeline.StatusBlocked:
			w.printer.Error(qs.Edit.Failed)
			return "", true, nil

		case pipeline.StatusFailed:
			w.printer.Error(qs.Submitted.Failed)
			w.logger.Warn("Document generation failed", "error", dv.Err)
			retry, err := w.prompt.Confirm(ctx, "Try again?", "")
			if err != nil {
				return "", false, err
			}
			if !retry {
				return "", false, ErrAbandoned
			}

		case pipeline.StatusPending:
			message := qs.Submitted.Pending
			if dv.WaitingForLetter {
				message = qs.Submitted.Waiting
			}
			err := w.wait(ctx, message, "", func() (bool, bool) {
				v := w.sess.Document()
				return v.Status == pipeline.StatusPending, v.StillWorking
			})
			if err != nil {
				return "", false, err
			}

		default:
			return "", false, fmt.Errorf("document generation did not start (%s)", dv.Status)
		}
	}
}

func (w *Wizard) save(doc *pipeline.Document) (string, error) {
	if doc == nil {
		return "", errors.New("save letter: no document")
	}
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("save letter: %w", err)
	}
	path := filepath.Join(w.cfg.OutputDir, filepath.Base(doc.Filename))
	if err := os.WriteFile(path, doc.Bytes, 0o600); err != nil {
		return "", fmt.Errorf("save letter: %w", err)
	}
	w.logger.Info("Letter saved", "path", path, "bytes", len(doc.Bytes))
	return path, nil
}

// mail prepares the certified mail hand-off and saves it as a page next to
// the PDF. The partner form is posted from that page in the user's
// browser. It returns the page path, or "" when mail was skipped.
func (w *Wizard) mail(ctx context.Context) (string, error) {
	if !w.cfg.MailEnabled {
		return "", nil
	}
	qs := w.sess.Questions()
	send, err := w.prompt.Confirm(ctx, qs.Submitted.MailLabel, qs.Submitted.MailConfirm)
	if err != nil || !send {
		return "", err
	}
	h, err := w.sess.MailLetter(true)
	if err != nil {
		return "", err
	}
	path, err := w.saveHandoff(h)
	if err != nil {
		return "", err
	}
	w.printer.Success(fmt.Sprintf("Certified mail page saved: %s", path))
	if err := w.open(path); err != nil {
		w.logger.Warn("Could not open browser", "path", path, "error", err)
		w.printer.Info("Open that page in your browser to continue to certified mail.")
		return path, nil
	}
	w.printer.Success(qs.Submitted.MailSent)
	return path, nil
}

func (w *Wizard) saveHandoff(h mail.Handoff) (string, error) {
	name := strings.TrimSuffix(filepath.Base(h.Filename), filepath.Ext(h.Filename))
	path := filepath.Join(w.cfg.OutputDir, name+"-certified-mail.html")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("save hand-off: %w", err)
	}
	if err := h.WriteHTML(f); err != nil {
		f.Close()
		return "", fmt.Errorf("save hand-off: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("save hand-off: %w", err)
	}
	w.logger.Info("Certified mail hand-off saved", "path", path)
	return path, nil
}
