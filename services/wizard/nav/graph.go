// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nav is the wizard's navigation state machine.
//
// It maps locations to pages, computes the transition direction used for
// enter/exit animation, and gates every page except the introduction and
// the terms behind a valid terms acceptance. Everything here is pure apart
// from Machine, which tracks the current and previous page.
package nav

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PageID identifies a wizard page.
type PageID string

// Fixed pages. Form pages are built with FormPage.
const (
	Intro     PageID = "intro"
	Terms     PageID = "terms"
	Edit      PageID = "edit"
	Addresses PageID = "addresses"
	Submitted PageID = "submitted"
)

const formPrefix = "page-"

// FormPage returns the identity of the n-th question page, 1-based.
func FormPage(n int) PageID {
	return PageID(formPrefix + strconv.Itoa(n))
}

// FormIndex returns n for a FormPage(n) identity.
func (p PageID) FormIndex() (int, bool) {
	s, ok := strings.CutPrefix(string(p), formPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Direction is the animation direction of a transition.
type Direction int

const (
	None Direction = iota
	Forward
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "none"
	}
}

// Graph is the page graph for a question set with a fixed number of form
// pages.
//
// The spine, used for direction, is [intro, page-1 .. page-N, addresses].
// Terms, edit and submitted are auxiliary and have no order.
type Graph struct {
	formPages int
}

// NewGraph returns the graph for formPages question pages.
func NewGraph(formPages int) Graph {
	if formPages < 0 {
		formPages = 0
	}
	return Graph{formPages: formPages}
}

// FormPages returns the number of question pages.
func (g Graph) FormPages() int {
	return g.formPages
}

// Spine returns the ordered spine.
func (g Graph) Spine() []PageID {
	out := make([]PageID, 0, g.formPages+2)
	out = append(out, Intro)
	for i := 1; i <= g.formPages; i++ {
		out = append(out, FormPage(i))
	}
	return append(out, Addresses)
}

// Pages returns every page in the graph.
func (g Graph) Pages() []PageID {
	out := g.Spine()
	return append(out, Terms, Edit, Submitted)
}

// Contains reports whether p is a page of this graph.
func (g Graph) Contains(p PageID) bool {
	switch p {
	case Intro, Terms, Edit, Addresses, Submitted:
		return true
	}
	n, ok := p.FormIndex()
	return ok && n <= g.formPages
}

func (g Graph) spineIndex(p PageID) (int, bool) {
	switch p {
	case Intro:
		return 0, true
	case Addresses:
		return g.formPages + 1, true
	}
	n, ok := p.FormIndex()
	if !ok || n > g.formPages {
		return 0, false
	}
	return n, true
}

// Location returns the canonical location of p.
func (g Graph) Location(p PageID) string {
	switch p {
	case Intro:
		return "/"
	case Terms, Edit, Addresses, Submitted:
		return "/" + string(p)
	}
	if n, ok := p.FormIndex(); ok {
		return fmt.Sprintf("/form/%d", n)
	}
	return "/"
}

// Resolve maps a location to a page.
//
// Description:
//
//	The query string, fragment and a trailing slash are ignored. Any
//	location that is not a page of this graph, including form pages past
//	the configured count, resolves to Intro.
//
// Examples:
//
//	g.Resolve("/form/2?x=1") == FormPage(2)
//	g.Resolve("/nope") == Intro
func (g Graph) Resolve(location string) PageID {
	path := locationPath(location)
	switch path {
	case "/":
		return Intro
	case "/terms":
		return Terms
	case "/edit":
		return Edit
	case "/addresses":
		return Addresses
	case "/submitted":
		return Submitted
	}
	if s, ok := strings.CutPrefix(path, "/form/"); ok {
		n, err := strconv.Atoi(s)
		if err == nil && n >= 1 && n <= g.formPages && strconv.Itoa(n) == s {
			return FormPage(n)
		}
	}
	return Intro
}

func locationPath(location string) string {
	path := location
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// Direction computes the transition direction from previous to current.
//
// Description:
//
//	Equal pages yield None. When both pages are on the spine the sign of
//	the index difference decides. When either is auxiliary (or unknown)
//	the transition is Forward.
func (g Graph) Direction(previous, current PageID) Direction {
	if previous == current {
		return None
	}
	pi, pok := g.spineIndex(previous)
	ci, cok := g.spineIndex(current)
	if !pok || !cok {
		return Forward
	}
	if ci > pi {
		return Forward
	}
	return Backward
}

// Protected reports whether p requires a valid terms acceptance.
func Protected(p PageID) bool {
	return p != Intro && p != Terms
}

// Decision is the outcome of Guard.
type Decision struct {
	Allow    bool
	Redirect string
}

// Guard decides whether location may be shown.
//
// Description:
//
//	Protected pages are only reachable when tosAccepted is true. Callers
//	pass the acceptance as evaluated against the current terms text and
//	must call Guard on every location change.
//
// Outputs:
//
//	Decision - Allow, or a redirect to the introduction.
func (g Graph) Guard(location string, tosAccepted bool) Decision {
	if Protected(g.Resolve(location)) && !tosAccepted {
		return Decision{Redirect: g.Location(Intro)}
	}
	return Decision{Allow: true}
}

// Next returns the page after p in the wizard flow.
func (g Graph) Next(p PageID) (PageID, bool) {
	switch p {
	case Intro:
		if g.formPages == 0 {
			return Edit, true
		}
		return FormPage(1), true
	case Terms:
		return Intro, true
	case Edit:
		return Addresses, true
	case Addresses:
		return Submitted, true
	case Submitted:
		return "", false
	}
	n, ok := p.FormIndex()
	if !ok || n > g.formPages {
		return "", false
	}
	if n == g.formPages {
		return Edit, true
	}
	return FormPage(n + 1), true
}

// Back returns the page before p in the wizard flow.
func (g Graph) Back(p PageID) (PageID, bool) {
	switch p {
	case Intro:
		return "", false
	case Terms:
		return Intro, true
	case Edit:
		if g.formPages == 0 {
			return Intro, true
		}
		return FormPage(g.formPages), true
	case Addresses:
		return Edit, true
	case Submitted:
		return Addresses, true
	}
	n, ok := p.FormIndex()
	if !ok || n > g.formPages {
		return "", false
	}
	if n == 1 {
		return Intro, true
	}
	return FormPage(n - 1), true
}

// Progress returns the 1-based step of p among the question pages, edit and
// addresses, and the total number of such steps. ok is false for other
// pages.
func (g Graph) Progress(p PageID) (step, total int, ok bool) {
	total = g.formPages + 2
	switch p {
	case Edit:
		return g.formPages + 1, total, true
	case Addresses:
		return total, total, true
	}
	n, isForm := p.FormIndex()
	if !isForm || n > g.formPages {
		return 0, total, false
	}
	return n, total, true
}

// ResetParam is the reserved query parameter that triggers a full reset.
const ResetParam = "reset"

// ConsumeReset reports whether location carries reset=true and returns the
// location with the parameter removed. Other query parameters are kept.
func ConsumeReset(location string) (stripped string, reset bool) {
	u, err := url.Parse(location)
	if err != nil {
		return location, false
	}
	q := u.Query()
	if q.Get(ResetParam) != "true" {
		return location, false
	}
	q.Del(ResetParam)
	u.RawQuery = q.Encode()
	return u.String(), true
}
