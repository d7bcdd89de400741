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
	"github.com/AleutianAI/TenantLetter/services/wizard/fingerprint"
)

// TermsAcceptance records which version of the terms the user accepted.
//
// # Description
//
// The zero value means "not accepted". An acceptance is only valid for the
// exact terms text it was made against, so editing the terms forces every
// user to accept again.
type TermsAcceptance struct {
	Fingerprint fingerprint.Fingerprint
}

// Accept returns an acceptance of termsText.
func Accept(termsText string) TermsAcceptance {
	return TermsAcceptance{Fingerprint: fingerprint.Terms(termsText)}
}

// Valid reports whether the acceptance covers termsText.
func (t TermsAcceptance) Valid(termsText string) bool {
	return !t.Fingerprint.IsZero() && t.Fingerprint == fingerprint.Terms(termsText)
}
