// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package answers holds the user's wizard answers, both mailing addresses,
// and the terms acceptance marker.
package answers

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// addressValidate is the validator instance for addresses.
// Initialized in init() with the usstate and uszip tags.
var addressValidate *validator.Validate

var zipPattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

func init() {
	addressValidate = validator.New()
	_ = addressValidate.RegisterValidation("usstate", validateUSState)
	_ = addressValidate.RegisterValidation("uszip", validateZip)
}

func validateUSState(fl validator.FieldLevel) bool {
	_, ok := States[fl.Field().String()]
	return ok
}

func validateZip(fl validator.FieldLevel) bool {
	return zipPattern.MatchString(fl.Field().String())
}

// ValidZip reports whether zip is a five digit ZIP or ZIP+4.
func ValidZip(zip string) bool {
	return zipPattern.MatchString(zip)
}

// =============================================================================
// Address
// =============================================================================

// Role identifies which party an address belongs to.
type Role string

const (
	// Sender is the tenant writing the letter.
	Sender Role = "sender"
	// Destination is the landlord receiving it.
	Destination Role = "destination"
)

// Address field suffixes. Flat form keys are the role followed by the
// suffix, e.g. "senderName" or "destinationZip".
const (
	FieldName    = "Name"
	FieldCompany = "Company"
	FieldStreet  = "Address"
	FieldCity    = "City"
	FieldState   = "State"
	FieldZip     = "Zip"
)

var addressFields = []string{FieldName, FieldCompany, FieldStreet, FieldCity, FieldState, FieldZip}

var fieldLabels = map[string]string{
	FieldName:    "Full name",
	FieldCompany: "Company",
	FieldStreet:  "Street address",
	FieldCity:    "City",
	FieldState:   "State",
	FieldZip:     "ZIP code",
}

// Fields returns the address field suffixes in display order.
func Fields() []string {
	return slices.Clone(addressFields)
}

// FieldLabel returns the display label of an address field suffix.
func FieldLabel(suffix string) string {
	return fieldLabels[suffix]
}

// Keys returns every flat address key, sender first.
func Keys() []string {
	keys := make([]string, 0, 2*len(addressFields))
	for _, role := range []Role{Sender, Destination} {
		for _, suffix := range addressFields {
			keys = append(keys, Key(role, suffix))
		}
	}
	return keys
}

// Address is a US mailing address.
//
// # Description
//
// Company is optional; every other field is required. State must be a key
// of States and Zip must match NNNNN or NNNNN-NNNN.
type Address struct {
	Name    string `json:"name" validate:"required,max=200"`
	Company string `json:"company" validate:"max=200"`
	Street  string `json:"address" validate:"required,max=300"`
	City    string `json:"city" validate:"required,max=100"`
	State   string `json:"state" validate:"required,usstate"`
	Zip     string `json:"zip" validate:"required,uszip"`
}

// FieldError describes one invalid address field.
type FieldError struct {
	Key     string
	Message string
}

// Validate checks the address.
//
// # Outputs
//
//   - []FieldError: One entry per invalid field, keyed by flat form key for
//     role. Empty when the address is valid.
func (a Address) Validate(role Role) []FieldError {
	err := addressValidate.Struct(a)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Key: string(role), Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		suffix := fe.StructField()
		if suffix == "Street" {
			suffix = FieldStreet
		}
		out = append(out, FieldError{Key: Key(role, suffix), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "usstate":
		return "Choose a state"
	case "uszip":
		return "Enter a 5 digit ZIP code"
	case "max":
		return fmt.Sprintf("Must be at most %s characters", fe.Param())
	default:
		return "Invalid value"
	}
}

// Line renders the street, city, state and ZIP on one line.
func (a Address) Line() string {
	return fmt.Sprintf("%s, %s, %s %s", a.Street, a.City, a.State, a.Zip)
}

// Key returns the flat form key for role and suffix.
func Key(role Role, suffix string) string {
	return string(role) + suffix
}

func (a *Address) field(suffix string) *string {
	switch suffix {
	case FieldName:
		return &a.Name
	case FieldCompany:
		return &a.Company
	case FieldStreet:
		return &a.Street
	case FieldCity:
		return &a.City
	case FieldState:
		return &a.State
	case FieldZip:
		return &a.Zip
	}
	return nil
}

// StateOptions returns the States entries sorted by abbreviation.
func StateOptions() [][2]string {
	out := make([][2]string, 0, len(States))
	for abbr, name := range States {
		out = append(out, [2]string{abbr, name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// NormalizeState upper-cases and trims an abbreviation.
func NormalizeState(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
