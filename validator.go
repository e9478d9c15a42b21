package main

import (
	"path"
	"regexp"
	"strings"
)

// ServiceNotion is the only external service the profiles talk to today.
const ServiceNotion = "notion"

// CredentialFormat is the known shape of a service's secret token.
type CredentialFormat struct {
	Prefixes  []string
	MinLength int
}

var credentialFormats = map[string]CredentialFormat{
	ServiceNotion: {Prefixes: []string{"secret_", "ntn_"}, MinLength: 20},
}

var (
	tokenBody    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	hyphenatedID = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	bareID       = regexp.MustCompile(`^(?i)[0-9a-f]{32}$`)
	trailingID   = regexp.MustCompile(`(?i)[0-9a-f]{32}$`)
)

// ValidateCredential reports whether s has the service's token format.
// Empty input is false, not an error.
func ValidateCredential(service, s string) bool {
	if s == "" {
		return false
	}
	f, ok := credentialFormats[service]
	if !ok {
		return false
	}
	if len(s) < f.MinLength || !tokenBody.MatchString(s) {
		return false
	}
	for _, p := range f.Prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ValidateResourceID accepts 8-4-4-4-12 hex groups or 32 bare hex characters, any case.
func ValidateResourceID(s string) bool {
	if s == "" {
		return false
	}
	return hyphenatedID.MatchString(s) || bareID.MatchString(s)
}

// NormalizeResourceID turns a pasted id or database URL into the hyphenated lowercase form.
// It returns false when no id can be found.
func NormalizeResourceID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if hyphenatedID.MatchString(s) {
		return strings.ToLower(s), true
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	// Database URLs end in "<title>-<id>"; the id is the trailing 32 hex digits.
	raw := trailingID.FindString(strings.ReplaceAll(path.Base(s), "-", ""))
	if raw == "" {
		return "", false
	}
	raw = strings.ToLower(raw)
	return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:32], true
}

// FieldState is what a form field shows after validation.
type FieldState int

const (
	FieldUntouched FieldState = iota
	FieldValid
	FieldInvalid
)

func (s FieldState) String() string {
	switch s {
	case FieldValid:
		return "valid"
	case FieldInvalid:
		return "invalid"
	default:
		return "untouched"
	}
}

func fieldState(value string, valid func(string) bool) FieldState {
	switch {
	case value == "":
		return FieldUntouched
	case valid(value):
		return FieldValid
	default:
		return FieldInvalid
	}
}
