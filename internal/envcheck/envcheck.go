// Package envcheck validates the credential variables a dependency declares.
//
// Two grades of checking exist: Validate fails hard when a variable is
// absent, while Classify additionally spots placeholder values that a human
// pasted from documentation ("xxx", "your-key", "<token>"), so the caller
// can ask for real credentials instead of failing mid-execution.
package envcheck

import (
	"os"
	"strings"

	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// placeholders holds the known junk values, pre-normalized (lowercase,
// hyphens and underscores stripped).
var placeholders = map[string]bool{
	"xxx":         true,
	"yourkey":     true,
	"todo":        true,
	"changeme":    true,
	"placeholder": true,
	"testkey":     true,
	"fakekey":     true,
	"example":     true,
	"inserthere":  true,
	"replaceme":   true,
}

// Report classifies each requested variable exactly once.
type Report struct {
	Missing []string `json:"missing,omitempty"`
	Invalid []string `json:"invalid,omitempty"`
	Present []string `json:"present,omitempty"`
}

// OK reports whether every variable is present with a plausible value.
func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Invalid) == 0
}

// Problems returns the missing and invalid names in one list, for approval
// envelope context.
func (r Report) Problems() []string {
	out := make([]string, 0, len(r.Missing)+len(r.Invalid))
	out = append(out, r.Missing...)
	out = append(out, r.Invalid...)
	return out
}

// Checker reads variables through an injectable lookup so tests never touch
// the real environment.
type Checker struct {
	lookup func(string) (string, bool)
}

// NewChecker returns a Checker backed by the process environment.
func NewChecker() *Checker {
	return &Checker{lookup: os.LookupEnv}
}

// NewCheckerWithLookup returns a Checker backed by the given lookup.
func NewCheckerWithLookup(lookup func(string) (string, bool)) *Checker {
	return &Checker{lookup: lookup}
}

// Validate fails with env-missing when any name is unset or empty. The
// error lists every absent name, not just the first.
func (c *Checker) Validate(names []string) error {
	var missing []string
	for _, name := range names {
		if v, ok := c.lookup(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errdefs.Newf(errdefs.KindEnvMissing, "missing environment variables: %s",
			strings.Join(missing, ", ")).With("missing", missing)
	}
	return nil
}

// Classify sorts each name into missing, invalid (placeholder value), or
// present.
func (c *Checker) Classify(names []string) Report {
	var r Report
	for _, name := range names {
		v, ok := c.lookup(name)
		switch {
		case !ok || v == "":
			r.Missing = append(r.Missing, name)
		case IsPlaceholder(v):
			r.Invalid = append(r.Invalid, name)
		default:
			r.Present = append(r.Present, name)
		}
	}
	return r
}

// IsPlaceholder reports whether a value is one of the known junk values.
// Matching ignores case, hyphens, and underscores; any value wrapped in
// angle brackets counts as a placeholder.
func IsPlaceholder(value string) bool {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">") && len(v) > 1 {
		return true
	}
	norm := strings.ToLower(v)
	norm = strings.ReplaceAll(norm, "-", "")
	norm = strings.ReplaceAll(norm, "_", "")
	return placeholders[norm]
}
