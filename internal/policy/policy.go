// Package policy evaluates tool identifiers against a three-list glob
// policy: deny, allow, ask. Deny always wins, allow beats ask, and anything
// unmatched falls through to ask.
package policy

import (
	"fmt"
	"strings"

	"github.com/Casys-AI/pmlrun/internal/toolid"
)

// Decision is the outcome of checking one identifier. Decisions are
// ordered Allowed < Ask < Denied; when aggregating over a capability's
// tool list, the highest decision wins.
type Decision int

const (
	// DecisionAllowed means the call proceeds without asking.
	DecisionAllowed Decision = iota
	// DecisionAsk means a human must approve before the call proceeds.
	DecisionAsk
	// DecisionDenied means the call must not proceed.
	DecisionDenied
)

// String returns the string representation of a Decision.
func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionAsk:
		return "ask"
	case DecisionDenied:
		return "denied"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// ParseDecision parses a string into a Decision.
// Accepted values: "allowed", "ask", "denied" (case-insensitive).
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(s) {
	case "allowed", "allow":
		return DecisionAllowed, nil
	case "ask":
		return DecisionAsk, nil
	case "denied", "deny":
		return DecisionDenied, nil
	default:
		return DecisionAsk, fmt.Errorf("invalid decision %q: must be allowed, ask, or denied", s)
	}
}

// Max returns the higher of two decisions (used for aggregation).
func (d Decision) Max(other Decision) Decision {
	if other > d {
		return other
	}
	return d
}

// Policy holds the three glob lists. Pattern grammar: "*" matches every
// identifier, "ns:*" matches every action under ns, anything else matches
// literally. A zero Policy asks about everything.
type Policy struct {
	Deny  []string `json:"deny,omitempty"`
	Allow []string `json:"allow,omitempty"`
	Ask   []string `json:"ask,omitempty"`
}

// Checker answers permission queries against one Policy.
type Checker struct {
	policy Policy
}

// NewChecker builds a Checker for the given policy.
func NewChecker(p Policy) *Checker {
	return &Checker{policy: p}
}

// Check evaluates a single identifier. Both identifier serializations are
// accepted; a bare namespace checks the namespace as a whole (matched by
// "ns:*" patterns and by a literal "ns" pattern).
func (c *Checker) Check(identifier string) Decision {
	id := normalize(identifier)
	for _, p := range c.policy.Deny {
		if match(p, id) {
			return DecisionDenied
		}
	}
	for _, p := range c.policy.Allow {
		if match(p, id) {
			return DecisionAllowed
		}
	}
	for _, p := range c.policy.Ask {
		if match(p, id) {
			return DecisionAsk
		}
	}
	return DecisionAsk
}

// CheckAll derives the capability-level decision for a tool list: any
// denied tool blocks the capability, any ask puts it under human approval,
// otherwise it runs automatically. CheckAll shares Check's matching, so the
// two paths cannot encode different precedence.
func (c *Checker) CheckAll(identifiers []string) Decision {
	out := DecisionAllowed
	for _, identifier := range identifiers {
		out = out.Max(c.Check(identifier))
	}
	return out
}

// normalize renders the identifier in the canonical colon form, leaving a
// bare namespace untouched.
func normalize(identifier string) string {
	id := toolid.ParseLoose(identifier)
	if id.Action == "" {
		return id.Namespace
	}
	return id.String()
}

func match(pattern, identifier string) bool {
	if pattern == "*" {
		return true
	}
	if ns, ok := strings.CutSuffix(pattern, ":*"); ok {
		return toolid.ParseLoose(identifier).Namespace == ns
	}
	return pattern == identifier
}
