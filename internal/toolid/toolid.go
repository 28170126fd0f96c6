// Package toolid parses the identifier forms used across the runtime.
//
// A tool identifier is a (namespace, action) pair. Input accepts the colon
// form "github:create_issue" and the legacy form "mcp__github__create_issue";
// everything the runtime emits uses the colon form. Capabilities themselves
// are named by FQCN, a dotted name of at least four segments
// ("casys.pml.github.fetch_pr"), optionally carrying a trailing revision
// hash published by the registry.
package toolid

import (
	"fmt"
	"strings"
)

const (
	// Separator joins namespace and action in the canonical serialization.
	Separator = ":"

	// legacyPrefix and legacyDelimiter describe the historical
	// "mcp__<namespace>__<action>" serialization.
	legacyPrefix    = "mcp"
	legacyDelimiter = "__"

	// DefaultOrgPrefix supplies the leading FQCN segments when a short
	// identifier has to be canonicalized.
	DefaultOrgPrefix = "casys.pml"

	// fqcnBaseSegments is the number of leading segments that key the
	// integrity lockfile.
	fqcnBaseSegments = 4
)

// ID is a parsed tool identifier. Namespace is the routing and permission
// key; Action names the operation the namespace exposes.
type ID struct {
	Namespace string `json:"namespace"`
	Action    string `json:"action"`
}

// String returns the canonical colon serialization.
func (id ID) String() string {
	return id.Namespace + Separator + id.Action
}

// IsZero reports whether the identifier carries no information.
func (id ID) IsZero() bool {
	return id.Namespace == "" && id.Action == ""
}

// Parse accepts both serializations and rejects identifiers missing a
// namespace or an action.
func Parse(s string) (ID, error) {
	id := ParseLoose(s)
	if id.Namespace == "" || id.Action == "" {
		return ID{}, fmt.Errorf("malformed tool identifier %q", s)
	}
	return id, nil
}

// ParseLoose extracts whatever namespace and action the input carries,
// without validation. Routing relies on this so that malformed identifiers
// fall through to the configured default classification instead of failing.
func ParseLoose(s string) ID {
	if rest, ok := strings.CutPrefix(s, legacyPrefix+legacyDelimiter); ok {
		ns, action, _ := strings.Cut(rest, legacyDelimiter)
		return ID{Namespace: ns, Action: action}
	}
	ns, action, ok := strings.Cut(s, Separator)
	if !ok {
		return ID{Namespace: s}
	}
	return ID{Namespace: ns, Action: action}
}

// IsFQCN reports whether s is a dotted capability name with at least the
// four segments <org>.<project>.<namespace>.<action>.
func IsFQCN(s string) bool {
	if strings.Contains(s, Separator) {
		return false
	}
	segs := strings.Split(s, ".")
	if len(segs) < fqcnBaseSegments {
		return false
	}
	for _, seg := range segs {
		if seg == "" {
			return false
		}
	}
	return true
}

// CanonicalFQCN converts any accepted identifier into a dotted capability
// name: "github:create_issue" becomes "<org>.github.create_issue", dotted
// names shorter than four segments gain the org prefix, and canonical names
// pass through untouched. An empty orgPrefix falls back to DefaultOrgPrefix.
func CanonicalFQCN(s, orgPrefix string) string {
	if orgPrefix == "" {
		orgPrefix = DefaultOrgPrefix
	}
	if s == "" || IsFQCN(s) {
		return s
	}
	if strings.HasPrefix(s, orgPrefix+".") {
		return s
	}
	if id := ParseLoose(s); id.Action != "" {
		return orgPrefix + "." + id.Namespace + "." + id.Action
	}
	return orgPrefix + "." + s
}

// FQCNBase returns the first four segments of an FQCN: the key under which
// the lockfile records integrity. Shorter names return unchanged; a trailing
// revision hash never reaches the base.
func FQCNBase(fqcn string) string {
	segs := strings.Split(fqcn, ".")
	if len(segs) <= fqcnBaseSegments {
		return fqcn
	}
	return strings.Join(segs[:fqcnBaseSegments], ".")
}

// NamespaceOf extracts the routing namespace from any identifier form: the
// first segment of a colon identifier, the second of a legacy one, and the
// third segment of a dotted capability name.
func NamespaceOf(s string) string {
	if strings.Contains(s, Separator) || strings.HasPrefix(s, legacyPrefix+legacyDelimiter) {
		return ParseLoose(s).Namespace
	}
	if segs := strings.Split(s, "."); len(segs) >= 3 {
		return segs[2]
	}
	return ParseLoose(s).Namespace
}

// HasRevision reports whether the segment after the FQCN base looks like a
// published revision hash (6 to 40 hex characters).
func HasRevision(fqcn string) bool {
	segs := strings.Split(fqcn, ".")
	if len(segs) <= fqcnBaseSegments {
		return false
	}
	return isHexSegment(segs[len(segs)-1])
}

// StripRevision removes a trailing revision hash, if present.
func StripRevision(fqcn string) string {
	if !HasRevision(fqcn) {
		return fqcn
	}
	segs := strings.Split(fqcn, ".")
	return strings.Join(segs[:len(segs)-1], ".")
}

func isHexSegment(s string) bool {
	if len(s) < 6 || len(s) > 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
