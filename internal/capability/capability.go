// Package capability defines the wire shape of capability metadata as the
// registry serves it, plus the integrity-token helpers shared by the
// installer and the lockfile.
package capability

import (
	"fmt"
	"strings"
)

// Routing values as the registry serves them. Client-routed capabilities
// execute on this machine; server-routed ones are forwarded to the cloud.
const (
	RoutingClient = "client"
	RoutingServer = "server"
)

// Dependency types. Only stdio subprocesses exist today.
const DependencyTypeStdio = "stdio"

// Metadata is the immutable record the registry returns for one capability.
type Metadata struct {
	FQCN        string       `json:"fqdn"`
	Type        string       `json:"type"`
	Description string       `json:"description,omitempty"`
	CodeURL     string       `json:"codeUrl"`
	Tools       []string     `json:"tools"`
	Routing     string       `json:"routing"`
	Integrity   string       `json:"integrity,omitempty"`
	Deps        []Dependency `json:"mcpDeps,omitempty"`
}

// Dependency declares one subprocess the capability needs running. Name
// doubles as the namespace its tools are reached under.
type Dependency struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Install     string   `json:"install,omitempty"`
	Version     string   `json:"version"`
	Integrity   string   `json:"integrity,omitempty"`
	EnvRequired []string `json:"envRequired,omitempty"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
}

// IsServerRouted reports whether calls should be forwarded to the cloud
// instead of executing the code locally.
func (m *Metadata) IsServerRouted() bool {
	return m.Routing == RoutingServer
}

// Dep returns the declared dependency whose name equals ns.
func (m *Metadata) Dep(ns string) (*Dependency, bool) {
	for i := range m.Deps {
		if m.Deps[i].Name == ns {
			return &m.Deps[i], true
		}
	}
	return nil, false
}

// HasDependency reports whether ns names one of the declared dependencies.
func (m *Metadata) HasDependency(ns string) bool {
	_, ok := m.Dep(ns)
	return ok
}

// LaunchCommand resolves how to start the dependency's subprocess: the
// explicit program and args win; otherwise the install string is tokenized
// with shell-style quoting ("npx -y @scope/pkg@1.2.3").
func (d *Dependency) LaunchCommand() (string, []string, error) {
	if d.Command != "" {
		return d.Command, d.Args, nil
	}
	tokens, err := tokenize(d.Install)
	if err != nil {
		return "", nil, fmt.Errorf("dependency %s: %w", d.Name, err)
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("dependency %s declares no launch command", d.Name)
	}
	return tokens[0], tokens[1:], nil
}

// tokenize splits a command line on whitespace, honoring single and double
// quotes. It does not expand variables or globs; launch commands are
// literal.
func tokenize(s string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   byte
		started bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			started = true
		case c == ' ' || c == '\t' || c == '\n':
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteByte(c)
			started = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, s)
	}
	if started {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
