// Package routing classifies tool identifiers as locally or remotely served.
//
// The table is static configuration: a set of namespaces served by loading
// capability code on this machine, a set served by the cloud endpoint, and a
// default for everything else. Classification never fails; malformed
// identifiers fall through to the default.
package routing

import "github.com/Casys-AI/pmlrun/internal/toolid"

// Route says where calls for a namespace are served.
type Route string

const (
	RouteLocal  Route = "local"
	RouteRemote Route = "remote"
)

// Config lists the namespaces per route. Default applies to namespaces in
// neither list; it is RouteLocal when unset, so unknown namespaces are
// resolved through the registry rather than shipped to the cloud.
type Config struct {
	LocalNamespaces  []string `json:"local_namespaces,omitempty"`
	RemoteNamespaces []string `json:"remote_namespaces,omitempty"`
	Default          Route    `json:"default,omitempty"`
}

// Table answers classification queries for tool identifiers.
type Table struct {
	local  map[string]bool
	remote map[string]bool
	def    Route
}

// NewTable builds a Table from the configured namespace lists. A namespace
// listed in both sets routes remote; an explicit list beats the default.
func NewTable(cfg Config) *Table {
	local := make(map[string]bool, len(cfg.LocalNamespaces))
	for _, ns := range cfg.LocalNamespaces {
		local[ns] = true
	}
	remote := make(map[string]bool, len(cfg.RemoteNamespaces))
	for _, ns := range cfg.RemoteNamespaces {
		remote[ns] = true
	}
	def := cfg.Default
	if def != RouteLocal && def != RouteRemote {
		def = RouteLocal
	}
	return &Table{local: local, remote: remote, def: def}
}

// Classify extracts the namespace from either identifier serialization and
// classifies it. Empty or unrecognized namespaces get the default route.
func (t *Table) Classify(identifier string) Route {
	return t.ClassifyNamespace(toolid.ParseLoose(identifier).Namespace)
}

// ClassifyNamespace classifies an already-extracted namespace.
func (t *Table) ClassifyNamespace(ns string) Route {
	if ns == "" {
		return t.def
	}
	if t.remote[ns] {
		return RouteRemote
	}
	if t.local[ns] {
		return RouteLocal
	}
	return t.def
}
