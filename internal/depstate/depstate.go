// Package depstate persists which subprocess dependencies are installed on
// this machine, keyed by dependency name. The document lives under the
// user's home directory and is shared across workspaces.
package depstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Casys-AI/pmlrun/internal/capability"
)

// Record describes one installed dependency.
type Record struct {
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Integrity      string    `json:"integrity,omitempty"`
	InstalledAt    time.Time `json:"installedAt"`
	InstallCommand string    `json:"installCommand,omitempty"`
	InstallPath    string    `json:"installPath,omitempty"`
}

// Document is the persisted shape of ~/.pml/deps.json.
type Document struct {
	Version   int               `json:"version"`
	Installed map[string]Record `json:"installed"`
}

// DefaultPath returns ~/.pml/deps.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot locate home directory: %w", err)
	}
	return filepath.Join(home, ".pml", "deps.json"), nil
}

// State is the single writer for the document. Mutations funnel through the
// Mark* methods; a dirty flag suppresses writes that would not change the
// file.
type State struct {
	mu     sync.Mutex
	path   string
	doc    Document
	dirty  bool
	logger *slog.Logger
	now    func() time.Time
}

// Load reads the document at path, creating an empty one when the file does
// not exist. A corrupt file is logged and replaced in memory.
func Load(path string, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{
		path:   path,
		doc:    Document{Version: 1, Installed: make(map[string]Record)},
		logger: logger,
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read dependency state %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("dependency state is corrupt, starting from an empty document",
			"path", path, "error", err)
		return s, nil
	}
	if doc.Installed == nil {
		doc.Installed = make(map[string]Record)
	}
	doc.Version = 1
	s.doc = doc
	return s, nil
}

// Installed reports whether name is installed at exactly version.
func (s *State) Installed(name, version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Installed[name]
	return ok && rec.Version == version
}

// Get returns the record for name.
func (s *State) Get(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Installed[name]
	return rec, ok
}

// All returns every record, sorted by name.
func (s *State) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.doc.Installed))
	for _, rec := range s.doc.Installed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NeedsUpdate reports whether dep is absent or pinned to another version.
func (s *State) NeedsUpdate(dep capability.Dependency) bool {
	return !s.Installed(dep.Name, dep.Version)
}

// MissingOrOutdated filters deps down to the ones NeedsUpdate is true for,
// preserving declaration order.
func (s *State) MissingOrOutdated(deps []capability.Dependency) []capability.Dependency {
	var out []capability.Dependency
	for _, dep := range deps {
		if s.NeedsUpdate(dep) {
			out = append(out, dep)
		}
	}
	return out
}

// MarkInstalled records dep as installed and persists the document. Writing
// is skipped when the record would not change.
func (s *State) MarkInstalled(dep capability.Dependency, integrity, installPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	installCommand := dep.Install
	if installCommand == "" && dep.Command != "" {
		installCommand = strings.TrimSpace(dep.Command + " " + strings.Join(dep.Args, " "))
	}

	prev, ok := s.doc.Installed[dep.Name]
	if ok && prev.Version == dep.Version && prev.Integrity == integrity &&
		prev.InstallCommand == installCommand && prev.InstallPath == installPath {
		return nil
	}

	rec := Record{
		Name:           dep.Name,
		Version:        dep.Version,
		Integrity:      integrity,
		InstalledAt:    s.now(),
		InstallCommand: installCommand,
		InstallPath:    installPath,
	}
	s.doc.Installed[dep.Name] = rec
	s.dirty = true
	return s.saveLocked()
}

// MarkUninstalled removes name from the document.
func (s *State) MarkUninstalled(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Installed[name]; !ok {
		return nil
	}
	delete(s.doc.Installed, name)
	s.dirty = true
	return s.saveLocked()
}

func (s *State) saveLocked() error {
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dependency state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write dependency state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace dependency state: %w", err)
	}
	s.dirty = false
	return nil
}
