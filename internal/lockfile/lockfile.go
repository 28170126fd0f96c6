// Package lockfile persists the last-approved content hash per capability,
// keyed by FQCN base, so a silently republished capability cannot run
// without a human seeing the hash change.
package lockfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Casys-AI/pmlrun/internal/approval"
	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/toolid"
)

// FileName is the lockfile's name inside the workspace root.
const FileName = "pml.lock.json"

// Entry kinds.
const (
	KindLocalCode  = "local-code"
	KindSubprocess = "subprocess"
)

// Document is the persisted shape.
type Document struct {
	Version   int              `json:"version"`
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Entry records one approved hash.
type Entry struct {
	Integrity string    `json:"integrity"`
	Type      string    `json:"type"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Options configures Load.
type Options struct {
	// AutoApproveNew trusts first-seen hashes instead of asking.
	AutoApproveNew bool
	// OrgPrefix canonicalizes short identifiers; empty uses the default.
	OrgPrefix string
	Logger    *slog.Logger
}

// Lockfile is the single writer for one workspace's document. All mutations
// take the mutex and persist through an atomic temp-file rename.
type Lockfile struct {
	mu             sync.Mutex
	path           string
	doc            Document
	autoApproveNew bool
	orgPrefix      string
	logger         *slog.Logger
	now            func() time.Time
}

// Load reads <dir>/pml.lock.json, creating an empty document when the file
// does not exist. A corrupt file is logged and replaced in memory; the disk
// copy stays untouched until the next legitimate save.
func Load(dir string, opts Options) (*Lockfile, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lockfile{
		path:           filepath.Join(dir, FileName),
		doc:            emptyDocument(),
		autoApproveNew: opts.AutoApproveNew,
		orgPrefix:      opts.OrgPrefix,
		logger:         logger,
		now:            time.Now,
	}

	data, err := os.ReadFile(l.path)
	switch {
	case os.IsNotExist(err):
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read lockfile %s: %w", l.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("lockfile is corrupt, starting from an empty document",
			"path", l.path, "error", err)
		return l, nil
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	doc.Version = 1
	l.doc = doc
	return l, nil
}

func emptyDocument() Document {
	return Document{Version: 1, Entries: make(map[string]Entry)}
}

// key reduces any accepted identifier to the lockfile's FQCN base.
func (l *Lockfile) key(fqcn string) string {
	return toolid.FQCNBase(toolid.CanonicalFQCN(fqcn, l.orgPrefix))
}

// Validate compares a received hash against the stored entry. Nil means the
// content is trusted. A non-nil envelope means a human must approve: either
// the hash drifted, or the name is new and auto-trust is off.
func (l *Lockfile) Validate(fqcn, integrity, kind string) (*approval.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.key(fqcn)
	entry, ok := l.doc.Entries[base]

	if ok && entry.Integrity == integrity {
		return nil, nil
	}

	if !ok && l.autoApproveNew {
		if err := l.upsertLocked(base, integrity, kind); err != nil {
			return nil, err
		}
		return nil, nil
	}

	oldShort := ""
	if ok {
		oldShort = capability.ShortIntegrity(entry.Integrity)
	}
	env := approval.NewEnvelope(approval.TypeIntegrity, uuid.NewString(),
		fmt.Sprintf("Content hash for %s changed; approve the new version?", base),
		map[string]any{
			"fqdnBase":      base,
			"old_integrity": oldShort,
			"new_integrity": capability.ShortIntegrity(integrity),
			"kind":          kind,
		})
	return env, nil
}

// Approve records integrity as the trusted hash for fqcn.
func (l *Lockfile) Approve(fqcn, integrity, kind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertLocked(l.key(fqcn), integrity, kind)
}

// Get returns the stored entry for fqcn.
func (l *Lockfile) Get(fqcn string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.doc.Entries[l.key(fqcn)]
	return e, ok
}

// Len returns the number of entries.
func (l *Lockfile) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.Entries)
}

// Sync removes entries whose base is not in keep.
func (l *Lockfile) Sync(keep []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	keepSet := make(map[string]bool, len(keep))
	for _, fqcn := range keep {
		keepSet[l.key(fqcn)] = true
	}

	changed := false
	for base := range l.doc.Entries {
		if !keepSet[base] {
			delete(l.doc.Entries, base)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.saveLocked()
}

// Prune removes entries not updated within maxAge.
func (l *Lockfile) Prune(maxAge time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	changed := false
	for base, entry := range l.doc.Entries {
		if entry.UpdatedAt.Before(cutoff) {
			delete(l.doc.Entries, base)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.saveLocked()
}

func (l *Lockfile) upsertLocked(base, integrity, kind string) error {
	now := l.now()
	entry, ok := l.doc.Entries[base]
	if !ok {
		entry = Entry{CreatedAt: now}
	}
	entry.Integrity = integrity
	entry.Type = kind
	entry.Approved = true
	entry.UpdatedAt = now
	l.doc.Entries[base] = entry
	return l.saveLocked()
}

func (l *Lockfile) saveLocked() error {
	l.doc.UpdatedAt = l.now()
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lockfile: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace lockfile: %w", err)
	}
	return nil
}
