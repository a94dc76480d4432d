package apply

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telekom/omnibus-reconciler/pkg/render"
)

const stateVersion = 1

// Entry is the last applied version of one artifact.
type Entry struct {
	ID        string    `yaml:"id" json:"id"`
	Service   string    `yaml:"service" json:"service"`
	Path      string    `yaml:"path" json:"path"`
	Digest    string    `yaml:"digest" json:"digest"`
	AppliedAt time.Time `yaml:"appliedAt" json:"appliedAt"`
}

// Diff is the difference between a rendered artifact set and the last
// applied one.
type Diff struct {
	Changed   []render.Artifact
	Removed   []Entry
	Unchanged []string
}

// Empty reports whether nothing needs to be applied.
func (d Diff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Removed) == 0
}

// State tracks last applied artifact digests, optionally persisted to a
// YAML file so a restart does not re-apply and reload everything.
type State struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
}

type stateFile struct {
	Version   int     `yaml:"version"`
	Artifacts []Entry `yaml:"artifacts"`
}

// NewState returns an in-memory state.
func NewState() *State {
	return &State{entries: map[string]Entry{}}
}

// LoadState reads the state file at path. A missing file yields an empty
// state that Save will create.
func LoadState(path string) (*State, error) {
	s := &State{path: path, entries: map[string]Entry{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if f.Version != 0 && f.Version != stateVersion {
		return nil, fmt.Errorf("state file %s has unsupported version %d", path, f.Version)
	}
	for _, e := range f.Artifacts {
		s.entries[e.ID] = e
	}
	return s, nil
}

// Diff compares artifacts against the recorded digests.
func (s *State) Diff(artifacts []render.Artifact) Diff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var d Diff
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		seen[a.ID] = true
		if e, ok := s.entries[a.ID]; ok && e.Digest == a.Digest && e.Path == a.Path {
			d.Unchanged = append(d.Unchanged, a.ID)
			continue
		}
		d.Changed = append(d.Changed, a)
	}
	for _, id := range s.idsLocked() {
		if !seen[id] {
			d.Removed = append(d.Removed, s.entries[id])
		}
	}
	return d
}

// Record marks a as applied.
func (s *State) Record(a render.Artifact, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[a.ID] = Entry{ID: a.ID, Service: a.Service, Path: a.Path, Digest: a.Digest, AppliedAt: at.UTC()}
}

// Forget drops the entry of a removed artifact.
func (s *State) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Entries returns all entries ordered by ID.
func (s *State) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, id := range s.idsLocked() {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *State) idsLocked() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the state file. It is a no-op for in-memory state.
func (s *State) Save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(stateFile{Version: stateVersion, Artifacts: s.Entries()})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := writeAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
