package reconcile

import (
	"sort"
	"time"

	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// Status is the overall status of a pass. Per-service and per-server
// outcomes are always reported individually next to it.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusNoChange Status = "no_change"
	StatusFailed   Status = "failed"
)

// Outcome is the outcome for one artifact or service.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRemoved   Outcome = "removed"
	OutcomeFailed    Outcome = "failed"
)

// DirectoryState is the outcome for one directory server.
type DirectoryState string

const (
	DirectoryScheduled         DirectoryState = "scheduled"
	DirectoryUnchanged         DirectoryState = "unchanged"
	DirectoryRemoved           DirectoryState = "removed"
	DirectorySecretUnavailable DirectoryState = "secret_unavailable"
	DirectoryFailed            DirectoryState = "failed"
	// DirectoryRendered is reported when no scheduler is attached.
	DirectoryRendered DirectoryState = "rendered"
)

type ArtifactOutcome struct {
	ID      string  `json:"id" yaml:"id"`
	Service string  `json:"service" yaml:"service"`
	Path    string  `json:"path" yaml:"path"`
	Digest  string  `json:"digest,omitempty" yaml:"digest,omitempty"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	Error   string  `json:"error,omitempty" yaml:"error,omitempty"`
}

type ServiceOutcome struct {
	Service string  `json:"service" yaml:"service"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	// Changed lists the artifacts written or removed in this pass.
	Changed  []string `json:"changed,omitempty" yaml:"changed,omitempty"`
	Reloaded bool     `json:"reloaded" yaml:"reloaded"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

type DirectoryOutcome struct {
	Server string         `json:"server" yaml:"server"`
	State  DirectoryState `json:"state" yaml:"state"`
	Error  string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is the report of one pass.
type Result struct {
	Status           Status                      `json:"status" yaml:"status"`
	StartedAt        time.Time                   `json:"startedAt" yaml:"startedAt"`
	Duration         time.Duration               `json:"duration" yaml:"duration"`
	Artifacts        map[string]ArtifactOutcome  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Services         map[string]ServiceOutcome   `json:"services,omitempty" yaml:"services,omitempty"`
	Directories      map[string]DirectoryOutcome `json:"directories,omitempty" yaml:"directories,omitempty"`
	ValidationErrors []settings.FieldError       `json:"validationErrors,omitempty" yaml:"validationErrors,omitempty"`
	Warnings         []settings.Warning          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Error            string                      `json:"error,omitempty" yaml:"error,omitempty"`
}

func newResult(start time.Time) *Result {
	return &Result{
		StartedAt:   start.UTC(),
		Artifacts:   map[string]ArtifactOutcome{},
		Services:    map[string]ServiceOutcome{},
		Directories: map[string]DirectoryOutcome{},
	}
}

// ChangedServices returns the services that had artifacts applied, sorted.
func (r *Result) ChangedServices() []string {
	var out []string
	for name, s := range r.Services {
		if len(s.Changed) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FailedServices returns the services with errors, sorted.
func (r *Result) FailedServices() []string {
	var out []string
	for name, s := range r.Services {
		if s.Outcome == OutcomeFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Result) finish() {
	switch {
	case r.Status == StatusFailed:
	case len(r.FailedServices()) > 0:
		r.Status = StatusFailed
	case len(r.ChangedServices()) > 0:
		r.Status = StatusApplied
	default:
		r.Status = StatusNoChange
	}
}
