package joblog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of sync job.
type Kind string

const (
	KindFull  Kind = "full"
	KindGroup Kind = "group"
)

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Trigger says what started a job.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// DetailCancelled is the error detail of a job stopped by shutdown or
// reconfiguration.
const DetailCancelled = "Cancelled"

// EntryError is a failure to reconcile a single directory entry.
type EntryError struct {
	DN      string `json:"dn" yaml:"dn"`
	Message string `json:"message" yaml:"message"`
}

// Record is one finalized execution of a sync job. It is never modified
// after Finish returns it.
type Record struct {
	ID           string       `json:"id" yaml:"id"`
	Server       string       `json:"server" yaml:"server"`
	Kind         Kind         `json:"kind" yaml:"kind"`
	Trigger      Trigger      `json:"trigger" yaml:"trigger"`
	StartedAt    time.Time    `json:"startedAt" yaml:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt" yaml:"finishedAt"`
	Outcome      Outcome      `json:"outcome" yaml:"outcome"`
	UsersSynced  int          `json:"usersSynced" yaml:"usersSynced"`
	UsersCreated int          `json:"usersCreated" yaml:"usersCreated"`
	UsersBlocked int          `json:"usersBlocked" yaml:"usersBlocked"`
	GroupsSynced int          `json:"groupsSynced" yaml:"groupsSynced"`
	ErrorDetail  string       `json:"errorDetail,omitempty" yaml:"errorDetail,omitempty"`
	EntryErrors  []EntryError `json:"entryErrors,omitempty" yaml:"entryErrors,omitempty"`
}

// Duration is the wall time of the job.
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Run is an in-progress job. Counters may be updated from the job goroutine
// only; Finish may be called from anywhere and only the first call counts.
type Run struct {
	mu       sync.Mutex
	rec      Record
	finished bool
	now      func() time.Time
}

// Start opens a run.
func Start(server string, kind Kind, trigger Trigger) *Run {
	return startAt(server, kind, trigger, time.Now)
}

func startAt(server string, kind Kind, trigger Trigger, now func() time.Time) *Run {
	return &Run{
		now: now,
		rec: Record{
			ID:        uuid.NewString(),
			Server:    server,
			Kind:      kind,
			Trigger:   trigger,
			StartedAt: now().UTC(),
		},
	}
}

func (r *Run) ID() string { return r.rec.ID }

func (r *Run) UserSynced() {
	r.mu.Lock()
	r.rec.UsersSynced++
	r.mu.Unlock()
}

func (r *Run) UserCreated() {
	r.mu.Lock()
	r.rec.UsersCreated++
	r.mu.Unlock()
}

func (r *Run) UserBlocked() {
	r.mu.Lock()
	r.rec.UsersBlocked++
	r.mu.Unlock()
}

func (r *Run) GroupSynced() {
	r.mu.Lock()
	r.rec.GroupsSynced++
	r.mu.Unlock()
}

// EntryFailed records a per-entry error.
func (r *Run) EntryFailed(dn string, err error) {
	r.mu.Lock()
	r.rec.EntryErrors = append(r.rec.EntryErrors, EntryError{DN: dn, Message: err.Error()})
	r.mu.Unlock()
}

// Finish finalizes the run. A run-level error makes the outcome failed;
// otherwise entry errors make it partial. Later calls return the record
// produced by the first one.
func (r *Run) Finish(runErr error) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return r.snapshot()
	}
	r.finished = true
	r.rec.FinishedAt = r.now().UTC()
	switch {
	case runErr != nil:
		r.rec.Outcome = OutcomeFailed
		r.rec.ErrorDetail = runErr.Error()
	case len(r.rec.EntryErrors) > 0:
		r.rec.Outcome = OutcomePartial
	default:
		r.rec.Outcome = OutcomeSuccess
	}
	return r.snapshot()
}

// Snapshot returns a copy of the record as it stands.
func (r *Run) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Run) snapshot() Record {
	c := r.rec
	c.EntryErrors = append([]EntryError(nil), r.rec.EntryErrors...)
	return c
}
