package dirsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/zapr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/metrics"
	"github.com/telekom/omnibus-reconciler/pkg/render"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// DefaultJobTimeout is the ceiling for one sync job.
const DefaultJobTimeout = 30 * time.Minute

var (
	// ErrSkippedOverlap is returned when a run of the same server and kind
	// is still in flight. It is informational; the fire is dropped.
	ErrSkippedOverlap = errors.New("skipped: previous run still in progress")
	// ErrUnknownServer is returned for servers the scheduler has no jobs for.
	ErrUnknownServer = errors.New("unknown directory server")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
	// ErrUnknownKind is returned for job kinds other than full and group.
	ErrUnknownKind = errors.New("unknown job kind")
)

// Kinds lists the job kinds scheduled for every server.
var Kinds = []joblog.Kind{joblog.KindFull, joblog.KindGroup}

// RunState is the state of one (server, kind) pair.
type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
)

// JobState describes one scheduled job.
type JobState struct {
	Server      string         `json:"server" yaml:"server"`
	Kind        joblog.Kind    `json:"kind" yaml:"kind"`
	Schedule    string         `json:"schedule" yaml:"schedule"`
	State       RunState       `json:"state" yaml:"state"`
	NextRun     *time.Time     `json:"nextRun,omitempty" yaml:"nextRun,omitempty"`
	LastOutcome joblog.Outcome `json:"lastOutcome,omitempty" yaml:"lastOutcome,omitempty"`
	LastRunID   string         `json:"lastRunId,omitempty" yaml:"lastRunId,omitempty"`
	LastRun     *time.Time     `json:"lastRun,omitempty" yaml:"lastRun,omitempty"`
}

// SyncResult summarizes a Sync call.
type SyncResult struct {
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged []string
	// Errors holds servers whose schedule could not be registered.
	Errors map[string]error
}

// Options tune a Scheduler.
type Options struct {
	JobTimeout time.Duration
	Location   *time.Location
}

type pairKey struct {
	server string
	kind   joblog.Kind
}

// serverJobs is the registration of one directory server. It owns the
// password clone in conn.
type serverJobs struct {
	conn    render.Connection
	entries map[joblog.Kind]cron.EntryID
	specs   map[joblog.Kind]string
	ctx     context.Context
	cancel  context.CancelFunc
}

// Scheduler fires the full and group sync jobs of every registered server.
type Scheduler struct {
	log        *zap.SugaredLogger
	runner     Runner
	jobs       *joblog.Log
	cron       *cron.Cron
	jobTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	servers map[string]*serverJobs
	// tokens outlive server re-registration so a cancelled run and its
	// replacement never overlap.
	tokens  map[pairKey]chan struct{}
	last    map[pairKey]joblog.Record
	stopped bool
}

func NewScheduler(runner Runner, jobs *joblog.Log, log *zap.SugaredLogger, opts Options) *Scheduler {
	log = log.Named("scheduler")
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	cronLog := zapr.NewLogger(log.Desugar()).V(1)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:        log,
		runner:     runner,
		jobs:       jobs,
		jobTimeout: opts.JobTimeout,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		ctx:     ctx,
		cancel:  cancel,
		servers: map[string]*serverJobs{},
		tokens:  map[pairKey]chan struct{}{},
		last:    map[pairKey]joblog.Record{},
	}
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Directory sync scheduler started")
}

// Sync makes the registered jobs match defs. Servers whose connection
// fingerprint, schedule or password changed are re-registered and their
// running jobs cancelled; servers absent from defs are removed. The scheduler
// keeps its own copy of each password; the caller keeps ownership of defs.
func (s *Scheduler) Sync(defs map[string]render.Connection) SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := SyncResult{Errors: map[string]error{}}
	if s.stopped {
		for name := range defs {
			res.Errors[name] = ErrStopped
		}
		return res
	}

	for _, name := range sortedKeys(s.servers) {
		if _, ok := defs[name]; !ok {
			s.unregister(name)
			res.Removed = append(res.Removed, name)
		}
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		existing, ok := s.servers[name]
		if ok && sameConnection(existing.conn, def) {
			res.Unchanged = append(res.Unchanged, name)
			continue
		}
		if ok {
			s.unregister(name)
		}
		if err := s.register(name, def); err != nil {
			res.Errors[name] = err
			s.log.Warnw("Failed to schedule directory sync", "server", name, "error", err)
			if ok {
				res.Removed = append(res.Removed, name)
			}
			continue
		}
		if ok {
			res.Updated = append(res.Updated, name)
		} else {
			res.Added = append(res.Added, name)
		}
	}

	if len(res.Added)+len(res.Updated)+len(res.Removed) > 0 {
		s.log.Infow("Directory sync jobs updated", "added", res.Added, "updated", res.Updated, "removed", res.Removed)
	}
	return res
}

func sameConnection(a, b render.Connection) bool {
	return a.Digest == b.Digest && a.Schedule == b.Schedule && a.Password.Equal(b.Password)
}

// register must be called with s.mu held.
func (s *Scheduler) register(name string, def render.Connection) error {
	specs := map[joblog.Kind]string{
		joblog.KindFull:  def.Schedule.FullSyncCron,
		joblog.KindGroup: def.Schedule.GroupSyncCron,
	}
	schedules := make(map[joblog.Kind]cron.Schedule, len(specs))
	for _, kind := range Kinds {
		sched, err := cron.ParseStandard(specs[kind])
		if err != nil {
			return fmt.Errorf("%s sync schedule %q: %w", kind, specs[kind], err)
		}
		schedules[kind] = sched
	}

	ctx, cancel := context.WithCancel(s.ctx)
	conn := def
	conn.Password = def.Password.Clone()
	sj := &serverJobs{
		conn:    conn,
		entries: map[joblog.Kind]cron.EntryID{},
		specs:   specs,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, kind := range Kinds {
		kind := kind
		key := pairKey{server: name, kind: kind}
		if _, ok := s.tokens[key]; !ok {
			s.tokens[key] = make(chan struct{}, 1)
		}
		sj.entries[kind] = s.cron.Schedule(schedules[kind], cron.FuncJob(func() {
			if err := s.fire(sj, kind, joblog.TriggerSchedule, false); err != nil && !errors.Is(err, ErrSkippedOverlap) {
				s.log.Debugw("Scheduled sync not started", "server", name, "kind", kind, "error", err)
			}
		}))
	}
	s.servers[name] = sj
	return nil
}

// unregister must be called with s.mu held.
func (s *Scheduler) unregister(name string) {
	sj, ok := s.servers[name]
	if !ok {
		return
	}
	for _, id := range sj.entries {
		s.cron.Remove(id)
	}
	sj.cancel()
	sj.conn.Password.Release()
	delete(s.servers, name)
}

// RunNow starts a job outside its schedule. It returns ErrSkippedOverlap if
// the same job is already running.
func (s *Scheduler) RunNow(server string, kind joblog.Kind) error {
	if kind != joblog.KindFull && kind != joblog.KindGroup {
		return fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	s.mu.Lock()
	sj, ok := s.servers[server]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return s.fire(sj, kind, joblog.TriggerManual, true)
}

// fire takes the pair's token and runs the job, in a new goroutine when
// async is set. Without the token the fire is skipped, never queued.
func (s *Scheduler) fire(sj *serverJobs, kind joblog.Kind, trigger joblog.Trigger, async bool) error {
	name := sj.conn.Server.Name
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.servers[name] != sj || sj.ctx.Err() != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	token := s.tokens[pairKey{server: name, kind: kind}]
	select {
	case token <- struct{}{}:
	default:
		s.mu.Unlock()
		metrics.SyncJobsSkipped.WithLabelValues(name, string(kind)).Inc()
		s.log.Infow("SkippedOverlap: previous run still in progress", append(system.JobFields(name, string(kind)), "trigger", trigger)...)
		return ErrSkippedOverlap
	}
	password := sj.conn.Password.Clone()
	srv := sj.conn.Server
	s.wg.Add(1)
	s.mu.Unlock()

	exec := func() {
		defer s.wg.Done()
		defer func() { <-token }()
		defer password.Release()

		ctx, cancel := context.WithTimeout(sj.ctx, s.jobTimeout)
		defer cancel()

		running := metrics.SyncJobsRunning.WithLabelValues(name, string(kind))
		running.Inc()
		rec := s.runner.Run(ctx, srv, password, kind, trigger)
		running.Dec()

		metrics.SyncJobRuns.WithLabelValues(name, string(kind), string(rec.Outcome)).Inc()
		metrics.SyncJobDuration.WithLabelValues(name, string(kind)).Observe(rec.Duration().Seconds())
		if s.jobs != nil {
			s.jobs.Append(rec)
		}
		s.mu.Lock()
		s.last[pairKey{server: name, kind: kind}] = rec
		s.mu.Unlock()
	}
	if async {
		go exec()
	} else {
		exec()
	}
	return nil
}

// States reports every registered job, ordered by server and kind.
func (s *Scheduler) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobState
	for _, name := range sortedKeys(s.servers) {
		sj := s.servers[name]
		for _, kind := range Kinds {
			key := pairKey{server: name, kind: kind}
			st := JobState{Server: name, Kind: kind, Schedule: sj.specs[kind], State: StateIdle}
			if len(s.tokens[key]) > 0 {
				st.State = StateRunning
			}
			if e := s.cron.Entry(sj.entries[kind]); e.Valid() && !e.Next.IsZero() {
				next := e.Next
				st.NextRun = &next
			}
			if rec, ok := s.last[key]; ok {
				finished := rec.FinishedAt
				st.LastOutcome = rec.Outcome
				st.LastRunID = rec.ID
				st.LastRun = &finished
			}
			out = append(out, st)
		}
	}
	return out
}

// Servers returns the names of the registered servers.
func (s *Scheduler) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.servers)
}

// Stop stops firing, cancels running jobs and waits for them to record
// their outcome or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for sync jobs: %w", ctx.Err())
	}

	s.mu.Lock()
	for _, name := range sortedKeys(s.servers) {
		s.unregister(name)
	}
	s.mu.Unlock()
	s.log.Infow("Directory sync scheduler stopped", "error", err)
	return err
}

func sortedKeys(m map[string]*serverJobs) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
