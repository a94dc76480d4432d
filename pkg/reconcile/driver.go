package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telekom/omnibus-reconciler/pkg/apply"
	"github.com/telekom/omnibus-reconciler/pkg/dirsync"
	"github.com/telekom/omnibus-reconciler/pkg/metrics"
	"github.com/telekom/omnibus-reconciler/pkg/render"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// DefaultConcurrency bounds parallel artifact writes.
const DefaultConcurrency = 4

// SchedulerSyncer receives the directory server definitions of a pass.
type SchedulerSyncer interface {
	Sync(defs map[string]render.Connection) dirsync.SyncResult
}

// NotifierReloader receives the SMTP settings of a pass.
type NotifierReloader interface {
	Reload(smtp settings.SMTP, password *secret.Secret)
}

// Driver runs reconciliation passes. Passes are serialized.
type Driver struct {
	log       *zap.SugaredLogger
	resolver  *secret.Resolver
	applier   apply.Applier
	reloader  apply.Reloader
	state     *apply.State
	scheduler SchedulerSyncer
	notifier  NotifierReloader

	parseOpts   settings.Options
	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	lastMu  sync.RWMutex
	last    *Result
	trigger chan struct{}
}

func NewDriver(resolver *secret.Resolver, applier apply.Applier, reloader apply.Reloader, state *apply.State, log *zap.SugaredLogger) *Driver {
	if reloader == nil {
		reloader = apply.NopReloader{}
	}
	if state == nil {
		state = apply.NewState()
	}
	return &Driver{
		log:         log.Named("reconcile"),
		resolver:    resolver,
		applier:     applier,
		reloader:    reloader,
		state:       state,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
}

// WithScheduler attaches the directory sync scheduler.
func (d *Driver) WithScheduler(s SchedulerSyncer) *Driver {
	d.scheduler = s
	return d
}

// WithNotifier attaches the failure notifier.
func (d *Driver) WithNotifier(n NotifierReloader) *Driver {
	d.notifier = n
	return d
}

// WithStrict rejects unknown settings keys.
func (d *Driver) WithStrict(strict bool) *Driver {
	d.parseOpts.Strict = strict
	return d
}

// WithConcurrency bounds parallel artifact writes.
func (d *Driver) WithConcurrency(n int) *Driver {
	if n > 0 {
		d.concurrency = n
	}
	return d
}

// Last returns the result of the most recent pass, or nil.
func (d *Driver) Last() *Result {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()
	return d.last
}

// Pass runs one reconciliation pass over values. The returned Result is
// never nil. The error is non-nil when the pass was aborted: invalid
// settings (an *settings.InvalidSettingsError) or a render defect (a
// *render.Error). Apply and reload failures are reported in the Result.
func (d *Driver) Pass(ctx context.Context, values settings.Values) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.now()
	res := newResult(start)
	err := d.pass(ctx, values, res)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	res.finish()
	res.Duration = time.Since(start)

	metrics.ReconcilePasses.WithLabelValues(string(res.Status)).Inc()
	metrics.ReconcileDuration.Observe(res.Duration.Seconds())
	d.logResult(res)

	d.lastMu.Lock()
	d.last = res
	d.lastMu.Unlock()
	return res, err
}

func (d *Driver) pass(ctx context.Context, values settings.Values, res *Result) error {
	doc, warnings, err := settings.Parse(values, d.parseOpts)
	res.Warnings = warnings
	for _, w := range warnings {
		d.log.Warnw("Settings warning", "field", w.Field, "message", w.Message)
	}
	if err != nil {
		var invalid *settings.InvalidSettingsError
		if errors.As(err, &invalid) {
			res.ValidationErrors = invalid.Errors
			metrics.SettingsValidationErrors.Add(float64(len(invalid.Errors)))
		}
		return err
	}
	defer doc.Release()

	resolution := d.resolver.ResolveAll(ctx, doc.BindPasswordRefs())
	defer resolution.Release()
	smtpPassword := d.resolveSMTP(ctx, doc, res)
	defer smtpPassword.Release()

	rendered, err := render.Render(doc, resolution.Secrets)
	if err != nil {
		return err
	}

	skipped := make(map[string]bool, len(rendered.Skipped))
	for _, name := range rendered.Skipped {
		skipped[render.DirectoryID(name)] = true
		msg := "bind secret unavailable"
		if rerr := resolution.Errors[name]; rerr != nil {
			msg = rerr.Error()
		}
		res.Directories[name] = DirectoryOutcome{Server: name, State: DirectorySecretUnavailable, Error: msg}
	}

	diff := d.state.Diff(rendered.Artifacts)
	removed := diff.Removed[:0:0]
	for _, e := range diff.Removed {
		// Keep the last descriptor of a server whose secret is only
		// temporarily unavailable.
		if !skipped[e.ID] {
			removed = append(removed, e)
		}
	}
	for _, id := range diff.Unchanged {
		a, _ := rendered.Get(id)
		res.Artifacts[id] = ArtifactOutcome{ID: id, Service: a.Service, Path: a.Path, Digest: a.Digest, Outcome: OutcomeUnchanged}
	}

	d.applyChanges(ctx, diff.Changed, removed, res)
	d.syncDirectories(doc, rendered, res)
	if d.notifier != nil {
		d.notifier.Reload(doc.SMTP, smtpPassword)
	}
	return nil
}

func (d *Driver) resolveSMTP(ctx context.Context, doc *settings.Document, res *Result) *secret.Secret {
	if !doc.SMTP.Enabled || doc.SMTP.Password.IsZero() {
		return nil
	}
	pw, err := d.resolver.Resolve(ctx, "smtp", doc.SMTP.Password)
	if err != nil {
		res.Warnings = append(res.Warnings, settings.Warning{Field: settings.KeySMTPPasswordRef, Message: err.Error()})
		d.log.Warnw("SMTP password unavailable, notifications use no authentication", "error", err)
		return nil
	}
	return pw
}

type change struct {
	id, service, path, digest string
	removal                   bool
	artifact                  render.Artifact
	entry                     apply.Entry
	err                       error
}

// applyChanges writes and removes artifacts concurrently, reloads each
// service that had a change, and records in the state only what was
// applied to a service that reloaded successfully, so failures are retried
// on the next pass.
func (d *Driver) applyChanges(ctx context.Context, changed []render.Artifact, removed []apply.Entry, res *Result) {
	changes := make([]*change, 0, len(changed)+len(removed))
	for _, a := range changed {
		changes = append(changes, &change{id: a.ID, service: a.Service, path: a.Path, digest: a.Digest, artifact: a})
	}
	for _, e := range removed {
		changes = append(changes, &change{id: e.ID, service: e.Service, path: e.Path, removal: true, entry: e})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, c := range changes {
		c := c
		g.Go(func() error {
			if c.removal {
				c.err = d.applier.Remove(gctx, c.entry)
			} else {
				c.err = d.applier.Apply(gctx, c.artifact)
			}
			result := "success"
			if c.err != nil {
				result = "error"
			}
			metrics.ArtifactApplies.WithLabelValues(c.id, result).Inc()
			return nil
		})
	}
	_ = g.Wait()

	byService := map[string][]*change{}
	for _, c := range changes {
		byService[c.service] = append(byService[c.service], c)
	}
	for _, id := range sortedIDs(res.Artifacts) {
		a := res.Artifacts[id]
		if _, ok := byService[a.Service]; !ok {
			res.Services[a.Service] = ServiceOutcome{Service: a.Service, Outcome: OutcomeUnchanged}
		}
	}

	services := make([]string, 0, len(byService))
	for svc := range byService {
		services = append(services, svc)
	}
	sort.Strings(services)

	now := d.now()
	for _, svc := range services {
		out := ServiceOutcome{Service: svc, Outcome: OutcomeApplied}
		var ok []*change
		for _, c := range byService[svc] {
			ao := ArtifactOutcome{ID: c.id, Service: svc, Path: c.path, Digest: c.digest, Outcome: OutcomeApplied}
			if c.removal {
				ao.Outcome = OutcomeRemoved
			}
			if c.err != nil {
				ao.Outcome = OutcomeFailed
				ao.Error = c.err.Error()
				out.Errors = append(out.Errors, ao.Error)
				d.log.Warnw("Artifact not applied", append(system.ArtifactFields(c.id, svc), "error", c.err)...)
			} else {
				ok = append(ok, c)
				out.Changed = append(out.Changed, c.id)
			}
			res.Artifacts[c.id] = ao
		}
		sort.Strings(out.Changed)

		if len(ok) > 0 {
			if err := d.reloader.Reload(ctx, svc); err != nil {
				out.Errors = append(out.Errors, err.Error())
				d.log.Warnw("Service reload failed, changes are retried next pass", "service", svc, "error", err)
			} else {
				out.Reloaded = true
				for _, c := range ok {
					if c.removal {
						d.state.Forget(c.id)
					} else {
						d.state.Record(c.artifact, now)
					}
				}
			}
		}
		if len(out.Errors) > 0 {
			out.Outcome = OutcomeFailed
		}
		res.Services[svc] = out
	}

	if len(changes) > 0 {
		if err := d.state.Save(); err != nil {
			d.log.Warnw("Failed to persist applied state", "error", err)
			res.Warnings = append(res.Warnings, settings.Warning{Field: "state", Message: err.Error()})
		}
	}
}

func (d *Driver) syncDirectories(doc *settings.Document, rendered *render.Result, res *Result) {
	if d.scheduler == nil {
		for name := range rendered.Connections {
			res.Directories[name] = DirectoryOutcome{Server: name, State: DirectoryRendered}
		}
		return
	}
	sr := d.scheduler.Sync(rendered.Connections)
	set := func(names []string, state DirectoryState) {
		for _, name := range names {
			if _, ok := res.Directories[name]; ok {
				continue
			}
			res.Directories[name] = DirectoryOutcome{Server: name, State: state}
		}
	}
	for name, err := range sr.Errors {
		res.Directories[name] = DirectoryOutcome{Server: name, State: DirectoryFailed, Error: err.Error()}
	}
	set(sr.Added, DirectoryScheduled)
	set(sr.Updated, DirectoryScheduled)
	set(sr.Unchanged, DirectoryUnchanged)
	set(sr.Removed, DirectoryRemoved)
	if !doc.DirectorySyncEnabled && len(doc.DirectoryServers) > 0 {
		d.log.Debugw("Directory sync disabled, no jobs scheduled", "servers", len(doc.DirectoryServers))
	}
}

func (d *Driver) logResult(res *Result) {
	fields := []interface{}{
		"status", res.Status,
		"changed", res.ChangedServices(),
		"duration", res.Duration,
	}
	if failed := res.FailedServices(); len(failed) > 0 {
		fields = append(fields, "failed", failed)
	}
	if len(res.ValidationErrors) > 0 {
		fields = append(fields, "validation_errors", len(res.ValidationErrors))
	}
	if res.Status == StatusFailed {
		d.log.Warnw("Reconciliation pass finished", append(fields, "error", res.Error)...)
		return
	}
	d.log.Infow("Reconciliation pass finished", fields...)
}

func sortedIDs(m map[string]ArtifactOutcome) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Trigger requests a pass from Run without waiting for the interval.
func (d *Driver) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Source produces the settings of a pass.
type Source interface {
	Load() (settings.Values, error)
}

// Run executes a pass immediately, then every interval and on Trigger,
// until ctx is cancelled. Failed passes are logged; Run only returns
// ctx.Err().
func (d *Driver) Run(ctx context.Context, interval time.Duration, src Source) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.runOnce(ctx, src)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}

func (d *Driver) runOnce(ctx context.Context, src Source) {
	values, err := src.Load()
	if err != nil {
		d.log.Errorw("Failed to load settings, pass skipped", "error", err)
		metrics.ReconcilePasses.WithLabelValues("load_error").Inc()
		return
	}
	if _, err := d.Pass(ctx, values); err != nil {
		d.log.Debugw("Reconciliation pass aborted", "error", err)
	}
}
