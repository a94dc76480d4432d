package dirsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/directory"
	"github.com/telekom/omnibus-reconciler/pkg/identity"
	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/metrics"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// DetailJobTimeout is the error detail of a job that exceeded its ceiling.
const DetailJobTimeout = "job timeout exceeded"

// SyncError reports a failed directory search.
type SyncError struct {
	Server string
	Kind   joblog.Kind
	Op     string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s sync of %s: %s: %v", e.Kind, e.Server, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Provider is the identity provider name of a directory server.
func Provider(server string) string {
	return "ldap" + server
}

// Runner executes one sync job and returns its finalized record.
type Runner interface {
	Run(ctx context.Context, srv settings.DirectoryServer, password *secret.Secret, kind joblog.Kind, trigger joblog.Trigger) joblog.Record
}

// Syncer reconciles local identities against a directory server.
type Syncer struct {
	dialer directory.Dialer
	store  identity.Store
	log    *zap.SugaredLogger
}

func NewSyncer(dialer directory.Dialer, store identity.Store, log *zap.SugaredLogger) *Syncer {
	return &Syncer{dialer: dialer, store: store, log: log.Named("syncer")}
}

// Run executes one job. Entries reconciled before a failure or cancellation
// stay applied.
func (s *Syncer) Run(ctx context.Context, srv settings.DirectoryServer, password *secret.Secret, kind joblog.Kind, trigger joblog.Trigger) joblog.Record {
	run := joblog.Start(srv.Name, kind, trigger)
	log := s.log.With(system.JobFields(srv.Name, string(kind))...).With("job", run.ID())
	log.Debugw("Sync job started", "trigger", trigger)

	err := s.run(ctx, run, srv, password, kind)
	if err != nil && ctx.Err() != nil {
		err = cancelCause(ctx)
	}
	rec := run.Finish(err)
	if rec.Outcome != joblog.OutcomeSuccess {
		log.Warnw("Sync job finished", "outcome", rec.Outcome, "error", rec.ErrorDetail, "entry_errors", len(rec.EntryErrors))
	} else {
		log.Infow("Sync job finished", "outcome", rec.Outcome, "users", rec.UsersSynced, "groups", rec.GroupsSynced,
			"duration", rec.Duration())
	}
	return rec
}

func cancelCause(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New(DetailJobTimeout)
	}
	return errors.New(joblog.DetailCancelled)
}

func (s *Syncer) run(ctx context.Context, run *joblog.Run, srv settings.DirectoryServer, password *secret.Secret, kind joblog.Kind) error {
	sess, err := s.dialer.Dial(ctx, srv, password)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			s.log.Debugw("Failed to close directory session", "server", srv.Name, "error", cerr)
		}
	}()

	j := &job{Syncer: s, ctx: ctx, run: run, srv: srv, kind: kind, provider: Provider(srv.Name)}
	if kind == joblog.KindFull {
		if err := j.syncUsers(sess); err != nil {
			return err
		}
	}
	return j.syncGroups(sess)
}

// job carries the state of one run.
type job struct {
	*Syncer
	ctx      context.Context
	run      *joblog.Run
	srv      settings.DirectoryServer
	kind     joblog.Kind
	provider string
}

func (j *job) entryFailed(dn string, err error) {
	j.run.EntryFailed(dn, err)
	metrics.SyncEntryErrors.WithLabelValues(j.srv.Name, string(j.kind)).Inc()
	j.log.Debugw("Entry not reconciled", "server", j.srv.Name, "dn", dn, "error", err)
}

func (j *job) syncUsers(sess directory.Session) error {
	entries, err := sess.Users(j.ctx)
	if err != nil {
		return &SyncError{Server: j.srv.Name, Kind: j.kind, Op: "search users", Err: err}
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if j.ctx.Err() != nil {
			return cancelCause(j.ctx)
		}
		if j.srv.ActiveDirectory && e.Disabled() {
			continue
		}
		// An entry that fails to reconcile is still present in the directory.
		seen[strings.ToLower(e.DN)] = true
		if err := j.syncUser(e); err != nil {
			j.entryFailed(e.DN, err)
			continue
		}
		j.run.UserSynced()
		metrics.SyncEntriesReconciled.WithLabelValues(j.srv.Name, string(j.kind), "user").Inc()
	}

	local, err := j.store.UsersByProvider(j.ctx, j.provider)
	if err != nil {
		return fmt.Errorf("list local users: %w", err)
	}
	for i := range local {
		u := local[i]
		if seen[strings.ToLower(u.ExternUID)] || u.State != identity.StateActive {
			continue
		}
		if j.ctx.Err() != nil {
			return cancelCause(j.ctx)
		}
		u.State = identity.StateLDAPBlocked
		if err := j.store.UpdateUser(j.ctx, &u); err != nil {
			j.entryFailed(u.ExternUID, fmt.Errorf("block user %s: %w", u.Username, err))
			continue
		}
		j.run.UserBlocked()
	}
	return nil
}

// syncUser creates or refreshes the local account of one directory entry.
func (j *job) syncUser(e directory.Entry) error {
	want, err := j.userFromEntry(e)
	if err != nil {
		return err
	}

	existing, err := j.store.UserByIdentity(j.ctx, j.provider, e.DN)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		if j.srv.BlockAutoCreatedUsers {
			want.State = identity.StateBlocked
		}
		if err := j.store.CreateUser(j.ctx, &want); err != nil {
			return fmt.Errorf("create user %s: %w", want.Username, err)
		}
		j.run.UserCreated()
		return nil
	case err != nil:
		return fmt.Errorf("look up user: %w", err)
	}

	updated := *existing
	updated.Username = want.Username
	updated.Email = want.Email
	updated.Name = want.Name
	if updated.State == identity.StateLDAPBlocked {
		updated.State = identity.StateActive
	}
	if updated == *existing {
		return nil
	}
	if err := j.store.UpdateUser(j.ctx, &updated); err != nil {
		return fmt.Errorf("update user %s: %w", updated.Username, err)
	}
	return nil
}

func (j *job) userFromEntry(e directory.Entry) (identity.User, error) {
	attrs := j.srv.Attributes
	username := e.First(attrs.Username...)
	if username == "" {
		username = e.First(j.srv.UIDAttribute)
	}
	if username == "" {
		return identity.User{}, fmt.Errorf("entry has none of the username attributes %v", attrs.Username)
	}
	if j.srv.LowercaseUsernames {
		username = strings.ToLower(username)
	}
	email := e.First(attrs.Email...)
	if email == "" {
		return identity.User{}, fmt.Errorf("entry has none of the email attributes %v", attrs.Email)
	}
	name := e.First(attrs.Name)
	if name == "" {
		name = strings.TrimSpace(e.First(attrs.FirstName) + " " + e.First(attrs.LastName))
	}
	if name == "" {
		name = username
	}
	return identity.User{
		Username:  username,
		Email:     email,
		Name:      name,
		Provider:  j.provider,
		ExternUID: e.DN,
		State:     identity.StateActive,
	}, nil
}

// syncGroups replaces the membership of every directory group with the
// local users that are members in the directory. Members without a local
// account are ignored.
func (j *job) syncGroups(sess directory.Session) error {
	entries, err := sess.Groups(j.ctx)
	if err != nil {
		return &SyncError{Server: j.srv.Name, Kind: j.kind, Op: "search groups", Err: err}
	}
	local, err := j.store.UsersByProvider(j.ctx, j.provider)
	if err != nil {
		return fmt.Errorf("list local users: %w", err)
	}
	byDN := make(map[string]identity.User, len(local))
	byName := make(map[string]identity.User, len(local))
	for _, u := range local {
		byDN[strings.ToLower(u.ExternUID)] = u
		byName[strings.ToLower(u.Username)] = u
	}

	var admins map[int64]bool
	for _, e := range entries {
		if j.ctx.Err() != nil {
			return cancelCause(j.ctx)
		}
		g := directory.GroupFromEntry(e)
		if g.Name == "" {
			j.entryFailed(e.DN, errors.New("group has no name"))
			continue
		}

		var ids []int64
		for _, dn := range g.MemberDNs {
			if u, ok := byDN[strings.ToLower(dn)]; ok {
				ids = append(ids, u.ID)
			}
		}
		for _, uid := range g.MemberUIDs {
			if u, ok := byName[strings.ToLower(uid)]; ok {
				ids = append(ids, u.ID)
			}
		}
		ids = uniqueSorted(ids)

		if j.srv.AdminGroup != "" && strings.EqualFold(g.Name, j.srv.AdminGroup) {
			admins = make(map[int64]bool, len(ids))
			for _, id := range ids {
				admins[id] = true
			}
		}

		current, err := j.store.GroupMembers(j.ctx, j.provider, g.Name)
		if err != nil {
			j.entryFailed(e.DN, fmt.Errorf("read members: %w", err))
			continue
		}
		if !equalIDs(current, ids) {
			if err := j.store.SetGroupMembers(j.ctx, j.provider, g.Name, ids); err != nil {
				j.entryFailed(e.DN, fmt.Errorf("set members: %w", err))
				continue
			}
		}
		j.run.GroupSynced()
		metrics.SyncEntriesReconciled.WithLabelValues(j.srv.Name, string(j.kind), "group").Inc()
	}

	if j.srv.AdminGroup == "" {
		return nil
	}
	if admins == nil {
		j.log.Warnw("Admin group not found in directory, admin flags left unchanged",
			"server", j.srv.Name, "admin_group", j.srv.AdminGroup)
		return nil
	}
	for _, u := range local {
		want := admins[u.ID]
		if u.Admin == want {
			continue
		}
		if j.ctx.Err() != nil {
			return cancelCause(j.ctx)
		}
		u.Admin = want
		if err := j.store.UpdateUser(j.ctx, &u); err != nil {
			j.entryFailed(u.ExternUID, fmt.Errorf("set admin flag of %s: %w", u.Username, err))
		}
	}
	return nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
