package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telekom/omnibus-reconciler/pkg/directory"
	"github.com/telekom/omnibus-reconciler/pkg/dirsync"
	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/output"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

const syncLong = `Run one directory sync job in the foreground against the configured identity store.

The job is not coordinated with a running serve process. When serve shares the
same identity store (for example one PostgreSQL database), a foreground run can
overlap a scheduled run of the same server and kind. Trigger jobs through the
serve API instead (POST /api/jobs/SERVER/KIND/run) while serve is running.`

func NewSyncCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "sync SERVER",
		Short: "Run one directory sync job in the foreground",
		Long: syncLong,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			jobKind := joblog.Kind(kind)
			if jobKind != joblog.KindFull && jobKind != joblog.KindGroup {
				return fmt.Errorf("%w %q", dirsync.ErrUnknownKind, kind)
			}

			values, err := rt.Source().Load()
			if err != nil {
				return err
			}
			doc, _, err := settings.Parse(values, settings.Options{Strict: rt.cfg.Settings.Strict})
			if err != nil {
				return err
			}
			defer doc.Release()

			name := args[0]
			srv, ok := doc.DirectoryServers[name]
			if !ok {
				return fmt.Errorf("%w: %s", dirsync.ErrUnknownServer, name)
			}

			var password *secret.Secret
			if !srv.BindPassword.IsZero() {
				password, err = rt.newResolver().Resolve(cmd.Context(), name, srv.BindPassword)
				if err != nil {
					return err
				}
				defer password.Release()
			}

			store, closeStore, err := rt.newStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			timeout, err := rt.cfg.JobTimeout()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			syncer := dirsync.NewSyncer(directory.NewLDAPDialer(rt.Log()), store, rt.Log())
			rec := syncer.Run(ctx, srv, password, jobKind, joblog.TriggerManual)

			if err := rt.write(rec, func(w io.Writer) { output.WriteRecord(w, rec) }); err != nil {
				return err
			}
			if rec.Outcome == joblog.OutcomeFailed {
				return fmt.Errorf("%s sync of %s failed: %s", rec.Kind, rec.Server, rec.ErrorDetail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(joblog.KindFull), "Job kind: full or group")
	return cmd
}
