package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telekom/omnibus-reconciler/pkg/api"
	"github.com/telekom/omnibus-reconciler/pkg/directory"
	"github.com/telekom/omnibus-reconciler/pkg/dirsync"
	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/reconcile"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

const shutdownTimeout = 30 * time.Second

// daemon is the wired serve process.
type daemon struct {
	log        *zap.SugaredLogger
	interval   time.Duration
	source     reconcile.Source
	driver     *reconcile.Driver
	scheduler  *dirsync.Scheduler
	jobs       *joblog.Log
	server     *api.Server
	closeStore func() error
	// campaign is nil unless leader election is enabled.
	campaign campaignFunc
}

func (rt *runtimeState) newDaemon(ctx context.Context) (*daemon, error) {
	interval, err := rt.cfg.Interval()
	if err != nil {
		return nil, err
	}
	jobTimeout, err := rt.cfg.JobTimeout()
	if err != nil {
		return nil, err
	}
	loc, err := rt.cfg.Location()
	if err != nil {
		return nil, err
	}

	campaign, err := rt.newCampaign()
	if err != nil {
		return nil, err
	}
	driver, err := rt.newDriver()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := rt.newStore(ctx)
	if err != nil {
		return nil, err
	}
	notifier := rt.newNotifier()
	jobs, err := rt.newJobLog(notifier)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	log := rt.Log()
	syncer := dirsync.NewSyncer(directory.NewLDAPDialer(log), store, log)
	scheduler := dirsync.NewScheduler(syncer, jobs, log, dirsync.Options{JobTimeout: jobTimeout, Location: loc})
	driver.WithScheduler(scheduler).WithNotifier(notifier)

	server := api.NewServer(rt.Logger(), rt.cfg.Server, rt.debug)
	if err := server.RegisterAll([]api.APIController{
		api.NewJobsController(log, scheduler, jobs, server.TriggerLimiter()),
		api.NewReconcileController(log, driver, server.TriggerLimiter()),
	}); err != nil {
		server.Close()
		_ = jobs.Close()
		_ = closeStore()
		return nil, err
	}

	return &daemon{
		log:        log.Named("serve"),
		interval:   interval,
		source:     rt.Source(),
		driver:     driver,
		scheduler:  scheduler,
		jobs:       jobs,
		server:     server,
		closeStore: closeStore,
		campaign:   campaign,
	}, nil
}

// Run serves until ctx is cancelled, then stops the scheduler, waiting for
// running jobs up to the shutdown timeout, and flushes the job log. With
// leader election, passes and sync jobs start once the lease is held and
// losing it ends Run with an error.
func (d *daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Listen(gctx) })

	leading := make(chan struct{})
	if d.campaign == nil {
		close(leading)
	} else {
		var once sync.Once
		g.Go(func() error {
			return d.campaign(gctx, func() { once.Do(func() { close(leading) }) })
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-leading:
		}
		d.scheduler.Start()
		return d.driver.Run(gctx, d.interval, d.source)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := d.scheduler.Stop(shutdownCtx); serr != nil {
		d.log.Warnw("Sync jobs still running at shutdown", "error", serr)
	}
	return errors.Join(err, d.Close())
}

func (d *daemon) Close() error {
	d.server.Close()
	return closeAll(d.jobs.Close, d.closeStore)
}

func NewServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Reconcile continuously, schedule directory sync jobs and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				rt.cfg.Server.ListenAddress = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt.Log().Infow("Starting omnibus-reconciler", "version", system.Version, "settings", rt.cfg.Settings.Paths, "output", rt.cfg.Output.Mode)
			d, err := rt.newDaemon(ctx)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides server.listenAddress")
	return cmd
}
