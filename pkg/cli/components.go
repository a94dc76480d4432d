package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/zapr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/telekom/omnibus-reconciler/pkg/apply"
	"github.com/telekom/omnibus-reconciler/pkg/config"
	"github.com/telekom/omnibus-reconciler/pkg/identity"
	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/leaderelection"
	"github.com/telekom/omnibus-reconciler/pkg/mail"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
)

func (rt *runtimeState) newResolver() *secret.Resolver {
	return secret.NewResolver(rt.Log()).WithEnvLookup(rt.opts.LookupEnv)
}

// newApplier builds the output target selected in the config.
func (rt *runtimeState) newApplier() (apply.Applier, error) {
	switch rt.cfg.Output.Mode {
	case config.OutputConfigMap:
		restCfg, err := rt.restConfig()
		if err != nil {
			return nil, err
		}
		c, err := client.New(restCfg, client.Options{})
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		return apply.NewConfigMapApplier(c, rt.cfg.Output.Namespace, rt.cfg.Output.Prefix, rt.Log()), nil
	default:
		return apply.NewFileApplier(rt.cfg.Output.Root, rt.Log()), nil
	}
}

func (rt *runtimeState) restConfig() (*rest.Config, error) {
	// Route controller-runtime and client-go logs through our zap logger.
	ctrl.SetLogger(zapr.NewLogger(rt.Logger()))
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}
	return restCfg, nil
}

// campaignFunc blocks campaigning for leadership, calling onLeading once the
// lease is held.
type campaignFunc func(ctx context.Context, onLeading func()) error

// newCampaign returns nil when leader election is disabled.
func (rt *runtimeState) newCampaign() (campaignFunc, error) {
	if !rt.cfg.LeaderElection.Enabled {
		return nil, nil
	}
	leCfg, err := rt.cfg.LeaderElectionConfig()
	if err != nil {
		return nil, err
	}
	restCfg, err := rt.restConfig()
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	lock, err := leaderelection.NewLeaseLock(clientset, leCfg)
	if err != nil {
		return nil, err
	}
	log := rt.Log()
	return func(ctx context.Context, onLeading func()) error {
		return leaderelection.Run(ctx, lock, leCfg, log, onLeading)
	}, nil
}

func (rt *runtimeState) newReloader() (apply.Reloader, error) {
	switch rt.cfg.Reload.Mode {
	case config.ReloadHTTP:
		timeout, err := rt.cfg.ReloadTimeout()
		if err != nil {
			return nil, err
		}
		minInterval, err := rt.cfg.ReloadMinInterval()
		if err != nil {
			return nil, err
		}
		return apply.NewHTTPReloader(apply.HTTPReloaderConfig{
			Endpoints:   rt.cfg.Reload.Endpoints,
			Token:       rt.cfg.ReloadToken(),
			Timeout:     timeout,
			RetryCount:  rt.cfg.Reload.RetryCount,
			MinInterval: minInterval,
		}, rt.Log()), nil
	case config.ReloadCommand:
		return apply.NewCommandReloader(rt.cfg.Reload.Command, rt.Log()), nil
	default:
		return apply.NopReloader{}, nil
	}
}

// newStore opens the identity store. The returned close func is never nil.
func (rt *runtimeState) newStore(ctx context.Context) (identity.Store, func() error, error) {
	if rt.cfg.Identity.Driver != config.IdentityPostgres {
		return identity.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := identity.Open(ctx, rt.cfg.IdentityDSN())
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// newJobLog creates the job log with the log sink, the Kafka sink when
// configured, and the mail notifier.
func (rt *runtimeState) newJobLog(notifier *mail.Notifier) (*joblog.Log, error) {
	sinks := []joblog.Sink{joblog.NewLogSink(rt.Logger())}
	if len(rt.cfg.JobLog.Kafka.Brokers) > 0 {
		kafkaSink, err := joblog.NewKafkaSink(rt.cfg.JobLog.Kafka, rt.Log())
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kafkaSink)
	}
	if notifier != nil {
		sinks = append(sinks, notifier)
	}
	return joblog.NewLog(rt.Log(), rt.cfg.JobLog.Capacity, sinks...), nil
}

func (rt *runtimeState) newNotifier() *mail.Notifier {
	n := rt.cfg.Notifications
	return mail.NewNotifier(n.Recipients, n.Instance, n.OnPartial, rt.Log())
}

// closeAll closes in order and joins the errors.
func closeAll(fns ...func() error) error {
	var errs []error
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
