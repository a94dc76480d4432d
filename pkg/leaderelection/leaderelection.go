package leaderelection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

// ErrLeadershipLost is returned by Run when the lease could not be renewed.
// The process is expected to exit so that a fresh replica campaigns again.
var ErrLeadershipLost = errors.New("leadership lost")

type Config struct {
	Namespace string
	LeaseName string
	// Identity names this replica in the lease, usually the pod name.
	Identity string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

func (c *Config) defaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
}

// NewLeaseLock returns a Lease based resource lock for cfg.
func NewLeaseLock(client kubernetes.Interface, cfg Config) (resourcelock.Interface, error) {
	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		cfg.Namespace,
		cfg.LeaseName,
		client.CoreV1(),
		client.CoordinationV1(),
		resourcelock.ResourceLockConfig{Identity: cfg.Identity},
	)
	if err != nil {
		return nil, fmt.Errorf("creating lease lock %s/%s: %w", cfg.Namespace, cfg.LeaseName, err)
	}
	return lock, nil
}

// Run campaigns for the lease until ctx is cancelled. onLeading is called
// once, when this replica acquires the lease. Run returns nil when ctx ends
// and ErrLeadershipLost when a held lease could not be renewed. The lease is
// released on cancellation.
func Run(ctx context.Context, lock resourcelock.Interface, cfg Config, log *zap.SugaredLogger, onLeading func()) error {
	cfg.defaults()
	log = log.Named("leaderelection")

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(context.Context) {
				log.Infow("Acquired leadership", "identity", cfg.Identity)
				metrics.LeaderElected.Set(1)
				onLeading()
			},
			OnStoppedLeading: func() {
				metrics.LeaderElected.Set(0)
				log.Infow("Stopped leading", "identity", cfg.Identity)
			},
			OnNewLeader: func(identity string) {
				if identity != cfg.Identity {
					log.Infow("New leader elected", "identity", identity)
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating leader elector: %w", err)
	}

	log.Infow("Starting leader election", "lease", cfg.LeaseName, "namespace", cfg.Namespace, "identity", cfg.Identity)
	elector.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return ErrLeadershipLost
}
