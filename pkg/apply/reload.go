package apply

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

// Reloader tells a service to pick up new configuration.
type Reloader interface {
	Reload(ctx context.Context, service string) error
}

// NopReloader does nothing. Used when services watch their configuration
// themselves (e.g. mounted ConfigMaps).
type NopReloader struct{}

func (NopReloader) Reload(context.Context, string) error { return nil }

// HTTPReloaderConfig configures an HTTPReloader.
type HTTPReloaderConfig struct {
	// Endpoints maps a service to the URL that is POSTed to reload it.
	// Services without an endpoint are not signalled.
	Endpoints map[string]string `yaml:"endpoints"`
	// Token is sent as a bearer token when set.
	Token      string        `yaml:"-"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retryCount"`
	// MinInterval is the minimum time between two reloads of one service.
	MinInterval time.Duration `yaml:"minInterval"`
}

// HTTPReloader signals services through HTTP hooks.
type HTTPReloader struct {
	client    *resty.Client
	endpoints map[string]string
	interval  time.Duration
	log       *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHTTPReloader(cfg HTTPReloaderConfig, log *zap.SugaredLogger) *HTTPReloader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("User-Agent", "omnibus-reconciler")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTPReloader{
		client:    c,
		endpoints: cfg.Endpoints,
		interval:  cfg.MinInterval,
		log:       log.Named("reloader"),
		limiters:  map[string]*rate.Limiter{},
	}
}

func (h *HTTPReloader) limiter(service string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[service]
	if !ok {
		limit := rate.Inf
		if h.interval > 0 {
			limit = rate.Every(h.interval)
		}
		l = rate.NewLimiter(limit, 1)
		h.limiters[service] = l
	}
	return l
}

func (h *HTTPReloader) Reload(ctx context.Context, service string) error {
	url, ok := h.endpoints[service]
	if !ok {
		h.log.Debugw("No reload endpoint configured", "service", service)
		return nil
	}
	if err := h.limiter(service).Wait(ctx); err != nil {
		return &ReloadError{Service: service, Err: err}
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("service", service).
		Post(url)
	if err != nil {
		metrics.ServiceReloads.WithLabelValues(service, "error").Inc()
		return &ReloadError{Service: service, Err: err}
	}
	if resp.IsError() {
		metrics.ServiceReloads.WithLabelValues(service, "error").Inc()
		return &ReloadError{Service: service, Err: fmt.Errorf("unexpected status %s", resp.Status())}
	}
	metrics.ServiceReloads.WithLabelValues(service, "success").Inc()
	h.log.Infow("Service reloaded", "service", service, "status", resp.StatusCode())
	return nil
}

// CommandReloader runs a command per reload; "{service}" in any argument is
// replaced with the service name, e.g. ["gitlab-ctl", "hup", "{service}"].
type CommandReloader struct {
	Command []string
	log     *zap.SugaredLogger
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewCommandReloader(command []string, log *zap.SugaredLogger) *CommandReloader {
	return &CommandReloader{Command: command, log: log.Named("reloader"), run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (c *CommandReloader) Reload(ctx context.Context, service string) error {
	if len(c.Command) == 0 {
		return &ReloadError{Service: service, Err: fmt.Errorf("no reload command configured")}
	}
	args := make([]string, len(c.Command))
	for i, a := range c.Command {
		args[i] = strings.ReplaceAll(a, "{service}", service)
	}
	out, err := c.run(ctx, args[0], args[1:]...)
	if err != nil {
		metrics.ServiceReloads.WithLabelValues(service, "error").Inc()
		return &ReloadError{Service: service, Err: fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))}
	}
	metrics.ServiceReloads.WithLabelValues(service, "success").Inc()
	c.log.Infow("Service reloaded", "service", service, "command", args)
	return nil
}
