package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"

	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/leaderelection"
)

// EnvConfigPath overrides the config file path.
const EnvConfigPath = "OMNIBUS_RECONCILER_CONFIG"

const DefaultPath = "./config.yaml"

// Output modes.
const (
	OutputFile      = "file"
	OutputConfigMap = "configmap"
)

// Reload modes.
const (
	ReloadNone    = "none"
	ReloadHTTP    = "http"
	ReloadCommand = "command"
)

// Identity store drivers.
const (
	IdentityMemory   = "memory"
	IdentityPostgres = "postgres"
)

type Settings struct {
	// Paths are merged in order, later files win per key.
	Paths []string `yaml:"paths"`
	// Env overlays OMNIBUS_SETTING_* environment variables.
	Env    bool `yaml:"env"`
	Strict bool `yaml:"strict"`
}

type Output struct {
	Mode      string `yaml:"mode"`
	Root      string `yaml:"root"`
	Namespace string `yaml:"namespace"`
	Prefix    string `yaml:"prefix"`
	StatePath string `yaml:"statePath"`
}

type Reconcile struct {
	Interval    string `yaml:"interval"`
	Concurrency int    `yaml:"concurrency"`
}

type Reload struct {
	Mode string `yaml:"mode"`
	// Endpoints maps a service name to its reload URL.
	Endpoints   map[string]string `yaml:"endpoints"`
	TokenEnv    string            `yaml:"tokenEnv"`
	Timeout     string            `yaml:"timeout"`
	RetryCount  int               `yaml:"retryCount"`
	MinInterval string            `yaml:"minInterval"`
	// Command runs with {service} replaced by the service name.
	Command []string `yaml:"command"`
}

type Scheduler struct {
	JobTimeout string `yaml:"jobTimeout"`
	Timezone   string `yaml:"timezone"`
}

type Identity struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// DSNEnv names an environment variable holding the DSN.
	DSNEnv string `yaml:"dsnEnv"`
}

type JobLog struct {
	Capacity int `yaml:"capacity"`
	// Kafka publishes finished job records when brokers are set.
	Kafka joblog.KafkaSinkConfig `yaml:"kafka"`
}

type Notifications struct {
	Recipients []string `yaml:"recipients"`
	OnPartial  bool     `yaml:"onPartial"`
	// Instance names this installation in mail subjects.
	Instance string `yaml:"instance"`
}

type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Server struct {
	ListenAddress  string    `yaml:"listenAddress"`
	TrustedProxies []string  `yaml:"trustedProxies"` // IPs/CIDRS to trust for X-Forwarded-For headers
	AllowedOrigins []string  `yaml:"allowedOrigins"`
	RateLimit      RateLimit `yaml:"rateLimit"`
}

// LeaderElection lets replicas share one Lease so that a single replica
// reconciles and schedules sync jobs. Only valid for configmap output.
type LeaderElection struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"` // defaults to output.namespace
	LeaseName string `yaml:"leaseName"`
	Identity  string `yaml:"identity"` // defaults to the hostname
	// LeaseDuration, RenewDeadline and RetryPeriod use client-go defaults when unset.
	LeaseDuration string `yaml:"leaseDuration"`
	RenewDeadline string `yaml:"renewDeadline"`
	RetryPeriod   string `yaml:"retryPeriod"`
}

type Config struct {
	Settings      Settings      `yaml:"settings"`
	Output        Output        `yaml:"output"`
	Reconcile     Reconcile     `yaml:"reconcile"`
	Reload        Reload        `yaml:"reload"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Identity      Identity      `yaml:"identity"`
	JobLog        JobLog        `yaml:"jobLog"`
	Notifications Notifications `yaml:"notifications"`
	Server        Server        `yaml:"server"`

	LeaderElection LeaderElection `yaml:"leaderElection"`
}

// Load loads the reconciler configuration from a file path.
// If configPath is empty, OMNIBUS_RECONCILER_CONFIG is used, then "./config.yaml".
// Defaults are applied to the result.
func Load(configPath ...string) (Config, error) {
	path := DefaultPath
	if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open reconciler config file %s: %w", path, err)
	}

	if err := yaml.UnmarshalStrict(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.Defaults()
	return config, config.Validate()
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if len(c.Settings.Paths) == 0 {
		c.Settings.Paths = []string{"/etc/gitlab/gitlab.yml"}
	}
	if c.Output.Mode == "" {
		c.Output.Mode = OutputFile
	}
	if c.Output.Root == "" {
		c.Output.Root = "/var/opt/gitlab/reconciler/rendered"
	}
	if c.Output.Prefix == "" {
		c.Output.Prefix = "omnibus"
	}
	if c.Output.StatePath == "" {
		c.Output.StatePath = "/var/opt/gitlab/reconciler/state.yaml"
	}
	if c.Reconcile.Interval == "" {
		c.Reconcile.Interval = "1m"
	}
	if c.Reconcile.Concurrency <= 0 {
		c.Reconcile.Concurrency = 4
	}
	if c.Reload.Mode == "" {
		c.Reload.Mode = ReloadNone
	}
	if c.Reload.Timeout == "" {
		c.Reload.Timeout = "10s"
	}
	if c.Scheduler.JobTimeout == "" {
		c.Scheduler.JobTimeout = "30m"
	}
	if c.Identity.Driver == "" {
		c.Identity.Driver = IdentityMemory
	}
	if c.JobLog.Capacity <= 0 {
		c.JobLog.Capacity = 500
	}
	if c.Notifications.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Notifications.Instance = host
		}
	}
	if c.LeaderElection.Namespace == "" {
		c.LeaderElection.Namespace = c.Output.Namespace
	}
	if c.LeaderElection.LeaseName == "" {
		c.LeaderElection.LeaseName = "omnibus-reconciler"
	}
	if c.LeaderElection.Identity == "" {
		if host, err := os.Hostname(); err == nil {
			c.LeaderElection.Identity = host
		}
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.RateLimit.Rate <= 0 {
		c.Server.RateLimit.Rate = 20
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 50
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Output.Mode {
	case OutputFile:
	case OutputConfigMap:
		if c.Output.Namespace == "" {
			return fmt.Errorf("output.namespace is required for mode %q", OutputConfigMap)
		}
	default:
		return fmt.Errorf("output.mode: unknown mode %q", c.Output.Mode)
	}

	switch c.Reload.Mode {
	case ReloadNone:
	case ReloadHTTP:
		if len(c.Reload.Endpoints) == 0 {
			return fmt.Errorf("reload.endpoints is required for mode %q", ReloadHTTP)
		}
	case ReloadCommand:
		if len(c.Reload.Command) == 0 {
			return fmt.Errorf("reload.command is required for mode %q", ReloadCommand)
		}
	default:
		return fmt.Errorf("reload.mode: unknown mode %q", c.Reload.Mode)
	}

	switch c.Identity.Driver {
	case IdentityMemory:
	case IdentityPostgres:
		if c.Identity.DSN == "" && c.Identity.DSNEnv == "" {
			return fmt.Errorf("identity.dsn or identity.dsnEnv is required for driver %q", IdentityPostgres)
		}
	default:
		return fmt.Errorf("identity.driver: unknown driver %q", c.Identity.Driver)
	}

	if len(c.JobLog.Kafka.Brokers) > 0 && c.JobLog.Kafka.Topic == "" {
		return fmt.Errorf("jobLog.kafka.topic is required when brokers are set")
	}

	if c.LeaderElection.Enabled {
		if c.Output.Mode != OutputConfigMap {
			return fmt.Errorf("leaderElection requires output mode %q", OutputConfigMap)
		}
		if c.LeaderElection.Namespace == "" || c.LeaderElection.Identity == "" {
			return fmt.Errorf("leaderElection.namespace and leaderElection.identity are required")
		}
		if _, err := c.LeaderElectionConfig(); err != nil {
			return err
		}
	}

	if d, err := c.Interval(); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if _, err := c.JobTimeout(); err != nil {
		return err
	}
	if _, err := c.ReloadTimeout(); err != nil {
		return err
	}
	if _, err := c.ReloadMinInterval(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func duration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

func (c Config) Interval() (time.Duration, error) {
	return duration("reconcile.interval", c.Reconcile.Interval)
}

func (c Config) JobTimeout() (time.Duration, error) {
	return duration("scheduler.jobTimeout", c.Scheduler.JobTimeout)
}

func (c Config) ReloadTimeout() (time.Duration, error) {
	return duration("reload.timeout", c.Reload.Timeout)
}

func (c Config) ReloadMinInterval() (time.Duration, error) {
	return duration("reload.minInterval", c.Reload.MinInterval)
}

// LeaderElectionConfig returns the elector settings. Unset timings select
// the elector defaults.
func (c Config) LeaderElectionConfig() (leaderelection.Config, error) {
	out := leaderelection.Config{
		Namespace: c.LeaderElection.Namespace,
		LeaseName: c.LeaderElection.LeaseName,
		Identity:  c.LeaderElection.Identity,
	}
	var err error
	if out.LeaseDuration, err = duration("leaderElection.leaseDuration", c.LeaderElection.LeaseDuration); err != nil {
		return out, err
	}
	if out.RenewDeadline, err = duration("leaderElection.renewDeadline", c.LeaderElection.RenewDeadline); err != nil {
		return out, err
	}
	if out.RetryPeriod, err = duration("leaderElection.retryPeriod", c.LeaderElection.RetryPeriod); err != nil {
		return out, err
	}
	return out, nil
}

// Location returns the scheduler time zone, local time when unset.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// IdentityDSN returns the postgres DSN, reading DSNEnv when set.
func (c Config) IdentityDSN() string {
	if c.Identity.DSNEnv != "" {
		if v := os.Getenv(c.Identity.DSNEnv); v != "" {
			return v
		}
	}
	return c.Identity.DSN
}

// ReloadToken returns the bearer token for HTTP reloads, if any.
func (c Config) ReloadToken() string {
	if c.Reload.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Reload.TokenEnv)
}
