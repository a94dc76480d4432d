package cli

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/config"
	"github.com/telekom/omnibus-reconciler/pkg/output"
	"github.com/telekom/omnibus-reconciler/pkg/reconcile"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// Options injects the process environment, mostly for tests.
type Options struct {
	OutputWriter io.Writer
	// Environ returns the environment for settings overrides.
	Environ func() []string
	// LookupEnv resolves env: secret references.
	LookupEnv func(string) (string, bool)
	// Logger replaces the process logger.
	Logger *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		OutputWriter: os.Stdout,
		Environ:      os.Environ,
		LookupEnv:    os.LookupEnv,
	}
}

type runtimeState struct {
	opts Options

	configPath    string
	settingsPaths []string
	env           bool
	strict        bool
	outputFormat  string
	debug         bool

	cfg    *config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

func NewRootCommand(opts Options) *cobra.Command {
	if opts.OutputWriter == nil {
		opts.OutputWriter = os.Stdout
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	rt := &runtimeState{opts: opts}

	root := &cobra.Command{
		Use:           "omnibus-reconciler",
		Short:         "Reconcile GitLab omnibus settings into service configuration and directory sync jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := output.ParseFormat(rt.outputFormat); err != nil {
				return err
			}
			if cmd.Name() == "version" {
				return nil
			}
			return rt.loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "Path to the reconciler config file (env "+config.EnvConfigPath+")")
	root.PersistentFlags().StringSliceVarP(&rt.settingsPaths, "settings", "f", nil, "Settings file, repeatable; later files win per key")
	root.PersistentFlags().BoolVar(&rt.env, "env", false, "Overlay "+"OMNIBUS_SETTING_* environment variables")
	root.PersistentFlags().BoolVar(&rt.strict, "strict", false, "Reject unknown settings keys")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))
	root.SetOut(opts.OutputWriter)

	root.AddCommand(
		NewValidateCommand(),
		NewRenderCommand(),
		NewReconcileCommand(),
		NewSyncCommand(),
		NewServeCommand(),
		NewVersionCommand(),
	)
	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// loadConfig reads the config file when one is named or present at the
// default path, otherwise it uses defaults. Flags override the file.
func (rt *runtimeState) loadConfig() error {
	path := rt.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	var cfg config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.Defaults()
	}

	if len(rt.settingsPaths) > 0 {
		cfg.Settings.Paths = rt.settingsPaths
	}
	if rt.env {
		cfg.Settings.Env = true
	}
	if rt.strict {
		cfg.Settings.Strict = true
	}
	rt.cfg = &cfg
	return nil
}

func (rt *runtimeState) Logger() *zap.Logger {
	if rt.logger != nil {
		return rt.logger
	}
	if rt.opts.Logger != nil {
		rt.logger = rt.opts.Logger
		return rt.logger
	}
	logger, err := system.NewLogger(rt.debug)
	if err != nil {
		logger = zap.NewNop()
	}
	rt.logger = logger
	return rt.logger
}

func (rt *runtimeState) Log() *zap.SugaredLogger {
	return rt.Logger().Sugar()
}

func (rt *runtimeState) Writer() io.Writer {
	return rt.opts.OutputWriter
}

func (rt *runtimeState) OutputFormat() output.Format {
	f, _ := output.ParseFormat(rt.outputFormat)
	return f
}

func (rt *runtimeState) Source() reconcile.FileSource {
	return reconcile.FileSource{
		Paths:   rt.cfg.Settings.Paths,
		Env:     rt.cfg.Settings.Env,
		Environ: rt.opts.Environ,
	}
}

// write prints obj in the selected format, or calls table for table output.
func (rt *runtimeState) write(obj any, table func(io.Writer)) error {
	if f := rt.OutputFormat(); f != output.FormatTable {
		return output.WriteObject(rt.Writer(), f, obj)
	}
	table(rt.Writer())
	return nil
}
