package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telekom/omnibus-reconciler/pkg/apply"
	"github.com/telekom/omnibus-reconciler/pkg/output"
	"github.com/telekom/omnibus-reconciler/pkg/reconcile"
)

// ErrPassFailed is returned when a pass finished with failed services.
var ErrPassFailed = errors.New("reconciliation pass failed")

// newDriver builds a driver over the configured output, reload mode and
// state file.
func (rt *runtimeState) newDriver() (*reconcile.Driver, error) {
	applier, err := rt.newApplier()
	if err != nil {
		return nil, err
	}
	reloader, err := rt.newReloader()
	if err != nil {
		return nil, err
	}
	state, err := apply.LoadState(rt.cfg.Output.StatePath)
	if err != nil {
		return nil, err
	}
	return reconcile.NewDriver(rt.newResolver(), applier, reloader, state, rt.Log()).
		WithStrict(rt.cfg.Settings.Strict).
		WithConcurrency(rt.cfg.Reconcile.Concurrency), nil
}

func NewReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass: apply changed artifacts and reload affected services",
		Long: "Run one reconciliation pass: apply changed artifacts and reload affected services.\n" +
			"Directory sync jobs are only scheduled by serve; this command reports servers as rendered.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			driver, err := rt.newDriver()
			if err != nil {
				return err
			}
			values, err := rt.Source().Load()
			if err != nil {
				return err
			}

			res, passErr := driver.Pass(cmd.Context(), values)
			if werr := rt.write(res, func(w io.Writer) { output.WriteResultTable(w, res) }); werr != nil {
				return werr
			}
			if passErr != nil {
				return passErr
			}
			if res.Status == reconcile.StatusFailed {
				return fmt.Errorf("%w: %v", ErrPassFailed, res.FailedServices())
			}
			return nil
		},
	}
}
