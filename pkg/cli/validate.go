package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telekom/omnibus-reconciler/pkg/output"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// ValidationReport is the output of the validate command.
type ValidationReport struct {
	Valid    bool                  `json:"valid" yaml:"valid"`
	Servers  []string              `json:"servers,omitempty" yaml:"servers,omitempty"`
	Errors   []settings.FieldError `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings []settings.Warning    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the settings document without touching any service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			values, err := rt.Source().Load()
			if err != nil {
				return err
			}

			report := ValidationReport{Valid: true}
			doc, warnings, err := settings.Parse(values, settings.Options{Strict: rt.cfg.Settings.Strict})
			report.Warnings = warnings
			if err != nil {
				var invalid *settings.InvalidSettingsError
				if !errors.As(err, &invalid) {
					return err
				}
				report.Valid = false
				report.Errors = invalid.Errors
			} else {
				report.Servers = doc.ServerNames()
				doc.Release()
			}

			if werr := rt.write(report, func(w io.Writer) { writeValidation(w, report) }); werr != nil {
				return werr
			}
			if !report.Valid {
				return fmt.Errorf("%w: %d error(s)", settings.ErrInvalidSettings, len(report.Errors))
			}
			return nil
		},
	}
}

func writeValidation(w io.Writer, r ValidationReport) {
	if r.Valid {
		_, _ = fmt.Fprintf(w, "Settings valid (%d directory server(s))\n", len(r.Servers))
	} else {
		_, _ = fmt.Fprintf(w, "Settings invalid (%d error(s))\n", len(r.Errors))
	}
	if len(r.Errors) > 0 || len(r.Warnings) > 0 {
		_, _ = fmt.Fprintln(w)
		output.WriteFindings(w, r.Errors, r.Warnings)
	}
}
