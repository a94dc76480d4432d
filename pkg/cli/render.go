package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telekom/omnibus-reconciler/pkg/apply"
	"github.com/telekom/omnibus-reconciler/pkg/output"
	"github.com/telekom/omnibus-reconciler/pkg/render"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// RenderReport is the output of the render command.
type RenderReport struct {
	Artifacts []render.Artifact  `json:"artifacts" yaml:"artifacts"`
	Skipped   map[string]string  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Warnings  []settings.Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Written   string             `json:"written,omitempty" yaml:"written,omitempty"`
}

func NewRenderCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render service artifacts offline, optionally writing them to a directory",
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
			doc, warnings, err := settings.Parse(values, settings.Options{Strict: rt.cfg.Settings.Strict})
			if err != nil {
				return err
			}
			defer doc.Release()

			resolution := rt.newResolver().ResolveAll(cmd.Context(), doc.BindPasswordRefs())
			defer resolution.Release()

			res, err := render.Render(doc, resolution.Secrets)
			if err != nil {
				return err
			}

			report := RenderReport{Artifacts: res.Artifacts, Warnings: warnings}
			for _, name := range res.Skipped {
				if report.Skipped == nil {
					report.Skipped = map[string]string{}
				}
				reason := "bind secret unavailable"
				if rerr := resolution.Errors[name]; rerr != nil {
					reason = rerr.Error()
				}
				report.Skipped[name] = reason
			}

			if outDir != "" {
				fa := apply.NewFileApplier(outDir, rt.Log())
				for _, a := range res.Artifacts {
					if err := fa.Apply(cmd.Context(), a); err != nil {
						return err
					}
				}
				report.Written = outDir
			}

			return rt.write(report, func(w io.Writer) {
				output.WriteArtifactTable(w, report.Artifacts)
				for name, reason := range report.Skipped {
					_, _ = fmt.Fprintf(w, "\nSkipped directory server %s: %s\n", name, reason)
				}
				if report.Written != "" {
					_, _ = fmt.Fprintf(w, "\nWrote %d artifact(s) to %s\n", len(report.Artifacts), report.Written)
				}
			})
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "Write artifacts below this directory")
	return cmd
}
