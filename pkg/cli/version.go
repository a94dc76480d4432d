package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telekom/omnibus-reconciler/pkg/system"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			info := system.GetBuildInfo()
			return rt.write(info, func(w io.Writer) {
				commit := info.Commit
				if commit == "" {
					commit = "unknown"
				}
				_, _ = fmt.Fprintf(w, "omnibus-reconciler %s (commit: %s, %s, %s)\n", info.Version, commit, info.GoVersion, info.Platform)
			})
		},
	}
}
