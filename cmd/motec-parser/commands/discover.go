package commands

import (
	"context"

	"github.com/motec-viewer/backend/internal/discovery"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func (a *app) newDiscoverCommand() *cobra.Command {
	opts := discovery.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "discover <dir>",
		Short: "List MoTeC files under a directory with their metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			report, err := discovery.Scan(ctx, args[0], opts)
			if err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{
				"dir": report.Dir,
				"ld":  len(report.LD),
				"ldx": len(report.LDX),
			}).Info("scan complete")
			return a.encode(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&opts.LDPattern, "ld-pattern", opts.LDPattern, "Glob for log files")
	cmd.Flags().StringVar(&opts.LDXPattern, "ldx-pattern", opts.LDXPattern, "Glob for workspace files")
	cmd.Flags().IntVar(&opts.MaxFiles, "max-files", opts.MaxFiles, "Maximum files per type (0 for unlimited)")
	cmd.Flags().BoolVar(&opts.Recursive, "recursive", opts.Recursive, "Descend into subdirectories")
	return cmd
}
