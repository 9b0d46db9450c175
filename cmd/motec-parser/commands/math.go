package commands

import (
	"errors"
	"fmt"

	"github.com/motec-viewer/backend/internal/mathchan"
	"github.com/spf13/cobra"
)

func (a *app) newMathCommand() *cobra.Command {
	var (
		workspacePath string
		defsPath      string
		failOnError   bool
	)

	cmd := &cobra.Command{
		Use:   "math <ld-file>",
		Short: "Evaluate math channels over an LD log",
		Long: `Evaluates the Math expressions of a workspace (--workspace) or of a YAML
definitions file (--defs) against every sample row of the log. Channels are
referenced by bare identifier or by quoted name ('Engine RPM'); t is the row
timestamp.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (workspacePath == "") == (defsPath == "") {
				return errors.New("exactly one of --workspace or --defs is required")
			}

			ld, err := a.parseLog(args[0])
			if err != nil {
				return err
			}

			var defs []mathchan.Definition
			if workspacePath != "" {
				ws, err := a.parseWorkspace(workspacePath)
				if err != nil {
					return err
				}
				defs = mathchan.DefinitionsFromWorkspace(ws)
			} else {
				defs, err = mathchan.LoadDefinitionsFile(defsPath)
				if err != nil {
					return fmt.Errorf("failed to load definitions: %w", err)
				}
			}

			results := mathchan.EvaluateAll(defs, ld)
			for _, f := range results.Failures {
				a.log.WithField("channel", f.Name).Warn(f.Error)
			}
			if err := a.encode(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if failOnError && len(results.Failures) > 0 {
				return fmt.Errorf("%d of %d math channels failed", len(results.Failures), len(defs))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workspacePath, "workspace", "", "LDX workspace whose Math channels are evaluated")
	cmd.Flags().StringVar(&defsPath, "defs", "", "YAML file of math channel definitions")
	cmd.Flags().BoolVar(&failOnError, "strict", false, "Exit non-zero when any channel fails")
	return cmd
}
