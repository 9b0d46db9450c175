// Package commands implements the motec-parser command tree.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/motec-viewer/backend/internal/logging"
	"github.com/motec-viewer/backend/internal/parser"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output.
const (
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// FormatAuto leaves format selection to content detection.
const FormatAuto = "auto"

// app carries the state shared by every subcommand of one invocation.
type app struct {
	v   *viper.Viper
	log *logrus.Logger
}

// NewRootCommand builds the command tree. Flags can also be set through
// MOTEC_* environment variables or a --config file.
func NewRootCommand(version string) *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "motec-parser <file>",
		Short: "Inspect MoTeC i2 logs (.ld) and workspaces (.ldx)",
		Long: `motec-parser detects whether a file is a MoTeC binary log or an XML workspace,
decodes it and prints a summary. Subcommands expose the decoded documents,
channel statistics, math channel evaluation and directory discovery.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return a.runSummary(cmd.OutOrStdout(), args[0])
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Configuration file (yaml, json or toml)")
	flags.StringP("output", "o", OutputJSON, "Output format for structured commands (json, yaml)")
	flags.String("log-level", "warn", "Logging level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatText, "Log format (text, json)")
	flags.String("format", FormatAuto, "Input format (auto, ld, ldx)")

	root.AddCommand(
		a.newDetectCommand(),
		a.newMetadataCommand(),
		a.newDumpCommand(),
		a.newStatsCommand(),
		a.newMathCommand(),
		a.newFormatCommand(),
		a.newDiscoverCommand(),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	v := a.v
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix("MOTEC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	a.log = logging.NewWithOutput(cmd.ErrOrStderr(), v.GetString("log-level"), v.GetString("log-format"))

	switch a.output() {
	case OutputJSON, OutputYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", a.output())
	}
}

func (a *app) output() string {
	return strings.ToLower(a.v.GetString("output"))
}

// runSummary is the default action: detect, parse, print the summary.
func (a *app) runSummary(w io.Writer, path string) error {
	res, err := a.parseFile(path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, res.Summary())
	return err
}

func (a *app) parseFile(path string) (*parser.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	res, err := a.decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	a.log.WithFields(logrus.Fields{
		"file":     path,
		"type":     res.Type.String(),
		"channels": res.ChannelCount(),
		"rows":     res.SampleCount(),
	}).Debug("parsed file")
	return res, nil
}

// decode parses data with the parser named by --format, or the detected one.
func (a *app) decode(data []byte) (*parser.Result, error) {
	registry := parser.GetGlobalRegistry()
	format := strings.ToLower(a.v.GetString("format"))
	if format == "" || format == FormatAuto {
		return registry.Parse(data)
	}
	p, err := registry.GetParserByName(format)
	if err != nil {
		return nil, err
	}
	return p.Parse(data)
}

// encode writes v in the selected output format.
func (a *app) encode(w io.Writer, v interface{}) error {
	if a.output() == OutputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
