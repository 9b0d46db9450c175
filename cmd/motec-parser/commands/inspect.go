package commands

import (
	"fmt"
	"os"

	"github.com/motec-viewer/backend/internal/analysis"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
	"github.com/spf13/cobra"
)

type detectOutput struct {
	File   string `json:"file" yaml:"file"`
	Type   string `json:"type" yaml:"type"`
	Parser string `json:"parser,omitempty" yaml:"parser,omitempty"`
	Size   int    `json:"size" yaml:"size"`
}

func (a *app) newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <file>",
		Short: "Report the detected format of a file without decoding it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}

			out := detectOutput{
				File: args[0],
				Type: parser.DetectFileType(data).String(),
				Size: len(data),
			}
			if p, err := parser.GetGlobalRegistry().FindParser(data); err == nil {
				out.Parser = p.Name()
			}
			return a.encode(cmd.OutOrStdout(), out)
		},
	}
}

func (a *app) newMetadataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <file>",
		Short: "Decode the header region of an LD log",
		Long: `Decodes only the first 512 bytes of an LD log. Logs that declare channels
fail here because the channel table lies outside that window; use dump for those.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			meta, err := parser.ParseLDMetadata(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return a.encode(cmd.OutOrStdout(), meta)
		},
	}
}

func (a *app) newDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the fully decoded document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.parseFile(args[0])
			if err != nil {
				return err
			}

			if res.Workspace != nil {
				return a.encode(cmd.OutOrStdout(), res.Workspace)
			}

			ld := *res.Log
			if samples := a.v.GetInt("samples"); samples >= 0 && samples < len(ld.Samples) {
				ld.Samples = ld.Samples[:samples]
			}
			return a.encode(cmd.OutOrStdout(), &ld)
		},
	}

	cmd.Flags().Int("samples", 10, "Sample rows to include for LD logs (-1 for all)")
	return cmd
}

type statsOutput struct {
	Header   models.LDHeader     `json:"header" yaml:"header"`
	Timing   analysis.TimingInfo `json:"timing" yaml:"timing"`
	Channels []analysis.Stats    `json:"channels" yaml:"channels"`
}

func (a *app) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Per-channel statistics of an LD log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ld, err := a.parseLog(args[0])
			if err != nil {
				return err
			}
			return a.encode(cmd.OutOrStdout(), statsOutput{
				Header:   ld.Header,
				Timing:   analysis.Timing(ld),
				Channels: analysis.ChannelStats(ld),
			})
		},
	}
}

func (a *app) newFormatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "format <file>",
		Short: "Parse an LDX workspace and write it back as normalised XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.parseWorkspace(args[0])
			if err != nil {
				return err
			}
			out, err := parser.WriteLDX(ws)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func (a *app) parseLog(path string) (*models.LDFile, error) {
	res, err := a.parseFile(path)
	if err != nil {
		return nil, err
	}
	if res.Log == nil {
		return nil, fmt.Errorf("%s: not an LD log (detected %s)", path, res.Type)
	}
	return res.Log, nil
}

func (a *app) parseWorkspace(path string) (*models.Workspace, error) {
	res, err := a.parseFile(path)
	if err != nil {
		return nil, err
	}
	if res.Workspace == nil {
		return nil, fmt.Errorf("%s: not an LDX workspace (detected %s)", path, res.Type)
	}
	return res.Workspace, nil
}
