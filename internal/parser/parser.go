package parser

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/motec-viewer/backend/internal/models"
)

// Parser defines the interface for MoTeC file parsers.
type Parser interface {
	// Name returns the unique name of the parser.
	Name() string
	// FileType returns the format this parser decodes.
	FileType() FileType
	// Parse decodes the whole buffer.
	Parse(data []byte) (*Result, error)
}

// Result is the outcome of parsing one buffer. Exactly one of Log or Workspace is set.
type Result struct {
	Type      FileType
	Log       *models.LDFile
	Workspace *models.Workspace
}

// LDParser decodes binary sample logs.
type LDParser struct{}

// NewLDParser creates a new LD parser.
func NewLDParser() *LDParser { return &LDParser{} }

func (p *LDParser) Name() string { return "motec-ld" }
func (p *LDParser) FileType() FileType { return FileTypeLD }

// Parse decodes data as an LD log.
func (p *LDParser) Parse(data []byte) (*Result, error) {
	ld, err := ParseLD(data)
	if err != nil {
		return nil, err
	}
	return &Result{Type: FileTypeLD, Log: ld}, nil
}

// LDXParser decodes XML workspaces.
type LDXParser struct{}

// NewLDXParser creates a new LDX parser.
func NewLDXParser() *LDXParser { return &LDXParser{} }

func (p *LDXParser) Name() string { return "motec-ldx" }
func (p *LDXParser) FileType() FileType { return FileTypeLDX }

// Parse decodes data as an LDX workspace.
func (p *LDXParser) Parse(data []byte) (*Result, error) {
	ws, err := ParseLDX(data)
	if err != nil {
		return nil, err
	}
	return &Result{Type: FileTypeLDX, Workspace: ws}, nil
}

// ChannelCount returns the number of channels in whichever document was parsed.
func (r *Result) ChannelCount() int {
	switch {
	case r.Log != nil:
		return len(r.Log.Channels)
	case r.Workspace != nil:
		return len(r.Workspace.Channels)
	}
	return 0
}

// SampleCount returns the decoded row count, 0 for workspaces.
func (r *Result) SampleCount() int {
	if r.Log == nil {
		return 0
	}
	return len(r.Log.Samples)
}

// Summary renders a short human-readable description of the parsed document.
func (r *Result) Summary() string {
	var b strings.Builder

	switch {
	case r.Workspace != nil:
		ws := r.Workspace
		fmt.Fprintf(&b, "LDX File Information:\n")
		fmt.Fprintf(&b, "  Workspace: %s\n", ws.WorkspaceName)
		if ws.ProjectName != nil {
			fmt.Fprintf(&b, "  Project: %s\n", *ws.ProjectName)
		}
		if ws.CarName != nil {
			fmt.Fprintf(&b, "  Car: %s\n", *ws.CarName)
		}
		fmt.Fprintf(&b, "  Channels: %d\n", len(ws.Channels))
		for _, ch := range ws.Channels {
			fmt.Fprintf(&b, "    - %s (%s)\n", ch.Name, unitsOrPlaceholder(ch.Units))
		}
		if meta := ws.MetadataMap(); len(meta) > 0 {
			fmt.Fprintf(&b, "  Metadata:\n")
			for _, key := range slices.Sorted(maps.Keys(meta)) {
				fmt.Fprintf(&b, "    %s: %s\n", key, meta[key])
			}
		}

	case r.Log != nil:
		ld := r.Log
		fmt.Fprintf(&b, "LD File Information:\n")
		fmt.Fprintf(&b, "  Samples: %d\n", ld.Header.SampleCount)
		fmt.Fprintf(&b, "  Sample Rate: %g Hz\n", ld.Header.SampleRate)
		fmt.Fprintf(&b, "  Channels: %d\n", len(ld.Channels))
		for _, ch := range ld.Channels {
			fmt.Fprintf(&b, "    - %s (%s)\n", ch.Name, ch.Units)
		}
	}

	return b.String()
}

func unitsOrPlaceholder(units *string) string {
	if units == nil {
		return "no units"
	}
	return *units
}
