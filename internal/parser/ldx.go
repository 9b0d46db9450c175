package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/motec-viewer/backend/internal/models"
)

// ldxWorkspace represents the raw XML structure of a workspace file.
// Containers are pointers so an absent element can be told apart from an empty one.
type ldxWorkspace struct {
	XMLName    xml.Name           `xml:"Workspace"`
	Name       *string            `xml:"Name,attr,omitempty"`
	Project    *string            `xml:"Project,attr,omitempty"`
	Car        *string            `xml:"Car,attr,omitempty"`
	Channels   *ldxChannels       `xml:"Channels"`
	Worksheets *ldxWorksheets     `xml:"Worksheets"`
	Metadata   *ldxMetadataValues `xml:"Metadata"`
}

type ldxChannels struct {
	Channels []ldxChannel `xml:"Channel"`
}

type ldxChannel struct {
	Name    *string `xml:"Name,attr,omitempty"`
	Units   *string `xml:"Units,attr,omitempty"`
	Source  *string `xml:"Source,attr,omitempty"`
	Scaling *string `xml:"Scaling,attr,omitempty"`
	Math    *string `xml:"Math,omitempty"`
}

type ldxWorksheets struct {
	Worksheets []ldxWorksheet `xml:"Worksheet"`
}

type ldxWorksheet struct {
	Name        *string         `xml:"Name,attr,omitempty"`
	Type        *string         `xml:"Type,attr,omitempty"`
	ChannelRefs []ldxChannelRef `xml:"ChannelRef"`
}

type ldxChannelRef struct {
	Name *string `xml:"Name,attr,omitempty"`
}

type ldxMetadataValues struct {
	Items []ldxMetadataItem `xml:"Item"`
}

type ldxMetadataItem struct {
	Key   *string `xml:"Key,attr,omitempty"`
	Value *string `xml:"Value,attr,omitempty"`
}

// ParseLDX decodes a workspace file. The buffer must be valid UTF-8 with a Workspace root.
func ParseLDX(data []byte) (*models.Workspace, error) {
	if !utf8.Valid(data) {
		return nil, newError(ErrUTF8, "", fmt.Errorf("invalid utf-8 sequence at byte %d", invalidUTF8Offset(data)))
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	// The bytes are already known to be UTF-8; a declared encoding label is informational.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var raw ldxWorkspace
	if err := dec.Decode(&raw); err != nil {
		return nil, newError(ErrXMLParse, "", err)
	}

	return raw.toModel()
}

// WriteLDX encodes a workspace back to XML. Attribute order and whitespace are
// not preserved from any original file; re-parsing yields the same document.
func WriteLDX(ws *models.Workspace) ([]byte, error) {
	if ws == nil {
		return nil, newError(ErrInvalidData, "nil workspace", nil)
	}

	raw := fromModel(ws)
	if err := raw.validateChars(); err != nil {
		return nil, err
	}

	out, err := xml.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, newError(ErrXMLParse, "", err)
	}

	buf := make([]byte, 0, len(xml.Header)+len(out)+1)
	buf = append(buf, xml.Header...)
	buf = append(buf, out...)
	buf = append(buf, '\n')
	return buf, nil
}

func (raw *ldxWorkspace) toModel() (*models.Workspace, error) {
	ws := models.NewWorkspace()
	if raw.Name != nil {
		ws.WorkspaceName = *raw.Name
	}
	ws.ProjectName = raw.Project
	ws.CarName = raw.Car

	if raw.Channels != nil {
		for i, ch := range raw.Channels.Channels {
			if ch.Name == nil {
				return nil, newError(ErrMissingField, fmt.Sprintf("Channel[%d] Name", i), nil)
			}
			ws.Channels = append(ws.Channels, models.WorkspaceChannel{
				Name:    *ch.Name,
				Units:   ch.Units,
				Source:  ch.Source,
				Scaling: ch.Scaling,
				Math:    ch.Math,
			})
		}
	}

	if raw.Worksheets != nil {
		for i, sheet := range raw.Worksheets.Worksheets {
			if sheet.Name == nil {
				return nil, newError(ErrMissingField, fmt.Sprintf("Worksheet[%d] Name", i), nil)
			}
			refs := make([]models.ChannelRef, 0, len(sheet.ChannelRefs))
			for j, ref := range sheet.ChannelRefs {
				if ref.Name == nil {
					return nil, newError(ErrMissingField, fmt.Sprintf("Worksheet[%d] ChannelRef[%d] Name", i, j), nil)
				}
				refs = append(refs, models.ChannelRef{Name: *ref.Name})
			}
			ws.Worksheets = append(ws.Worksheets, models.Worksheet{
				Name:          *sheet.Name,
				WorksheetType: sheet.Type,
				ChannelRefs:   refs,
			})
		}
	}

	if raw.Metadata != nil {
		for i, item := range raw.Metadata.Items {
			if item.Key == nil {
				return nil, newError(ErrMissingField, fmt.Sprintf("Item[%d] Key", i), nil)
			}
			if item.Value == nil {
				return nil, newError(ErrMissingField, fmt.Sprintf("Item[%d] Value", i), nil)
			}
			ws.Metadata = append(ws.Metadata, models.MetadataItem{Key: *item.Key, Value: *item.Value})
		}
	}

	return ws, nil
}

func fromModel(ws *models.Workspace) *ldxWorkspace {
	raw := &ldxWorkspace{
		Name:       models.StringPtr(ws.WorkspaceName),
		Project:    ws.ProjectName,
		Car:        ws.CarName,
		Channels:   &ldxChannels{},
		Worksheets: &ldxWorksheets{},
		Metadata:   &ldxMetadataValues{},
	}

	for _, ch := range ws.Channels {
		raw.Channels.Channels = append(raw.Channels.Channels, ldxChannel{
			Name:    models.StringPtr(ch.Name),
			Units:   ch.Units,
			Source:  ch.Source,
			Scaling: ch.Scaling,
			Math:    ch.Math,
		})
	}

	for _, sheet := range ws.Worksheets {
		out := ldxWorksheet{
			Name: models.StringPtr(sheet.Name),
			Type: sheet.WorksheetType,
		}
		for _, ref := range sheet.ChannelRefs {
			out.ChannelRefs = append(out.ChannelRefs, ldxChannelRef{Name: models.StringPtr(ref.Name)})
		}
		raw.Worksheets.Worksheets = append(raw.Worksheets.Worksheets, out)
	}

	for _, item := range ws.Metadata {
		raw.Metadata.Items = append(raw.Metadata.Items, ldxMetadataItem{
			Key:   models.StringPtr(item.Key),
			Value: models.StringPtr(item.Value),
		})
	}

	return raw
}

// validateChars rejects text that encoding/xml would otherwise silently replace.
func (raw *ldxWorkspace) validateChars() error {
	check := func(where string, s *string) error {
		if s == nil {
			return nil
		}
		if !utf8.ValidString(*s) {
			return newError(ErrXMLParse, where, fmt.Errorf("invalid utf-8 in %q", *s))
		}
		for _, r := range *s {
			if !isXMLChar(r) {
				return newError(ErrXMLParse, where, fmt.Errorf("character %U not allowed in XML", r))
			}
		}
		return nil
	}

	for _, f := range []struct {
		where string
		s     *string
	}{{"Workspace Name", raw.Name}, {"Workspace Project", raw.Project}, {"Workspace Car", raw.Car}} {
		if err := check(f.where, f.s); err != nil {
			return err
		}
	}

	for i, ch := range raw.Channels.Channels {
		for _, f := range []struct {
			attr string
			s    *string
		}{{"Name", ch.Name}, {"Units", ch.Units}, {"Source", ch.Source}, {"Scaling", ch.Scaling}, {"Math", ch.Math}} {
			if err := check(fmt.Sprintf("Channel[%d] %s", i, f.attr), f.s); err != nil {
				return err
			}
		}
	}

	for i, sheet := range raw.Worksheets.Worksheets {
		if err := check(fmt.Sprintf("Worksheet[%d] Name", i), sheet.Name); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("Worksheet[%d] Type", i), sheet.Type); err != nil {
			return err
		}
		for j, ref := range sheet.ChannelRefs {
			if err := check(fmt.Sprintf("Worksheet[%d] ChannelRef[%d] Name", i, j), ref.Name); err != nil {
				return err
			}
		}
	}

	for i, item := range raw.Metadata.Items {
		if err := check(fmt.Sprintf("Item[%d] Key", i), item.Key); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("Item[%d] Value", i), item.Value); err != nil {
			return err
		}
	}

	return nil
}

// isXMLChar reports whether r is in the XML 1.0 Char production.
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}

func invalidUTF8Offset(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return len(data)
}
