package models

// DefaultWorkspaceName is used when a workspace file carries no Name attribute.
const DefaultWorkspaceName = "Default"

// Workspace is a MoTeC i2 workspace/configuration document (.ldx).
// Optional values are nil when absent from the source, never "".
type Workspace struct {
	WorkspaceName string             `json:"workspace_name" yaml:"workspace_name"`
	ProjectName   *string            `json:"project_name" yaml:"project_name"`
	CarName       *string            `json:"car_name" yaml:"car_name"`
	Channels      []WorkspaceChannel `json:"channels" yaml:"channels"`
	Worksheets    []Worksheet        `json:"worksheets" yaml:"worksheets"`
	Metadata      []MetadataItem     `json:"metadata" yaml:"metadata"`
}

// WorkspaceChannel is a logged or computed channel configured in a workspace.
type WorkspaceChannel struct {
	Name    string  `json:"name" yaml:"name"`
	Units   *string `json:"units" yaml:"units"`
	Source  *string `json:"source" yaml:"source"`
	Scaling *string `json:"scaling" yaml:"scaling"`
	Math    *string `json:"math" yaml:"math"`
}

// Worksheet is a named view referencing channels by name.
type Worksheet struct {
	Name          string       `json:"name" yaml:"name"`
	WorksheetType *string      `json:"worksheet_type" yaml:"worksheet_type"`
	ChannelRefs   []ChannelRef `json:"channel_refs" yaml:"channel_refs"`
}

// ChannelRef points at a workspace channel by name.
type ChannelRef struct {
	Name string `json:"name" yaml:"name"`
}

// MetadataItem is an arbitrary key/value annotation.
type MetadataItem struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// NewWorkspace returns an empty workspace with the default name.
func NewWorkspace() *Workspace {
	return &Workspace{
		WorkspaceName: DefaultWorkspaceName,
		Channels:      make([]WorkspaceChannel, 0),
		Worksheets:    make([]Worksheet, 0),
		Metadata:      make([]MetadataItem, 0),
	}
}

// MathChannels returns the channels that carry a Math expression.
func (w *Workspace) MathChannels() []WorkspaceChannel {
	var out []WorkspaceChannel
	for _, ch := range w.Channels {
		if ch.Math != nil && *ch.Math != "" {
			out = append(out, ch)
		}
	}
	return out
}

// MetadataMap flattens the metadata items; later keys win.
func (w *Workspace) MetadataMap() map[string]string {
	m := make(map[string]string, len(w.Metadata))
	for _, item := range w.Metadata {
		m[item.Key] = item.Value
	}
	return m
}

// StringPtr returns a pointer to s. Handy for building optional fields.
func StringPtr(s string) *string {
	return &s
}

// StringValue dereferences an optional string, returning "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
