// Package models contains domain types for the MoTeC telemetry backend.
package models

// LDFile is a fully decoded MoTeC i2 binary log (.ld).
type LDFile struct {
	Header   LDHeader    `json:"header" yaml:"header"`
	Channels []LDChannel `json:"channels" yaml:"channels"`
	Samples  []LDSample  `json:"samples" yaml:"samples"`
}

// LDHeader holds the scalar fields decoded from the 512-byte header region.
type LDHeader struct {
	Version      uint32  `json:"version" yaml:"version"`
	SampleCount  uint32  `json:"sample_count" yaml:"sample_count"`
	SampleRate   float32 `json:"sample_rate" yaml:"sample_rate"`
	StartTime    *string `json:"start_time" yaml:"start_time"` // never decoded
	ChannelCount uint16  `json:"channel_count" yaml:"channel_count"`
}

// LDChannel describes one logged channel from the channel table.
type LDChannel struct {
	Name     string `json:"name" yaml:"name"`
	Units    string `json:"units" yaml:"units"`
	DataType string `json:"data_type" yaml:"data_type"`
	Index    uint16 `json:"index" yaml:"index"`
}

// LDSample is one timestamped row with a value per channel, in channel index order.
type LDSample struct {
	Timestamp float64   `json:"timestamp" yaml:"timestamp" msgpack:"t"`
	Values    []float64 `json:"values" yaml:"values" msgpack:"v"`
}

// LDMetadata is the shallow summary produced from the first 512 bytes of a log.
type LDMetadata struct {
	FileSize     uint64   `json:"file_size" yaml:"file_size"`
	Version      uint32   `json:"version" yaml:"version"`
	SampleCount  uint32   `json:"sample_count" yaml:"sample_count"`
	SampleRate   float32  `json:"sample_rate" yaml:"sample_rate"`
	ChannelCount uint16   `json:"channel_count" yaml:"channel_count"`
	ChannelNames []string `json:"channel_names" yaml:"channel_names"`
	Valid        bool     `json:"valid" yaml:"valid"`
}

// ChannelNames returns the channel names in index order.
func (f *LDFile) ChannelNames() []string {
	names := make([]string, len(f.Channels))
	for i, ch := range f.Channels {
		names[i] = ch.Name
	}
	return names
}

// ChannelIndex returns the position of the named channel, or -1.
func (f *LDFile) ChannelIndex(name string) int {
	for i, ch := range f.Channels {
		if ch.Name == name {
			return i
		}
	}
	return -1
}

// Column returns every sample value of the channel at position idx.
func (f *LDFile) Column(idx int) []float64 {
	col := make([]float64, 0, len(f.Samples))
	for _, s := range f.Samples {
		if idx < len(s.Values) {
			col = append(col, s.Values[idx])
		}
	}
	return col
}

// ChannelPoint is one value of a single channel, as served by range queries.
type ChannelPoint struct {
	Timestamp float64 `json:"t" msgpack:"t"`
	Value     float64 `json:"v" msgpack:"v"`
}

// ChannelSummary holds aggregates of one stored channel.
type ChannelSummary struct {
	Name    string  `json:"name"`
	Units   string  `json:"units"`
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	StartTs float64 `json:"startTs"`
	EndTs   float64 `json:"endTs"`
}
