/*
LD decoding for MoTeC i2 binary logs.

Only one on-disk layout is understood. Everything is little-endian:

	[Header]        512 bytes, fields at fixed offsets
	                  0  u32  version
	                  4  u32  sample count
	                  8  f32  sample rate
	                 16  u16  channel count
	[Channel Table] channel count x 96-byte records starting at offset 512
	                  64 bytes  NUL-terminated name
	                  32 bytes  NUL-terminated units
	[Sample Rows]   immediately after the table, min(sample count, 10000) rows
	                  f64 timestamp, then one f64 per channel

Other LD revisions exist; they surface here as read failures or implausible
header values rather than as a dedicated error.
*/

package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/motec-viewer/backend/internal/models"
	"golang.org/x/text/encoding/unicode"
)

const (
	// LDHeaderSize is the fixed size of the header region, regardless of channel count.
	LDHeaderSize = 512
	// LDChannelRecordSize is the size of one channel table record.
	LDChannelRecordSize = ldChannelNameSize + ldChannelUnitsSize
	// MaxLDSamples caps the rows decoded from one file, whatever the header claims.
	MaxLDSamples = 10000

	ldChannelNameSize  = 64
	ldChannelUnitsSize = 32
	ldChannelDataType  = "f64"
)

// Header field offsets
const (
	ldVersionOffset      = 0
	ldSampleCountOffset  = 4
	ldSampleRateOffset   = 8
	ldChannelCountOffset = 16
)

// ParseLD decodes a complete binary log: header, channel table and sample rows.
func ParseLD(data []byte) (*models.LDFile, error) {
	if len(data) < LDHeaderSize {
		return nil, newError(ErrFormatTooSmall,
			fmt.Sprintf("LD file too small (%d bytes, minimum %d byte header)", len(data), LDHeaderSize), nil)
	}

	stream := kaitai.NewStream(bytes.NewReader(data))

	header, err := readLDHeader(stream)
	if err != nil {
		return nil, err
	}

	channels, err := readLDChannels(stream, header.ChannelCount)
	if err != nil {
		return nil, err
	}

	samples, err := readLDSamples(stream, header.SampleCount, len(channels))
	if err != nil {
		return nil, err
	}

	return &models.LDFile{
		Header:   *header,
		Channels: channels,
		Samples:  samples,
	}, nil
}

// ParseLDMetadata extracts a summary without decoding sample rows.
//
// Only the first LDHeaderSize bytes are handed to the channel table reader, and
// the table itself starts at LDHeaderSize. Any file declaring one or more
// channels therefore fails here with ErrBinaryRead on channel 0.
func ParseLDMetadata(data []byte) (*models.LDMetadata, error) {
	if len(data) < LDHeaderSize {
		return nil, newError(ErrFormatTooSmall,
			fmt.Sprintf("LD file too small for metadata extraction (%d bytes)", len(data)), nil)
	}

	stream := kaitai.NewStream(bytes.NewReader(data[:LDHeaderSize]))

	header, err := readLDHeader(stream)
	if err != nil {
		return nil, err
	}

	channels, err := readLDChannels(stream, header.ChannelCount)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
	}

	return &models.LDMetadata{
		FileSize:     uint64(len(data)),
		Version:      header.Version,
		SampleCount:  header.SampleCount,
		SampleRate:   header.SampleRate,
		ChannelCount: header.ChannelCount,
		ChannelNames: names,
		Valid:        true,
	}, nil
}

// ParseLDHeader decodes only the fixed header fields.
func ParseLDHeader(data []byte) (*models.LDHeader, error) {
	if len(data) < LDHeaderSize {
		return nil, newError(ErrFormatTooSmall,
			fmt.Sprintf("LD file too small (%d bytes, minimum %d byte header)", len(data), LDHeaderSize), nil)
	}
	return readLDHeader(kaitai.NewStream(bytes.NewReader(data[:LDHeaderSize])))
}

// readLDHeader reads each header field from its own absolute offset.
func readLDHeader(stream *kaitai.Stream) (*models.LDHeader, error) {
	var h models.LDHeader
	var err error

	if err = seekTo(stream, ldVersionOffset, "version"); err != nil {
		return nil, err
	}
	if h.Version, err = stream.ReadU4le(); err != nil {
		return nil, binaryReadError("version", err)
	}

	if err = seekTo(stream, ldSampleCountOffset, "sample count"); err != nil {
		return nil, err
	}
	if h.SampleCount, err = stream.ReadU4le(); err != nil {
		return nil, binaryReadError("sample count", err)
	}

	if err = seekTo(stream, ldSampleRateOffset, "sample rate"); err != nil {
		return nil, err
	}
	if h.SampleRate, err = stream.ReadF4le(); err != nil {
		return nil, binaryReadError("sample rate", err)
	}

	if err = seekTo(stream, ldChannelCountOffset, "channel count"); err != nil {
		return nil, err
	}
	if h.ChannelCount, err = stream.ReadU2le(); err != nil {
		return nil, binaryReadError("channel count", err)
	}

	return &h, nil
}

// readLDChannels reads count fixed-size records starting at LDHeaderSize.
func readLDChannels(stream *kaitai.Stream, count uint16) ([]models.LDChannel, error) {
	if err := seekTo(stream, LDHeaderSize, "channel table"); err != nil {
		return nil, err
	}

	channels := make([]models.LDChannel, 0, boundedCapacity(stream, int(count), LDChannelRecordSize))
	for i := uint16(0); i < count; i++ {
		nameBytes, err := stream.ReadBytes(ldChannelNameSize)
		if err != nil {
			return nil, binaryReadError(fmt.Sprintf("channel %d name", i), err)
		}

		unitsBytes, err := stream.ReadBytes(ldChannelUnitsSize)
		if err != nil {
			return nil, binaryReadError(fmt.Sprintf("channel %d units", i), err)
		}

		channels = append(channels, models.LDChannel{
			Name:     decodeFixedString(nameBytes),
			Units:    decodeFixedString(unitsBytes),
			DataType: ldChannelDataType,
			Index:    i,
		})
	}

	return channels, nil
}

// readLDSamples continues from the current position. A row is returned whole or not at all.
func readLDSamples(stream *kaitai.Stream, sampleCount uint32, channelCount int) ([]models.LDSample, error) {
	rows := sampleCount
	if rows > MaxLDSamples {
		rows = MaxLDSamples
	}

	rowSize := 8 * (channelCount + 1)
	samples := make([]models.LDSample, 0, boundedCapacity(stream, int(rows), rowSize))

	for i := uint32(0); i < rows; i++ {
		ts, err := stream.ReadF8le()
		if err != nil {
			return nil, binaryReadError(fmt.Sprintf("sample %d timestamp", i), err)
		}

		values := make([]float64, channelCount)
		for j := range values {
			v, err := stream.ReadF8le()
			if err != nil {
				return nil, binaryReadError(fmt.Sprintf("sample %d value %d", i, j), err)
			}
			values[j] = v
		}

		samples = append(samples, models.LDSample{
			Timestamp: ts,
			Values:    values,
		})
	}

	return samples, nil
}

func seekTo(stream *kaitai.Stream, offset int64, field string) error {
	if _, err := stream.Seek(offset, io.SeekStart); err != nil {
		return binaryReadError(field, err)
	}
	return nil
}

// boundedCapacity limits a preallocation to what the remaining bytes could hold,
// so a corrupt count cannot force a large allocation up front.
func boundedCapacity(stream *kaitai.Stream, want, recordSize int) int {
	size, err := stream.Size()
	if err != nil {
		return 0
	}
	pos, err := stream.Pos()
	if err != nil {
		return 0
	}
	fit := int((size - pos) / int64(recordSize))
	if fit < want {
		return fit
	}
	return want
}

// decodeFixedString decodes a fixed-width text field: bytes up to the first NUL
// (or the whole window if there is none), invalid UTF-8 replaced with U+FFFD,
// surrounding whitespace trimmed.
func decodeFixedString(field []byte) string {
	raw := kaitai.BytesTerminate(field, 0, false)

	// The UTF-8 decoder replaces ill-formed sequences and never fails.
	decoded, _ := unicode.UTF8.NewDecoder().Bytes(raw)
	return strings.TrimSpace(string(decoded))
}
