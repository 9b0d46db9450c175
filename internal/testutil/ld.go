package testutil

import (
	"encoding/binary"
	"math"
)

// BuildLD encodes an LD log sampled at 10 Hz. Every channel gets units "u";
// each row is a timestamp followed by one value per channel.
func BuildLD(names []string, rows [][]float64) []byte {
	data := make([]byte, 512)
	binary.LittleEndian.PutUint32(data[0:], 1)
	binary.LittleEndian.PutUint32(data[4:], uint32(len(rows)))
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(10))
	binary.LittleEndian.PutUint16(data[16:], uint16(len(names)))

	for _, name := range names {
		rec := make([]byte, 96)
		copy(rec, name)
		copy(rec[64:], "u")
		data = append(data, rec...)
	}
	for _, row := range rows {
		for _, v := range row {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
		}
	}
	return data
}
