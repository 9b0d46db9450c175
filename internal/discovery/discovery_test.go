package discovery

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/motec-viewer/backend/internal/logging"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headerOnlyLD returns a header with the given channel count followed by pad bytes.
func headerOnlyLD(channels uint16, pad int) []byte {
	data := make([]byte, 512+pad)
	binary.LittleEndian.PutUint32(data[0:], 4)
	binary.LittleEndian.PutUint32(data[4:], 250)
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(100))
	binary.LittleEndian.PutUint16(data[16:], channels)
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "2024-03-15_session_q1.ld"), headerOnlyLD(0, 64))
	writeFile(t, filepath.Join(root, "car_17", "race.LD"), headerOnlyLD(2, 192))
	writeFile(t, filepath.Join(root, "broken.ld"), []byte("tiny"))
	writeFile(t, filepath.Join(root, "setups", "wet.ldx"), []byte(`<Workspace Name="Wet" Car="GT3"/>`))
	writeFile(t, filepath.Join(root, "setups", "bad.ldx"), []byte(`<Workspace>`))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("ignored"))

	report, err := Scan(context.Background(), root, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, report.Truncated)
	require.Len(t, report.LD, 3)
	require.Len(t, report.LDX, 2)

	byName := map[string]Entry{}
	for _, e := range append(report.LD, report.LDX...) {
		byName[e.Name] = e
	}

	q1 := byName["2024-03-15_session_q1.ld"]
	assert.True(t, q1.Valid)
	assert.Equal(t, models.FileTypeLD, q1.Type)
	assert.Equal(t, int64(576), q1.Size)
	require.NotNil(t, q1.Metadata)
	assert.Equal(t, uint64(576), q1.Metadata.FileSize, "reports the on-disk size, not the bytes read")
	assert.Equal(t, uint32(250), q1.Metadata.SampleCount)
	assert.Equal(t, "20240315_q1", q1.SuggestedSession)
	assert.Empty(t, q1.Error)

	race := byName["race.LD"]
	assert.True(t, race.Valid)
	require.NotNil(t, race.Header)
	assert.Equal(t, uint16(2), race.Header.ChannelCount)
	assert.Nil(t, race.Metadata, "channel table lies beyond the metadata window")
	assert.Contains(t, race.Error, "channel 0 name")
	assert.Equal(t, "17", race.SuggestedCar)

	broken := byName["broken.ld"]
	assert.False(t, broken.Valid)
	assert.Contains(t, broken.Error, "too small")

	wet := byName["wet.ldx"]
	assert.True(t, wet.Valid)
	assert.Equal(t, "Wet", wet.WorkspaceName)
	assert.Equal(t, "GT3", wet.SuggestedCar)

	bad := byName["bad.ldx"]
	assert.False(t, bad.Valid)
	assert.Contains(t, bad.Error, "XML parsing error")
}

func TestScan_OptionsAndLimits(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.ld", "b.ld", "c.ld"} {
		writeFile(t, filepath.Join(root, name), headerOnlyLD(0, 1))
	}
	writeFile(t, filepath.Join(root, "sub", "d.ld"), headerOnlyLD(0, 1))

	opts := DefaultOptions()
	opts.MaxFiles = 2
	report, err := Scan(context.Background(), root, opts)
	require.NoError(t, err)
	assert.Len(t, report.LD, 2)
	assert.True(t, report.Truncated)

	opts = DefaultOptions()
	opts.Recursive = false
	report, err = Scan(context.Background(), root, opts)
	require.NoError(t, err)
	assert.Len(t, report.LD, 3)
	assert.Equal(t, "a.ld", report.LD[0].Name, "entries are sorted by path")
}

func TestScan_Errors(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), DefaultOptions())
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.ld")
	writeFile(t, file, headerOnlyLD(0, 1))
	_, err = Scan(context.Background(), file, DefaultOptions())
	assert.ErrorContains(t, err, "not a directory")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Scan(ctx, t.TempDir(), DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInferSession(t *testing.T) {
	tests := map[string]string{
		"20240315.ld":             "session_20240315",
		"2024-03-15_race.ld":      "session_20240315",
		"20240315_session_fp2.ld": "20240315_fp2",
		"Session-7.ld":            "7",
		"lap.ld":                  "",
	}
	for name, want := range tests {
		assert.Equal(t, want, InferSession(name), name)
	}
}

func TestInferCar(t *testing.T) {
	assert.Equal(t, "42", InferCar("/data/car_42/run.ld"))
	assert.Equal(t, "B", InferCar("/data/Car-B/run.ld"))
	assert.Equal(t, "", InferCar("/data/logs/run.ld"))
}

func TestScanner_CachesRecentReport(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.ld"), headerOnlyLD(0, 1))

	s := NewScanner(root, DefaultOptions(), time.Hour, logging.Discard())
	assert.Nil(t, s.Last())

	first, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, first.LD, 1)

	writeFile(t, filepath.Join(root, "b.ld"), headerOnlyLD(0, 1))

	cached, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Same(t, first, cached)

	fresh, err := s.Scan(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, fresh.LD, 2)
	assert.Same(t, fresh, s.Last())
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	s := NewScanner(root, DefaultOptions(), 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Last() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
