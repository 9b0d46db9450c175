package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{" error ", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewWithOutput(&bytes.Buffer{}, tt.level, FormatText)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(&buf, "info", "JSON")

	logger.WithField("session", "abc").Info("parse complete")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "parse complete", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(&buf, "info", "unknown-format")

	logger.WithField("file", "lap1.ld").Info("stored")

	assert.Contains(t, buf.String(), "msg=stored")
	assert.Contains(t, buf.String(), "file=lap1.ld")
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.NotPanics(t, func() { logger.Error("dropped") })
}
