package parser

import (
	"bytes"
	"testing"

	"github.com/motec-viewer/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want FileType
	}{
		{"empty", nil, FileTypeUnknown},
		{"three bytes", []byte("<?x"), FileTypeUnknown},
		{"xml declaration", []byte(`<?xml version="1.0"?><Workspace/>`), FileTypeLDX},
		{"bare element", []byte("<Workspace/>"), FileTypeLDX},
		{"angle bracket wins over size", append([]byte("<abc"), make([]byte, 1000)...), FileTypeLDX},
		{"binary over header size", make([]byte, 513), FileTypeLD},
		{"binary exactly header size", make([]byte, 512), FileTypeUnknown},
		{"short text", []byte("hello world"), FileTypeUnknown},
		{"leading whitespace before xml", append([]byte(" <?xml"), bytes.Repeat([]byte{' '}, 600)...), FileTypeLD},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFileType(tt.data))
		})
	}
}

func TestFileType_Names(t *testing.T) {
	assert.Equal(t, "ld", FileTypeLD.String())
	assert.Equal(t, "ldx", FileTypeLDX.String())
	assert.Equal(t, "unknown", FileTypeUnknown.String())

	assert.Equal(t, models.FileTypeLD, FileTypeLD.Model())
	assert.Equal(t, models.FileTypeLDX, FileTypeLDX.Model())
	assert.Equal(t, models.FileTypeUnknown, FileType(99).Model())
}
