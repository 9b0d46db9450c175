package parser

import (
	"bytes"

	"github.com/motec-viewer/backend/internal/models"
)

// FileType is the coarse classification of a raw buffer.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeLD               // binary sample log
	FileTypeLDX              // XML workspace
)

func (t FileType) String() string {
	switch t {
	case FileTypeLD:
		return "ld"
	case FileTypeLDX:
		return "ldx"
	default:
		return "unknown"
	}
}

// Model converts the classification to the storage-facing type.
func (t FileType) Model() models.FileType {
	switch t {
	case FileTypeLD:
		return models.FileTypeLD
	case FileTypeLDX:
		return models.FileTypeLDX
	default:
		return models.FileTypeUnknown
	}
}

// minDetectLen is the smallest buffer DetectFileType will classify.
const minDetectLen = 4

var xmlDeclaration = []byte("<?xml")

// DetectFileType classifies data as LD, LDX or unknown. It never fails.
//
// This is a heuristic, not a signature check: anything that does not look like
// XML and is longer than the LD header region is reported as LD.
func DetectFileType(data []byte) FileType {
	if len(data) < minDetectLen {
		return FileTypeUnknown
	}

	if bytes.HasPrefix(data, xmlDeclaration) || data[0] == '<' {
		return FileTypeLDX
	}

	if len(data) > LDHeaderSize {
		return FileTypeLD
	}

	return FileTypeUnknown
}
