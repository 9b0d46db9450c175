package models

import "time"

// FileType identifies which MoTeC format a stored file holds.
type FileType string

const (
	FileTypeLD      FileType = "ld"
	FileTypeLDX     FileType = "ldx"
	FileTypeUnknown FileType = "unknown"
)

// FileInfo represents metadata about an uploaded file.
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Type       FileType  `json:"type"`
	UploadedAt time.Time `json:"uploadedAt"`
	Status     string    `json:"status"` // "uploaded", "parsing", "parsed", "error"
}
