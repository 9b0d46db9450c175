package models

// SessionStatus represents the status of a parse session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusParsing  SessionStatus = "parsing"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusError    SessionStatus = "error"
)

// ParseSession represents a file parsing session.
type ParseSession struct {
	ID               string        `json:"id"`
	FileID           string        `json:"fileId"`
	FileType         FileType      `json:"fileType,omitempty"`
	Status           SessionStatus `json:"status"`
	Progress         float64       `json:"progress"` // 0-100
	ChannelCount     int           `json:"channelCount,omitempty"`
	SampleCount      int           `json:"sampleCount,omitempty"`
	ProcessingTimeMs int64         `json:"processingTimeMs,omitempty"`
	ParserName       string        `json:"parserName,omitempty"`
	SampleStore      bool          `json:"sampleStore,omitempty"` // samples queryable by channel
	Error            string        `json:"error,omitempty"`
}

// NewParseSession creates a new ParseSession in pending status.
func NewParseSession(id, fileID string) *ParseSession {
	return &ParseSession{
		ID:       id,
		FileID:   fileID,
		Status:   SessionStatusPending,
		Progress: 0,
	}
}
