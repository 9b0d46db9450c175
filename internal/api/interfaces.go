// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/discovery"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
)

// FileHandler handles stored file operations
type FileHandler interface {
	HandleUploadFile(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleRegisterFile(c echo.Context) error
	HandleGetRecentFiles(c echo.Context) error
	HandleGetFile(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
	HandleRenameFile(c echo.Context) error
	HandleDetectFile(c echo.Context) error
	HandleFileMetadata(c echo.Context) error
}

// ParseHandler handles parsing session operations
type ParseHandler interface {
	HandleStartParse(c echo.Context) error
	HandleParseStatus(c echo.Context) error
	HandleParseProgressStream(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
	HandleGetLog(c echo.Context) error
	HandleGetSamples(c echo.Context) error
	HandleGetSamplesMsgpack(c echo.Context) error
	HandleGetStats(c echo.Context) error
	HandleGetChannel(c echo.Context) error
	HandleGetChannelRange(c echo.Context) error
	HandleGetWorkspace(c echo.Context) error
	HandleEvaluateMath(c echo.Context) error
}

// WorkspaceHandler handles stateless workspace conversions
type WorkspaceHandler interface {
	HandleSerializeWorkspace(c echo.Context) error
	HandleParseWorkspace(c echo.Context) error
}

// DiscoveryHandler handles directory scans
type DiscoveryHandler interface {
	HandleDiscover(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	StartSession(fileID, filePath string) (*models.ParseSession, error)
	GetSession(id string) (*models.ParseSession, bool)
	TouchSession(id string) bool
	GetResult(id string) (*parser.Result, error)
	GetLog(id string) (*models.LDFile, error)
	QueryChannel(ctx context.Context, id, name string, start, end float64, limit int) ([]models.ChannelPoint, error)
	ChannelSummary(ctx context.Context, id, name string) (*models.ChannelSummary, error)
	DeleteFile(fileID string)
	Stats() map[string]interface{}
}

// Scanner defines the directory scan used by the discovery endpoint
type Scanner interface {
	Scan(ctx context.Context, force bool) (*discovery.Report, error)
}
