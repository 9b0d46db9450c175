// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/discovery"
	"github.com/motec-viewer/backend/internal/storage"
	"github.com/sirupsen/logrus"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store             storage.Store
	SessionMgr        SessionManager
	Scanner           Scanner // nil disables discovery
	DiscoveryDir      string
	DiscoveryOpts     discovery.Options
	AllowedExts       []string
	AllowedOrigins    []string
	AllowFileDeletion bool
	WSReadLimit       int64
	MaxUploadSize     int64 // bytes, 0 for no limit
	Version           string
	Log               logrus.FieldLogger
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Files     FileHandler
	Parse     ParseHandler
	Workspace WorkspaceHandler
	Discovery DiscoveryHandler
	WebSocket *WebSocketHandler

	allowFileDeletion bool
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	registerRoot := ""
	if deps.Scanner != nil {
		registerRoot = deps.DiscoveryDir
	}

	wsHandler := NewWebSocketHandler(deps.Store, deps.SessionMgr, WebSocketOptions{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedExts:    deps.AllowedExts,
		ReadLimit:      deps.WSReadLimit,
		MaxUploadSize:  deps.MaxUploadSize,
	}, log)

	return &Handlers{
		Health:            NewHealthHandler(deps.Version, deps.SessionMgr),
		Files:             NewFileHandler(deps.Store, deps.SessionMgr, deps.AllowedExts, registerRoot, log),
		Parse:             NewParseHandler(deps.Store, deps.SessionMgr, log),
		Workspace:         NewWorkspaceHandler(),
		Discovery:         NewDiscoveryHandler(deps.Scanner, deps.DiscoveryDir, deps.DiscoveryOpts),
		WebSocket:         wsHandler,
		allowFileDeletion: deps.AllowFileDeletion,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// WebSocket upload endpoint
	apiGroup.GET("/ws/uploads", handlers.WebSocket.HandleWebSocket)

	// File routes
	fileGroup := apiGroup.Group("/files")
	fileGroup.POST("/upload", handlers.Files.HandleUploadFile)
	fileGroup.POST("/upload/chunk", handlers.Files.HandleUploadChunk)
	fileGroup.POST("/upload/complete", handlers.Files.HandleCompleteUpload)
	fileGroup.POST("/register", handlers.Files.HandleRegisterFile)
	fileGroup.GET("/recent", handlers.Files.HandleGetRecentFiles)
	fileGroup.GET("/:id", handlers.Files.HandleGetFile)
	fileGroup.GET("/:id/detect", handlers.Files.HandleDetectFile)
	fileGroup.GET("/:id/metadata", handlers.Files.HandleFileMetadata)
	fileGroup.PUT("/:id", handlers.Files.HandleRenameFile)
	if handlers.allowFileDeletion {
		fileGroup.DELETE("/:id", handlers.Files.HandleDeleteFile)
	}

	// Parse session routes
	parseGroup := apiGroup.Group("/parse")
	parseGroup.POST("", handlers.Parse.HandleStartParse)
	parseGroup.GET("/:sessionId/status", handlers.Parse.HandleParseStatus)
	parseGroup.GET("/:sessionId/progress", handlers.Parse.HandleParseProgressStream)
	parseGroup.POST("/:sessionId/keepalive", handlers.Parse.HandleSessionKeepAlive)
	parseGroup.GET("/:sessionId/log", handlers.Parse.HandleGetLog)
	parseGroup.GET("/:sessionId/samples", handlers.Parse.HandleGetSamples)
	parseGroup.GET("/:sessionId/samples/msgpack", handlers.Parse.HandleGetSamplesMsgpack)
	parseGroup.GET("/:sessionId/stats", handlers.Parse.HandleGetStats)
	parseGroup.GET("/:sessionId/channels/:name", handlers.Parse.HandleGetChannel)
	parseGroup.GET("/:sessionId/channels/:name/range", handlers.Parse.HandleGetChannelRange)
	parseGroup.GET("/:sessionId/workspace", handlers.Parse.HandleGetWorkspace)
	parseGroup.POST("/:sessionId/math", handlers.Parse.HandleEvaluateMath)

	// Stateless workspace conversion
	workspaceGroup := apiGroup.Group("/workspace")
	workspaceGroup.POST("/parse", handlers.Workspace.HandleParseWorkspace)
	workspaceGroup.POST("/serialize", handlers.Workspace.HandleSerializeWorkspace)

	// Directory discovery
	apiGroup.GET("/discover", handlers.Discovery.HandleDiscover)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	e.HTTPErrorHandler = ErrorHandler
}
