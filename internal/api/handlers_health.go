// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/parser"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version    string
	sessionMgr SessionManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, sessionMgr SessionManager) HealthHandler {
	return &HealthHandlerImpl{
		version:    version,
		sessionMgr: sessionMgr,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"parsers": parser.GetGlobalRegistry().Names(),
	}
	if h.sessionMgr != nil {
		resp["sessions"] = h.sessionMgr.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}
