// handlers_workspace.go - Stateless LDX conversion handlers
package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
)

// maxWorkspaceBody bounds LDX documents posted for conversion.
const maxWorkspaceBody = 16 << 20

// WorkspaceHandlerImpl implements the WorkspaceHandler interface
type WorkspaceHandlerImpl struct{}

// NewWorkspaceHandler creates a new workspace handler
func NewWorkspaceHandler() WorkspaceHandler {
	return &WorkspaceHandlerImpl{}
}

// HandleSerializeWorkspace renders a JSON workspace as an LDX document
func (h *WorkspaceHandlerImpl) HandleSerializeWorkspace(c echo.Context) error {
	var ws models.Workspace
	if err := c.Bind(&ws); err != nil {
		return NewBadRequestError("invalid workspace", err)
	}
	if ws.WorkspaceName == "" {
		ws.WorkspaceName = models.DefaultWorkspaceName
	}

	data, err := parser.WriteLDX(&ws)
	if err != nil {
		return FromParseError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, data)
}

// HandleParseWorkspace decodes an LDX document from the request body
func (h *WorkspaceHandlerImpl) HandleParseWorkspace(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWorkspaceBody+1))
	if err != nil {
		return NewBadRequestError("failed to read body", err)
	}
	if len(data) > maxWorkspaceBody {
		return &APIError{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    "PAYLOAD_TOO_LARGE",
			Message: "workspace document too large",
		}
	}

	ws, err := parser.ParseLDX(data)
	if err != nil {
		return FromParseError(err)
	}
	return c.JSON(http.StatusOK, ws)
}
