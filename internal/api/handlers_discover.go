// handlers_discover.go - Directory scan handlers
package api

import (
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/discovery"
)

// DiscoveryHandlerImpl implements the DiscoveryHandler interface
type DiscoveryHandlerImpl struct {
	scanner Scanner
	root    string
	opts    discovery.Options
}

// NewDiscoveryHandler creates a discovery handler. A nil scanner disables
// the endpoint.
func NewDiscoveryHandler(scanner Scanner, root string, opts discovery.Options) DiscoveryHandler {
	return &DiscoveryHandlerImpl{
		scanner: scanner,
		root:    root,
		opts:    opts,
	}
}

// HandleDiscover returns the LD and LDX files under the discovery directory.
// ?dir= scans a subdirectory of it instead; ?force=true bypasses the cached report.
func (h *DiscoveryHandlerImpl) HandleDiscover(c echo.Context) error {
	if h.scanner == nil {
		return NewServiceUnavailableError("discovery is disabled")
	}
	ctx := c.Request().Context()

	if dir := c.QueryParam("dir"); dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(h.root, dir)
		}
		if !withinDir(h.root, dir) {
			return NewForbiddenError("dir is outside the discovery directory")
		}
		report, err := discovery.Scan(ctx, dir, h.opts)
		if err != nil {
			return NewBadRequestError("scan failed", err)
		}
		return c.JSON(http.StatusOK, report)
	}

	report, err := h.scanner.Scan(ctx, c.QueryParam("force") == "true")
	if err != nil {
		return NewInternalError("scan failed", err)
	}
	return c.JSON(http.StatusOK, report)
}
