// handlers_parse.go - Parse session operation handlers
package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/analysis"
	"github.com/motec-viewer/backend/internal/mathchan"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultSampleLimit  = 500
	maxSampleLimit      = 10000
	progressInterval    = 100 * time.Millisecond
	progressStreamLimit = 5 * time.Minute
)

// ParseHandlerImpl implements the ParseHandler interface
type ParseHandlerImpl struct {
	store      storage.Store
	sessionMgr SessionManager
	log        logrus.FieldLogger
}

// NewParseHandler creates a new parse handler instance
func NewParseHandler(store storage.Store, sessionMgr SessionManager, log logrus.FieldLogger) ParseHandler {
	return &ParseHandlerImpl{
		store:      store,
		sessionMgr: sessionMgr,
		log:        log,
	}
}

// HandleStartParse starts a parsing session for a stored file
func (h *ParseHandlerImpl) HandleStartParse(c echo.Context) error {
	var req startParseRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.FileID == "" {
		return NewValidationError("fileId")
	}

	path, err := h.store.GetFilePath(req.FileID)
	if err != nil {
		return fromLookupError(err, req.FileID)
	}

	sess, err := h.sessionMgr.StartSession(req.FileID, path)
	if err != nil {
		return NewInternalError("failed to start session", err)
	}

	h.log.WithFields(logrus.Fields{"session": sess.ID, "file": req.FileID}).Info("parse started")
	return c.JSON(http.StatusAccepted, sess)
}

// HandleParseStatus returns the current status of a parsing session
func (h *ParseHandlerImpl) HandleParseStatus(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	sess, ok := h.sessionMgr.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	// Touch session to prevent cleanup while being viewed
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, sess)
}

// HandleSessionKeepAlive extends session lifetime for active viewing
func (h *ParseHandlerImpl) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	if ok := h.sessionMgr.TouchSession(id); !ok {
		return NewNotFoundError("session", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleParseProgressStream streams parsing progress via SSE
func (h *ParseHandlerImpl) HandleParseProgressStream(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	sess, ok := h.sessionMgr.GetSession(id)
	if !ok {
		h.sendSSEError(c, "session not found")
		return nil
	}
	h.sendSSEData(c, sess)
	if finished(sess) {
		return nil
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(progressStreamLimit)
	defer timeout.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			sess, ok := h.sessionMgr.GetSession(id)
			if !ok {
				h.sendSSEError(c, "session not found")
				return nil
			}

			h.sendSSEData(c, sess)
			if finished(sess) {
				return nil
			}

		case <-timeout.C:
			h.sendSSEError(c, "stream timeout")
			return nil
		}
	}
}

// HandleGetLog returns the header and channel table of a parsed log
func (h *ParseHandlerImpl) HandleGetLog(c echo.Context) error {
	id := c.Param("sessionId")
	ld, err := h.sessionMgr.GetLog(id)
	if err != nil {
		return fromLookupError(err, id)
	}
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, logResponse{
		Header:      ld.Header,
		Channels:    ld.Channels,
		SampleCount: len(ld.Samples),
	})
}

// HandleGetSamples returns a window of decoded sample rows
func (h *ParseHandlerImpl) HandleGetSamples(c echo.Context) error {
	resp, err := h.samplesPage(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleGetSamplesMsgpack returns the same window as HandleGetSamples
// encoded as MessagePack
func (h *ParseHandlerImpl) HandleGetSamplesMsgpack(c echo.Context) error {
	resp, err := h.samplesPage(c)
	if err != nil {
		return err
	}

	data, err := msgpack.Marshal(resp)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleGetStats returns per-channel statistics and the time axis summary
func (h *ParseHandlerImpl) HandleGetStats(c echo.Context) error {
	id := c.Param("sessionId")
	ld, err := h.sessionMgr.GetLog(id)
	if err != nil {
		return fromLookupError(err, id)
	}
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, statsResponse{
		Timing:   analysis.Timing(ld),
		Channels: analysis.ChannelStats(ld),
	})
}

// HandleGetChannel returns the summary of one channel
func (h *ParseHandlerImpl) HandleGetChannel(c echo.Context) error {
	id := c.Param("sessionId")
	name := c.Param("name")
	if name == "" {
		return NewValidationError("name")
	}

	summary, err := h.sessionMgr.ChannelSummary(c.Request().Context(), id, name)
	if err != nil {
		return fromLookupError(err, id)
	}
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, summary)
}

// HandleGetChannelRange returns the points of one channel between start and
// end seconds. Missing bounds are open.
func (h *ParseHandlerImpl) HandleGetChannelRange(c echo.Context) error {
	id := c.Param("sessionId")
	name := c.Param("name")
	if name == "" {
		return NewValidationError("name")
	}

	start, err := parseBound(c.QueryParam("start"), math.Inf(-1))
	if err != nil {
		return NewBadRequestError("invalid start time", err)
	}
	end, err := parseBound(c.QueryParam("end"), math.Inf(1))
	if err != nil {
		return NewBadRequestError("invalid end time", err)
	}
	if start > end {
		return NewBadRequestError("start must not be after end", nil)
	}
	limit, err := parseLimit(c.QueryParam("limit"), 0)
	if err != nil {
		return err
	}

	points, err := h.sessionMgr.QueryChannel(c.Request().Context(), id, name, start, end, limit)
	if err != nil {
		return fromLookupError(err, id)
	}
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, channelRangeResponse{
		Name:   name,
		Points: points,
		Count:  len(points),
	})
}

// HandleGetWorkspace returns a parsed LDX workspace
func (h *ParseHandlerImpl) HandleGetWorkspace(c echo.Context) error {
	id := c.Param("sessionId")
	result, err := h.sessionMgr.GetResult(id)
	if err != nil {
		return fromLookupError(err, id)
	}
	if result.Workspace == nil {
		return NewConflictError("session did not parse a workspace")
	}
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, result.Workspace)
}

// HandleEvaluateMath computes math channels over a parsed log. The body
// either carries one expression or names a workspace session whose Math
// channels are evaluated in document order.
func (h *ParseHandlerImpl) HandleEvaluateMath(c echo.Context) error {
	id := c.Param("sessionId")

	var req mathRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Expression == "" && req.WorkspaceSessionID == "" {
		return NewValidationError("expression or workspaceSessionId")
	}

	ld, err := h.sessionMgr.GetLog(id)
	if err != nil {
		return fromLookupError(err, id)
	}
	h.sessionMgr.TouchSession(id)

	if req.WorkspaceSessionID != "" {
		wsResult, err := h.sessionMgr.GetResult(req.WorkspaceSessionID)
		if err != nil {
			return fromLookupError(err, req.WorkspaceSessionID)
		}
		if wsResult.Workspace == nil {
			return NewConflictError("workspaceSessionId did not parse a workspace")
		}
		return c.JSON(http.StatusOK, mathchan.EvaluateWorkspace(wsResult.Workspace, ld))
	}

	name := req.Name
	if name == "" {
		name = "math"
	}
	compiled, err := mathchan.Compile(name, req.Expression, ld.ChannelNames())
	if err != nil {
		return NewBadRequestError("invalid expression", err)
	}
	compiled.Units = req.Units

	channel, err := compiled.Evaluate(ld)
	if err != nil {
		return &APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "EVALUATION_ERROR",
			Message: err.Error(),
		}
	}
	return c.JSON(http.StatusOK, channel)
}

// Request/Response types

type startParseRequest struct {
	FileID string `json:"fileId"`
}

type logResponse struct {
	Header      models.LDHeader    `json:"header"`
	Channels    []models.LDChannel `json:"channels"`
	SampleCount int                `json:"sampleCount"`
}

type samplesResponse struct {
	Channels []string          `json:"channels" msgpack:"channels"`
	Samples  []models.LDSample `json:"samples" msgpack:"samples"`
	Offset   int               `json:"offset" msgpack:"offset"`
	Limit    int               `json:"limit" msgpack:"limit"`
	Total    int               `json:"total" msgpack:"total"`
}

type statsResponse struct {
	Timing   analysis.TimingInfo `json:"timing"`
	Channels []analysis.Stats    `json:"channels"`
}

type channelRangeResponse struct {
	Name   string                `json:"name"`
	Points []models.ChannelPoint `json:"points"`
	Count  int                   `json:"count"`
}

type mathRequest struct {
	Name               string `json:"name"`
	Expression         string `json:"expression"`
	Units              string `json:"units"`
	WorkspaceSessionID string `json:"workspaceSessionId"`
}

// Helper methods

func (h *ParseHandlerImpl) samplesPage(c echo.Context) (*samplesResponse, error) {
	id := c.Param("sessionId")

	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, NewValidationError("offset")
		}
		offset = n
	}
	limit, err := parseLimit(c.QueryParam("limit"), defaultSampleLimit)
	if err != nil {
		return nil, err
	}

	ld, err := h.sessionMgr.GetLog(id)
	if err != nil {
		return nil, fromLookupError(err, id)
	}
	h.sessionMgr.TouchSession(id)

	total := len(ld.Samples)
	from := min(offset, total)
	to := min(from+limit, total)

	return &samplesResponse{
		Channels: ld.ChannelNames(),
		Samples:  ld.Samples[from:to],
		Offset:   offset,
		Limit:    limit,
		Total:    total,
	}, nil
}

func (h *ParseHandlerImpl) sendSSEData(c echo.Context, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData)
	c.Response().Flush()
}

func (h *ParseHandlerImpl) sendSSEError(c echo.Context, message string) {
	h.sendSSEData(c, map[string]string{"error": message})
}

func finished(s *models.ParseSession) bool {
	return s.Status == models.SessionStatusComplete || s.Status == models.SessionStatusError
}

// parseBound reads a time bound in seconds, returning def for an empty value.
func parseBound(s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("bound is NaN")
	}
	return v, nil
}

// parseLimit reads a positive row limit capped at maxSampleLimit.
func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, NewValidationError("limit")
	}
	return min(n, maxSampleLimit), nil
}
