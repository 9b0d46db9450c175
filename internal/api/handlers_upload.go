// handlers_upload.go - Stored file handlers: upload, lookup, detection
package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
	"github.com/motec-viewer/backend/internal/storage"
	"github.com/sirupsen/logrus"
)

// FileHandlerImpl implements the FileHandler interface
type FileHandlerImpl struct {
	store        storage.Store
	sessionMgr   SessionManager
	allowedExts  []string
	registerRoot string // files outside this directory cannot be registered
	log          logrus.FieldLogger
}

// NewFileHandler creates a new file handler instance
func NewFileHandler(store storage.Store, sessionMgr SessionManager, allowedExts []string, registerRoot string, log logrus.FieldLogger) FileHandler {
	return &FileHandlerImpl{
		store:        store,
		sessionMgr:   sessionMgr,
		allowedExts:  allowedExts,
		registerRoot: registerRoot,
		log:          log,
	}
}

// HandleUploadFile accepts a multipart "file" field and saves it to storage
func (h *FileHandlerImpl) HandleUploadFile(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}
	if err := h.checkExtension(file.Filename); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	info, err := h.store.Save(file.Filename, src)
	if err != nil {
		return saveError("failed to save file", err)
	}

	h.log.WithFields(logrus.Fields{"file": info.ID, "type": info.Type, "size": info.Size}).Info("file uploaded")
	return c.JSON(http.StatusCreated, info)
}

// HandleUploadChunk accepts one multipart chunk of a chunked upload
func (h *FileHandlerImpl) HandleUploadChunk(c echo.Context) error {
	uploadID := c.FormValue("uploadId")
	if !validUploadID(uploadID) {
		return NewValidationError("uploadId")
	}
	chunkIndex, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil || chunkIndex < 0 {
		return NewValidationError("chunkIndex")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no chunk provided", err)
	}
	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open chunk", err)
	}
	defer src.Close()

	if err := h.store.SaveChunk(uploadID, chunkIndex, src); err != nil {
		return NewInternalError("failed to save chunk", err)
	}

	return c.NoContent(http.StatusAccepted)
}

// HandleCompleteUpload assembles a chunked upload into a stored file
func (h *FileHandlerImpl) HandleCompleteUpload(c echo.Context) error {
	var req completeUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}
	if err := h.checkExtension(req.Name); err != nil {
		return err
	}

	info, err := h.store.CompleteChunkedUpload(req.UploadID, req.Name, req.TotalChunks)
	if errors.Is(err, storage.ErrFileTooLarge) {
		return saveError("", err)
	}
	if err != nil {
		return NewBadRequestError("failed to assemble upload", err)
	}

	return c.JSON(http.StatusCreated, info)
}

// HandleRegisterFile makes a file under the discovery directory available
// without copying it
func (h *FileHandlerImpl) HandleRegisterFile(c echo.Context) error {
	if h.registerRoot == "" {
		return NewForbiddenError("file registration is disabled")
	}

	var req registerFileRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Path == "" {
		return NewValidationError("path")
	}

	path := req.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.registerRoot, path)
	}
	if !withinDir(h.registerRoot, path) {
		return NewForbiddenError("path is outside the discovery directory")
	}
	if err := h.checkExtension(path); err != nil {
		return err
	}

	info, err := h.store.RegisterFile(path)
	if err != nil {
		return NewBadRequestError("failed to register file", err)
	}

	return c.JSON(http.StatusCreated, info)
}

// HandleGetRecentFiles returns recently stored MoTeC files
func (h *FileHandlerImpl) HandleGetRecentFiles(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return NewValidationError("limit")
		}
		limit = n
	}

	files, err := h.store.List(0)
	if err != nil {
		return NewInternalError("failed to list files", err)
	}

	motecFiles := filterMotecFiles(files)
	if len(motecFiles) > limit {
		motecFiles = motecFiles[:limit]
	}

	return c.JSON(http.StatusOK, motecFiles)
}

// HandleGetFile returns metadata for a specific file
func (h *FileHandlerImpl) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("file", id)
	}

	return c.JSON(http.StatusOK, info)
}

// HandleDeleteFile deletes a file and its associated parsed data
func (h *FileHandlerImpl) HandleDeleteFile(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if err := h.store.Delete(id); err != nil {
		return fromLookupError(err, id)
	}

	if h.sessionMgr != nil {
		h.sessionMgr.DeleteFile(id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleRenameFile updates the name of a file
func (h *FileHandlerImpl) HandleRenameFile(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req renameFileRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	if strings.TrimSpace(req.Name) == "" {
		return NewValidationError("name")
	}

	info, err := h.store.Rename(id, req.Name)
	if err != nil {
		return NewNotFoundError("file", id)
	}

	return c.JSON(http.StatusOK, info)
}

// HandleDetectFile classifies the stored bytes of a file
func (h *FileHandlerImpl) HandleDetectFile(c echo.Context) error {
	id := c.Param("id")
	head, err := h.store.ReadHead(id, parser.LDHeaderSize+1)
	if err != nil {
		return fromLookupError(err, id)
	}

	ft := parser.DetectFileType(head)
	resp := detectResponse{ID: id, Type: ft.Model()}
	if p, err := parser.GetGlobalRegistry().FindParser(head); err == nil {
		resp.Parser = p.Name()
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleFileMetadata returns the header-only summary of a stored LD file.
// The metadata reader only sees the header region, so logs with channels
// report their channel table as unreachable; the header fields are returned
// alongside the error in that case.
func (h *FileHandlerImpl) HandleFileMetadata(c echo.Context) error {
	id := c.Param("id")
	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	if info.Type != models.FileTypeLD {
		return NewBadRequestError("metadata is only available for LD files", nil)
	}

	head, err := h.store.ReadHead(id, parser.LDHeaderSize)
	if err != nil {
		return fromLookupError(err, id)
	}

	header, err := parser.ParseLDHeader(head)
	if err != nil {
		return FromParseError(err)
	}

	resp := metadataResponse{ID: id, Header: header}
	meta, err := parser.ParseLDMetadata(head)
	if err != nil {
		resp.Error = err.Error()
	} else {
		meta.FileSize = uint64(info.Size)
		resp.Metadata = meta
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *FileHandlerImpl) checkExtension(name string) error {
	if err := checkExtension(name, h.allowedExts); err != nil {
		return err
	}
	return nil
}

// checkExtension rejects names whose extension is not in allowed. An empty
// list allows everything.
func checkExtension(name string, allowed []string) *APIError {
	if len(allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	return &APIError{
		Status:  http.StatusUnsupportedMediaType,
		Code:    "UNSUPPORTED_FILE_TYPE",
		Message: "file extension not allowed: " + ext,
	}
}

// saveError maps a storage failure to an API error.
func saveError(message string, err error) error {
	if errors.Is(err, storage.ErrFileTooLarge) {
		return &APIError{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    "FILE_TOO_LARGE",
			Message: err.Error(),
		}
	}
	return NewInternalError(message, err)
}

// Request/Response types

type completeUploadRequest struct {
	UploadID    string `json:"uploadId"`
	Name        string `json:"name"`
	TotalChunks int    `json:"totalChunks"`
}

func (r *completeUploadRequest) validate() error {
	if !validUploadID(r.UploadID) {
		return NewValidationError("uploadId")
	}
	if r.Name == "" {
		return NewValidationError("name")
	}
	if r.TotalChunks <= 0 {
		return NewBadRequestError("totalChunks must be positive", nil)
	}
	return nil
}

type renameFileRequest struct {
	Name string `json:"name"`
}

type registerFileRequest struct {
	Path string `json:"path"`
}

type detectResponse struct {
	ID     string          `json:"id"`
	Type   models.FileType `json:"type"`
	Parser string          `json:"parser,omitempty"`
}

type metadataResponse struct {
	ID       string             `json:"id"`
	Header   *models.LDHeader   `json:"header"`
	Metadata *models.LDMetadata `json:"metadata,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Helper functions

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// validUploadID rejects IDs that could escape the chunk directory.
func validUploadID(id string) bool {
	return uploadIDPattern.MatchString(id)
}

// filterMotecFiles drops stored files that are neither logs nor workspaces.
func filterMotecFiles(files []*models.FileInfo) []*models.FileInfo {
	out := make([]*models.FileInfo, 0, len(files))
	for _, f := range files {
		if f.Type == models.FileTypeLD || f.Type == models.FileTypeLDX {
			out = append(out, f)
		}
	}
	return out
}

func withinDir(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
