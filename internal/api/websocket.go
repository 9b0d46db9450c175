package api

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/storage"
	"github.com/sirupsen/logrus"
)

// WebSocket message types for upload protocol
const (
	// Client -> Server messages
	MsgTypeUploadInit     = "upload:init"
	MsgTypeUploadChunk    = "upload:chunk"
	MsgTypeUploadComplete = "upload:complete"
	MsgTypePing           = "ping"

	// Server -> Client messages
	MsgTypeConnected  = "connected"
	MsgTypeAck        = "ack"
	MsgTypeProgress   = "progress"
	MsgTypeComplete   = "complete"
	MsgTypeError      = "error"
	MsgTypeProcessing = "processing"
	MsgTypePong       = "pong"
)

const (
	maxUploadChunks = 1 << 16
	// how long an upload:complete with parse=true waits for the session
	parseWaitLimit = 2 * time.Minute
)

// WSMessage is the envelope of every frame in both directions.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// UploadInitPayload starts a chunked upload.
type UploadInitPayload struct {
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int64  `json:"totalSize"`
	Encoding    string `json:"encoding,omitempty"` // "gzip", "none"
}

// UploadChunkPayload carries one base64 chunk.
type UploadChunkPayload struct {
	UploadID   string `json:"uploadId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// UploadCompletePayload finishes an upload. With Parse set the server starts
// a parse session and reports its progress on the same connection.
type UploadCompletePayload struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Parse    bool   `json:"parse,omitempty"`
}

// WSProgressResponse reports upload or parse progress.
type WSProgressResponse struct {
	Type      string  `json:"type"`
	UploadID  string  `json:"uploadId,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
	Progress  float64 `json:"progress"`
	Stage     string  `json:"stage,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// WSCompleteResponse reports a stored file and, when requested, its session.
type WSCompleteResponse struct {
	Type     string               `json:"type"`
	UploadID string               `json:"uploadId,omitempty"`
	FileInfo *models.FileInfo     `json:"fileInfo,omitempty"`
	Session  *models.ParseSession `json:"session,omitempty"`
}

// WSErrorResponse reports a failed message.
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// uploadState tracks an in-progress upload over WebSocket
type uploadState struct {
	fileName    string
	totalChunks int
	chunks      [][]byte
	received    int
	size        int64 // bytes held in chunks
	encoding    string
}

// WebSocketOptions configures a WebSocketHandler.
type WebSocketOptions struct {
	AllowedOrigins []string // empty accepts every origin
	AllowedExts    []string // empty accepts every extension
	ReadLimit      int64    // bytes per frame, 0 for no limit
	MaxUploadSize  int64    // bytes per file after decompression, 0 for no limit
}

// WebSocketHandler accepts chunked uploads over a WebSocket and can start
// parsing the assembled file.
type WebSocketHandler struct {
	store       storage.Store
	sessionMgr  SessionManager
	upgrader    websocket.Upgrader
	allowedExts []string
	readLimit   int64
	maxUpload   int64
	log         logrus.FieldLogger

	mu      sync.Mutex
	uploads map[string]*uploadState
}

// NewWebSocketHandler creates a WebSocket upload handler.
func NewWebSocketHandler(store storage.Store, sessionMgr SessionManager, opts WebSocketOptions, log logrus.FieldLogger) *WebSocketHandler {
	allowedOrigins := opts.AllowedOrigins
	return &WebSocketHandler{
		store:       store,
		sessionMgr:  sessionMgr,
		allowedExts: opts.AllowedExts,
		readLimit:   opts.ReadLimit,
		maxUpload:   opts.MaxUploadSize,
		log:         log.WithField("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" ||
					slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		uploads: make(map[string]*uploadState),
	}
}

// HandleWebSocket upgrades HTTP connection to WebSocket and handles upload protocol
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	if wsh.readLimit > 0 {
		ws.SetReadLimit(wsh.readLimit)
	}

	// uploads started on this connection die with it
	var owned []string
	defer func() {
		wsh.mu.Lock()
		for _, id := range owned {
			delete(wsh.uploads, id)
		}
		wsh.mu.Unlock()
	}()

	wsh.log.Debug("client connected")
	wsh.sendMessage(ws, WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()})

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsh.log.WithError(err).Warn("connection error")
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			wsh.sendMessage(ws, WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		case MsgTypeUploadInit:
			if id := wsh.handleUploadInit(ws, msg); id != "" {
				owned = append(owned, id)
			}
		case MsgTypeUploadChunk:
			wsh.handleUploadChunk(ws, msg)
		case MsgTypeUploadComplete:
			wsh.handleUploadComplete(c, ws, msg)
		default:
			wsh.sendError(ws, "Unknown message type: "+msg.Type, "INVALID_TYPE")
		}
	}

	wsh.log.Debug("client disconnected")
	return nil
}

// handleUploadInit registers a new upload and returns its ID, or "" on error.
func (wsh *WebSocketHandler) handleUploadInit(ws *websocket.Conn, msg WSMessage) string {
	var payload UploadInitPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		wsh.sendError(ws, "Invalid init payload: "+err.Error(), "INVALID_PAYLOAD")
		return ""
	}
	if payload.FileName == "" {
		wsh.sendError(ws, "fileName is required", "INVALID_PAYLOAD")
		return ""
	}
	if err := checkExtension(payload.FileName, wsh.allowedExts); err != nil {
		wsh.sendError(ws, err.Message, "INVALID_FILE_TYPE")
		return ""
	}
	if payload.TotalChunks <= 0 || payload.TotalChunks > maxUploadChunks {
		wsh.sendError(ws, fmt.Sprintf("totalChunks must be between 1 and %d", maxUploadChunks), "INVALID_PAYLOAD")
		return ""
	}
	if wsh.maxUpload > 0 && payload.TotalSize > wsh.maxUpload {
		wsh.sendError(ws, wsh.tooLargeMessage(), "FILE_TOO_LARGE")
		return ""
	}

	uploadID := uuid.NewString()
	wsh.mu.Lock()
	wsh.uploads[uploadID] = &uploadState{
		fileName:    payload.FileName,
		totalChunks: payload.TotalChunks,
		chunks:      make([][]byte, payload.TotalChunks),
		encoding:    payload.Encoding,
	}
	wsh.mu.Unlock()

	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeAck,
		ID:        uploadID,
		Timestamp: time.Now().UnixMilli(),
	})

	wsh.log.WithFields(logrus.Fields{
		"upload": uploadID,
		"chunks": payload.TotalChunks,
		"size":   payload.TotalSize,
	}).Info("upload initialized")
	return uploadID
}

// handleUploadChunk receives and stores a chunk
func (wsh *WebSocketHandler) handleUploadChunk(ws *websocket.Conn, msg WSMessage) {
	var payload UploadChunkPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		wsh.sendError(ws, "Invalid chunk payload: "+err.Error(), "INVALID_PAYLOAD")
		return
	}

	chunkData, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		wsh.sendError(ws, "Invalid base64 data: "+err.Error(), "INVALID_DATA")
		return
	}

	wsh.mu.Lock()
	state, exists := wsh.uploads[payload.UploadID]
	if !exists {
		wsh.mu.Unlock()
		wsh.sendError(ws, "Upload not found: "+payload.UploadID, "UPLOAD_NOT_FOUND")
		return
	}
	if payload.ChunkIndex < 0 || payload.ChunkIndex >= state.totalChunks {
		wsh.mu.Unlock()
		wsh.sendError(ws, fmt.Sprintf("chunkIndex %d out of range", payload.ChunkIndex), "INVALID_PAYLOAD")
		return
	}
	size := state.size - int64(len(state.chunks[payload.ChunkIndex])) + int64(len(chunkData))
	if wsh.maxUpload > 0 && size > wsh.maxUpload {
		delete(wsh.uploads, payload.UploadID)
		wsh.mu.Unlock()
		wsh.sendError(ws, wsh.tooLargeMessage(), "FILE_TOO_LARGE")
		return
	}
	if state.chunks[payload.ChunkIndex] == nil {
		state.received++
	}
	state.chunks[payload.ChunkIndex] = chunkData
	state.size = size
	received, total := state.received, state.totalChunks
	wsh.mu.Unlock()

	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeProgress,
		ID:        payload.UploadID,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSProgressResponse{
			Type:     MsgTypeProgress,
			UploadID: payload.UploadID,
			Progress: float64(received) / float64(total) * 100,
			Stage:    "uploading",
			Message:  fmt.Sprintf("Received chunk %d/%d", received, total),
		}),
	})
}

// handleUploadComplete assembles chunks, stores the file and optionally
// parses it
func (wsh *WebSocketHandler) handleUploadComplete(c echo.Context, ws *websocket.Conn, msg WSMessage) {
	var payload UploadCompletePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		wsh.sendError(ws, "Invalid complete payload: "+err.Error(), "INVALID_PAYLOAD")
		return
	}

	wsh.mu.Lock()
	state, exists := wsh.uploads[payload.UploadID]
	if exists && state.received == state.totalChunks {
		delete(wsh.uploads, payload.UploadID)
	}
	wsh.mu.Unlock()

	if !exists {
		wsh.sendError(ws, "Upload not found: "+payload.UploadID, "UPLOAD_NOT_FOUND")
		return
	}
	if state.received != state.totalChunks {
		wsh.sendError(ws, fmt.Sprintf("Missing chunks: got %d, expected %d",
			state.received, state.totalChunks), "INCOMPLETE_UPLOAD")
		return
	}

	wsh.sendProgress(ws, MsgTypeProcessing, payload.UploadID, "", 50, "assembling", "Assembling file chunks...")
	data := bytes.Join(state.chunks, nil)

	if payload.Encoding == "gzip" || state.encoding == "gzip" {
		wsh.sendProgress(ws, MsgTypeProcessing, payload.UploadID, "", 75, "decompressing", "Decompressing file...")
		decompressed, err := decompressGzip(data, wsh.maxUpload)
		if errors.Is(err, storage.ErrFileTooLarge) {
			wsh.sendError(ws, wsh.tooLargeMessage(), "FILE_TOO_LARGE")
			return
		}
		if err != nil {
			wsh.sendError(ws, "Failed to decompress upload: "+err.Error(), "INVALID_DATA")
			return
		}
		data = decompressed
	}

	name := payload.FileName
	if name == "" {
		name = state.fileName
	}
	info, err := wsh.store.SaveBytes(name, data)
	if errors.Is(err, storage.ErrFileTooLarge) {
		wsh.sendError(ws, wsh.tooLargeMessage(), "FILE_TOO_LARGE")
		return
	}
	if err != nil {
		wsh.sendError(ws, "Failed to save file: "+err.Error(), "SAVE_ERROR")
		return
	}
	wsh.log.WithFields(logrus.Fields{"file": info.ID, "type": info.Type, "size": info.Size}).Info("upload complete")

	resp := WSCompleteResponse{Type: MsgTypeComplete, UploadID: payload.UploadID, FileInfo: info}
	if payload.Parse && wsh.sessionMgr != nil {
		sess, err := wsh.parse(c, ws, payload.UploadID, info.ID)
		if err != nil {
			wsh.sendError(ws, "Failed to parse file: "+err.Error(), "PARSE_ERROR")
			return
		}
		resp.Session = sess
	}

	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeComplete,
		ID:        payload.UploadID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(resp),
	})
}

// parse starts a session for fileID and relays its progress until it finishes.
func (wsh *WebSocketHandler) parse(c echo.Context, ws *websocket.Conn, uploadID, fileID string) (*models.ParseSession, error) {
	path, err := wsh.store.GetFilePath(fileID)
	if err != nil {
		return nil, err
	}
	sess, err := wsh.sessionMgr.StartSession(fileID, path)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(parseWaitLimit)
	defer deadline.Stop()

	ctx := c.Request().Context()
	lastProgress := -1.0
	for {
		current, ok := wsh.sessionMgr.GetSession(sess.ID)
		if !ok {
			return nil, fmt.Errorf("session %s disappeared", sess.ID)
		}
		if current.Progress != lastProgress {
			lastProgress = current.Progress
			wsh.sendProgress(ws, MsgTypeProgress, uploadID, sess.ID, current.Progress, "parsing", string(current.Status))
		}
		if finished(current) {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return current, nil
		case <-ticker.C:
		}
	}
}

// Helper methods

func (wsh *WebSocketHandler) sendProgress(ws *websocket.Conn, msgType, uploadID, sessionID string, progress float64, stage, message string) {
	wsh.sendMessage(ws, WSMessage{
		Type:      msgType,
		ID:        uploadID,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSProgressResponse{
			Type:      msgType,
			UploadID:  uploadID,
			SessionID: sessionID,
			Progress:  progress,
			Stage:     stage,
			Message:   message,
		}),
	})
}

func (wsh *WebSocketHandler) sendMessage(ws *websocket.Conn, msg WSMessage) {
	if err := ws.WriteJSON(msg); err != nil {
		wsh.log.WithError(err).Debug("failed to send message")
	}
}

func (wsh *WebSocketHandler) sendError(ws *websocket.Conn, message, code string) {
	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSErrorResponse{
			Type:    MsgTypeError,
			Message: message,
			Code:    code,
		}),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func (wsh *WebSocketHandler) tooLargeMessage() string {
	return fmt.Sprintf("File exceeds the upload limit of %d bytes", wsh.maxUpload)
}

// decompressGzip inflates data, failing with storage.ErrFileTooLarge once the
// output passes limit. A limit of 0 disables the check.
func decompressGzip(data []byte, limit int64) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if limit <= 0 {
		return io.ReadAll(reader)
	}
	out, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, storage.ErrFileTooLarge
	}
	return out, nil
}
