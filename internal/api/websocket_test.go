package api

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/logging"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/session"
	"github.com/motec-viewer/backend/internal/storage"
	"github.com/motec-viewer/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialUploads(t *testing.T, store *testutil.MockStorageWithTempDir) *websocket.Conn {
	t.Helper()
	return dialUploadsWith(t, store, WebSocketOptions{ReadLimit: 1 << 20})
}

func dialUploadsWith(t *testing.T, store *testutil.MockStorageWithTempDir, opts WebSocketOptions) *websocket.Conn {
	t.Helper()
	mgr, err := session.NewManager(session.Options{TempDir: t.TempDir(), Log: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	wsh := NewWebSocketHandler(store, mgr, opts, logging.Discard())
	e := echo.New()
	e.GET("/api/ws/uploads", wsh.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/uploads"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	assert.Equal(t, MsgTypeConnected, readMessage(t, conn).Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(WSMessage{Type: msgType, Payload: mustJSON(payload)}))
}

// readUntil skips progress frames and returns the first frame of another type.
func readUntil(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type != MsgTypeProgress && msg.Type != MsgTypeProcessing {
			return msg
		}
	}
}

func uploadChunks(t *testing.T, conn *websocket.Conn, name, encoding string, data []byte, chunkSize int) string {
	t.Helper()
	total := (len(data) + chunkSize - 1) / chunkSize
	send(t, conn, MsgTypeUploadInit, UploadInitPayload{FileName: name, TotalChunks: total, TotalSize: int64(len(data)), Encoding: encoding})
	ack := readMessage(t, conn)
	require.Equal(t, MsgTypeAck, ack.Type)
	require.NotEmpty(t, ack.ID)

	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(data))
		send(t, conn, MsgTypeUploadChunk, UploadChunkPayload{
			UploadID:   ack.ID,
			ChunkIndex: i,
			Data:       base64.StdEncoding.EncodeToString(data[i*chunkSize : end]),
		})
		progress := readMessage(t, conn)
		require.Equal(t, MsgTypeProgress, progress.Type)
	}
	return ack.ID
}

func TestWebSocket_UploadAndParse(t *testing.T) {
	store := testutil.NewMockStorageWithTempDir(t.TempDir())
	conn := dialUploads(t, store)

	uploadID := uploadChunks(t, conn, "run.ld", "", testLog, 256)
	send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: uploadID, Parse: true})

	msg := readUntil(t, conn)
	require.Equal(t, MsgTypeComplete, msg.Type, string(msg.Payload))
	var resp WSCompleteResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &resp))
	require.NotNil(t, resp.FileInfo)
	assert.Equal(t, "run.ld", resp.FileInfo.Name)
	assert.Equal(t, models.FileTypeLD, resp.FileInfo.Type)
	require.NotNil(t, resp.Session)
	assert.Equal(t, models.SessionStatusComplete, resp.Session.Status)
	assert.Equal(t, 3, resp.Session.SampleCount)

	data, err := store.GetFileData(resp.FileInfo.ID)
	require.NoError(t, err)
	assert.Equal(t, testLog, data)
}

func TestWebSocket_GzipUpload(t *testing.T) {
	store := testutil.NewMockStorageWithTempDir(t.TempDir())
	conn := dialUploads(t, store)

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte(testWorkspace))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	uploadID := uploadChunks(t, conn, "setup.ldx", "gzip", compressed.Bytes(), 64)
	send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: uploadID})

	msg := readUntil(t, conn)
	require.Equal(t, MsgTypeComplete, msg.Type, string(msg.Payload))
	var resp WSCompleteResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &resp))
	assert.Equal(t, models.FileTypeLDX, resp.FileInfo.Type)
	assert.Nil(t, resp.Session)

	data, err := store.GetFileData(resp.FileInfo.ID)
	require.NoError(t, err)
	assert.Equal(t, testWorkspace, string(data))
}

func TestWebSocket_Errors(t *testing.T) {
	store := testutil.NewMockStorageWithTempDir(t.TempDir())
	conn := dialUploads(t, store)

	errorCode := func() string {
		msg := readMessage(t, conn)
		require.Equal(t, MsgTypeError, msg.Type)
		var resp WSErrorResponse
		require.NoError(t, json.Unmarshal(msg.Payload, &resp))
		return resp.Code
	}

	send(t, conn, "bogus", nil)
	assert.Equal(t, "INVALID_TYPE", errorCode())

	send(t, conn, MsgTypeUploadInit, UploadInitPayload{FileName: "a.ld", TotalChunks: 0})
	assert.Equal(t, "INVALID_PAYLOAD", errorCode())

	send(t, conn, MsgTypeUploadChunk, UploadChunkPayload{UploadID: "nope", Data: "AA=="})
	assert.Equal(t, "UPLOAD_NOT_FOUND", errorCode())

	send(t, conn, MsgTypeUploadInit, UploadInitPayload{FileName: "a.ld", TotalChunks: 2})
	ack := readMessage(t, conn)
	require.Equal(t, MsgTypeAck, ack.Type)

	send(t, conn, MsgTypeUploadChunk, UploadChunkPayload{UploadID: ack.ID, ChunkIndex: 5, Data: "AA=="})
	assert.Equal(t, "INVALID_PAYLOAD", errorCode())

	send(t, conn, MsgTypeUploadChunk, UploadChunkPayload{UploadID: ack.ID, ChunkIndex: 0, Data: "%%%"})
	assert.Equal(t, "INVALID_DATA", errorCode())

	send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: ack.ID})
	assert.Equal(t, "INCOMPLETE_UPLOAD", errorCode())

	send(t, conn, MsgTypePing, nil)
	assert.Equal(t, MsgTypePong, readMessage(t, conn).Type)
	assert.Equal(t, 0, store.GetFileCount())
}

func errorCodeOf(t *testing.T, msg WSMessage) string {
	t.Helper()
	require.Equal(t, MsgTypeError, msg.Type, string(msg.Payload))
	var resp WSErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &resp))
	return resp.Code
}

func TestWebSocket_RejectsDisallowedExtension(t *testing.T) {
	store := testutil.NewMockStorageWithTempDir(t.TempDir())
	conn := dialUploadsWith(t, store, WebSocketOptions{AllowedExts: []string{".ld", ".ldx"}})

	send(t, conn, MsgTypeUploadInit, UploadInitPayload{FileName: "evil.exe", TotalChunks: 1, TotalSize: 4})
	assert.Equal(t, "INVALID_FILE_TYPE", errorCodeOf(t, readMessage(t, conn)))

	// Extensions compare case-insensitively.
	uploadID := uploadChunks(t, conn, "RUN.LD", "", testLog, 512)
	send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: uploadID})
	assert.Equal(t, MsgTypeComplete, readUntil(t, conn).Type)
	assert.Equal(t, 1, store.GetFileCount())
}

func TestWebSocket_UploadSizeLimit(t *testing.T) {
	const limit = 4096

	t.Run("declared size over limit", func(t *testing.T) {
		store := testutil.NewMockStorageWithTempDir(t.TempDir())
		conn := dialUploadsWith(t, store, WebSocketOptions{MaxUploadSize: limit})

		send(t, conn, MsgTypeUploadInit, UploadInitPayload{FileName: "big.ld", TotalChunks: 1, TotalSize: limit + 1})
		assert.Equal(t, "FILE_TOO_LARGE", errorCodeOf(t, readMessage(t, conn)))
	})

	t.Run("chunks past limit", func(t *testing.T) {
		store := testutil.NewMockStorageWithTempDir(t.TempDir())
		conn := dialUploadsWith(t, store, WebSocketOptions{MaxUploadSize: limit})

		send(t, conn, MsgTypeUploadInit, UploadInitPayload{FileName: "big.ld", TotalChunks: 2})
		ack := readMessage(t, conn)
		require.Equal(t, MsgTypeAck, ack.Type)

		chunk := base64.StdEncoding.EncodeToString(make([]byte, limit/2+1))
		send(t, conn, MsgTypeUploadChunk, UploadChunkPayload{UploadID: ack.ID, ChunkIndex: 0, Data: chunk})
		require.Equal(t, MsgTypeProgress, readMessage(t, conn).Type)
		send(t, conn, MsgTypeUploadChunk, UploadChunkPayload{UploadID: ack.ID, ChunkIndex: 1, Data: chunk})
		assert.Equal(t, "FILE_TOO_LARGE", errorCodeOf(t, readMessage(t, conn)))

		// The upload is dropped once it goes over.
		send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: ack.ID})
		assert.Equal(t, "UPLOAD_NOT_FOUND", errorCodeOf(t, readMessage(t, conn)))
	})

	t.Run("gzip expanding past limit", func(t *testing.T) {
		store := testutil.NewMockStorageWithTempDir(t.TempDir())
		conn := dialUploadsWith(t, store, WebSocketOptions{MaxUploadSize: limit})

		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		_, err := zw.Write(make([]byte, 1<<20))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.Less(t, compressed.Len(), limit)

		uploadID := uploadChunks(t, conn, "bomb.ld", "gzip", compressed.Bytes(), 512)
		send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: uploadID})
		assert.Equal(t, "FILE_TOO_LARGE", errorCodeOf(t, readUntil(t, conn)))
		assert.Equal(t, 0, store.GetFileCount())
	})

	t.Run("within limit", func(t *testing.T) {
		store := testutil.NewMockStorageWithTempDir(t.TempDir())
		conn := dialUploadsWith(t, store, WebSocketOptions{MaxUploadSize: limit})

		uploadID := uploadChunks(t, conn, "run.ld", "", testLog, 256)
		send(t, conn, MsgTypeUploadComplete, UploadCompletePayload{UploadID: uploadID})
		assert.Equal(t, MsgTypeComplete, readUntil(t, conn).Type)
	})
}

func TestDecompressGzip_Limit(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := decompressGzip(compressed.Bytes(), 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out))

	_, err = decompressGzip(compressed.Bytes(), 9)
	assert.ErrorIs(t, err, storage.ErrFileTooLarge)

	out, err = decompressGzip(compressed.Bytes(), 0)
	require.NoError(t, err)
	assert.Len(t, out, 10)
}
