package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceHandler_HandleParseWorkspace(t *testing.T) {
	handler := NewWorkspaceHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/workspace/parse", bytes.NewBufferString(testWorkspace))
	c, rec := newContext(req)
	require.NoError(t, handler.HandleParseWorkspace(c))

	var ws models.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Equal(t, "Test", ws.WorkspaceName)
	require.Len(t, ws.Channels, 2)
	assert.Equal(t, "RPM / Speed", models.StringValue(ws.Channels[0].Math))

	tests := []struct {
		name string
		body []byte
		code string
	}{
		{"malformed", []byte(`<Workspace><Channels>`), "XML_PARSE"},
		{"invalid utf-8", []byte("<Workspace Name=\"\xff\"/>"), "UTF8_DECODE"},
		{"channel without name", []byte(`<Workspace><Channels><Channel/></Channels></Workspace>`), "MISSING_FIELD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(tt.body)))
			assertAPIError(t, handler.HandleParseWorkspace(c), http.StatusUnprocessableEntity, tt.code)
		})
	}
}

func TestWorkspaceHandler_HandleSerializeWorkspace(t *testing.T) {
	handler := NewWorkspaceHandler()

	body := `{"workspace_name":"","car_name":"Car 7","channels":[{"name":"Oil & Water","units":"C"}]}`
	c, rec := newContext(jsonRequest(http.MethodPost, "/api/workspace/serialize", body))
	require.NoError(t, handler.HandleSerializeWorkspace(c))
	assert.Equal(t, echo.MIMEApplicationXMLCharsetUTF8, rec.Header().Get(echo.HeaderContentType))

	ws, err := parser.ParseLDX(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, models.DefaultWorkspaceName, ws.WorkspaceName)
	assert.Equal(t, "Car 7", models.StringValue(ws.CarName))
	require.Len(t, ws.Channels, 1)
	assert.Equal(t, "Oil & Water", ws.Channels[0].Name)

	c, _ = newContext(jsonRequest(http.MethodPost, "/", `{"channels":[{"name":"bad\u0001name"}]}`))
	assertAPIError(t, handler.HandleSerializeWorkspace(c), http.StatusUnprocessableEntity, "XML_PARSE")

	c, _ = newContext(jsonRequest(http.MethodPost, "/", `{"channels":`))
	assertAPIError(t, handler.HandleSerializeWorkspace(c), http.StatusBadRequest, "BAD_REQUEST")
}
