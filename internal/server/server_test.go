package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/internal/blob"
	"coedit/internal/engine"
	"coedit/internal/hub"
	"coedit/internal/ledger"
	"coedit/internal/session"
	"coedit/internal/sfdt"
)

// newTestServer wires a server over the in-memory stack and exposes it via
// httptest.
func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()

	logger := zap.NewNop()
	coordinator := ledger.NewMemoryCoordinator(time.Minute)
	blobs := blob.NewMemoryStore()
	fanout := hub.NewHub(logger)
	registry, err := session.NewRegistry(coordinator, fanout, 1, logger)
	require.NoError(t, err)
	eng := engine.New(coordinator, blobs, sfdt.NewJSONCodec(), fanout, registry,
		engine.DefaultOptions(), logger)

	srv := NewServer(":0", eng, registry, fanout, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

// postJSON posts a JSON body and returns status and raw response body.
func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) (int, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// createDocument provisions a fresh document through the API.
func createDocument(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	status, body := postJSON(t, ts, "/api/collab/CreateDocument", map[string]string{})
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		FileID string `json:"fileId"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.FileID)
	return resp.FileID
}
