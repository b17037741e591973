package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/ingestion/producer"
	"github.com/zsiec/cadence/internal/ingestion/registry"
)

func setupHandlers(t *testing.T, reg registry.Registry) (*Manager, *mux.Router) {
	t.Helper()
	m := newTestManager(t, testIngestionConfig(t), reg)
	require.NoError(t, m.Start(context.Background()))

	log := logrus.New()
	log.SetOutput(io.Discard)
	router := mux.NewRouter()
	NewHandlers(m, errors.NewErrorHandler(log), nil).RegisterRoutes(router)
	return m, router
}

func doRequest(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_SessionCRUD(t *testing.T) {
	_, router := setupHandlers(t, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions",
		[]byte(`{"id":"cam1","resource":"rtsp://example/cam1","overrides":{"output_fps":30}}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/sessions/cam1", rec.Header().Get("Location"))

	var created producer.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "cam1", created.ID)
	assert.Equal(t, 30.0, created.OutputFPS)
	assert.Equal(t, producer.Type, created.Type)

	rec = doRequest(router, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "cam1", list.Sessions[0].ID)

	rec = doRequest(router, http.MethodGet, "/api/v1/sessions/cam1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/v1/sessions", []byte(`{"id":"cam1","resource":"rtsp://example/cam1"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(router, http.MethodDelete, "/api/v1/sessions/cam1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/v1/sessions/cam1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodDelete, "/api/v1/sessions/cam1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_CreateSessionBadRequest(t *testing.T) {
	_, router := setupHandlers(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"resource":`},
		{"unknown field", `{"resource":"udp://h:1","extra":true}`},
		{"bad resource", `{"resource":"relative/path"}`},
		{"bad override", `{"resource":"udp://h:1","overrides":{"width":-1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodPost, "/api/v1/sessions", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, errors.ErrorTypeValidation, resp.Error.Type)
		})
	}
}

func TestHandlers_Frame(t *testing.T) {
	m, router := setupHandlers(t, nil)
	_, err := m.CreateSession(context.Background(), SessionRequest{ID: "cam1", Resource: "udp://h:1"})
	require.NoError(t, err)

	rec := doRequest(router, http.MethodGet, "/api/v1/sessions/cam1/frame", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var frame FrameDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frame))
	assert.Equal(t, "cam1", frame.SessionID)
	assert.True(t, frame.Empty, "nothing received yet")

	rec = doRequest(router, http.MethodGet, "/api/v1/sessions/cam1/frame.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no picture yet")

	rec = doRequest(router, http.MethodGet, "/api/v1/sessions/missing/frame", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_RegistryAndStats(t *testing.T) {
	reg := registry.NewMemory()
	m, router := setupHandlers(t, reg)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, SessionRequest{ID: "local", Resource: "udp://h:1"})
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, &registry.Record{ID: "remote", Node: "node-b", Status: registry.StatusWorking}))

	require.Eventually(t, func() bool {
		_, err := reg.Get(ctx, "local")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	rec := doRequest(router, http.MethodGet, "/api/v1/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RegistryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "local", resp.Records[0].ID)
	assert.Equal(t, "node-a", resp.Records[0].Node)
	assert.Equal(t, "node-b", resp.Records[1].Node)
	assert.False(t, resp.Records[1].Stale)

	rec = doRequest(router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "node-a", st.Node)
	assert.Equal(t, 1, st.Sessions)
}

func TestHandlers_RegistryUnavailable(t *testing.T) {
	reg := registry.NewMemory()
	_, router := setupHandlers(t, reg)
	require.NoError(t, reg.Close())

	rec := doRequest(router, http.MethodGet, "/api/v1/registry", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
