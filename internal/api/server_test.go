package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/biostream/internal/config"
	"github.com/banshee-data/biostream/internal/db"
	"github.com/banshee-data/biostream/internal/pipeline"
	"github.com/banshee-data/biostream/internal/serialport"
)

func testFrame(seq byte) []byte {
	return []byte{0xC7, 0x7C, seq, 0x20, 0x00, 0x20, 0x00, 0x01}
}

// newTestServer builds a server whose port opener hands out a fresh mock
// port pre-loaded with a few valid frames.
func newTestServer(t *testing.T, database *db.DB) (*Server, *serialport.MockPort) {
	t.Helper()
	port := serialport.NewMockPort(testFrame(1), testFrame(2), testFrame(3))
	opener := func() (serialport.Porter, error) { return port, nil }
	s := NewServer(config.DefaultSensorConfig(), opener, "/dev/mock", database)
	t.Cleanup(func() {
		if session := s.session(); session != nil {
			session.Stop()
		}
	})
	return s, port
}

func postForm(t *testing.T, mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSessionStartStopFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)
	mux := s.ServeMux()

	// No session yet.
	w := get(t, mux, "/api/session/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"idle"}`, w.Body.String())

	w = postForm(t, mux, "/api/session/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.NotEmpty(t, started["session_id"])

	// A second start while running conflicts.
	w = postForm(t, mux, "/api/session/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postForm(t, mux, "/api/session/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counters pipeline.Counters
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counters))
	assert.Equal(t, started["session_id"], counters.SessionID)
}

func TestSessionEndpointsRequireSession(t *testing.T) {
	s, _ := newTestServer(t, nil)
	mux := s.ServeMux()

	assert.Equal(t, http.StatusNotFound, postForm(t, mux, "/api/session/stop", nil).Code)
	assert.Equal(t, http.StatusNotFound, postForm(t, mux, "/api/session/reset", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/stream/samples").Code)
	assert.Equal(t, http.StatusNotFound,
		postForm(t, mux, "/api/command", url.Values{"command": {"M1"}}).Code)
}

func TestSessionStartFailsWhenPortUnavailable(t *testing.T) {
	opener := func() (serialport.Porter, error) {
		return nil, assert.AnError
	}
	s := NewServer(config.DefaultSensorConfig(), opener, "/dev/mock", nil)

	w := postForm(t, s.ServeMux(), "/api/session/start", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCommandForwardedToPort(t *testing.T) {
	s, port := newTestServer(t, nil)
	mux := s.ServeMux()

	require.Equal(t, http.StatusOK, postForm(t, mux, "/api/session/start", nil).Code)

	w := postForm(t, mux, "/api/command", url.Values{"command": {"M1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "M1\n", string(port.Written()))

	assert.Equal(t, http.StatusBadRequest,
		postForm(t, mux, "/api/command", nil).Code)
}

func TestShowConfig(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := get(t, s.ServeMux(), "/api/config")
	require.Equal(t, http.StatusOK, w.Code)

	var cfg config.SensorConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	require.NotNil(t, cfg.SamplingRate)
	assert.Equal(t, 512, *cfg.SamplingRate)
}

func TestListSessions(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer database.Close()

	s, _ := newTestServer(t, database)
	mux := s.ServeMux()

	// Empty DB: an empty list, not null.
	w := get(t, mux, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	require.Equal(t, http.StatusOK, postForm(t, mux, "/api/session/start", nil).Code)
	require.Equal(t, http.StatusOK, postForm(t, mux, "/api/session/stop", nil).Code)

	w = get(t, mux, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []db.SessionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "/dev/mock", sessions[0].Port)

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/sessions?limit=bogus").Code)
}

func TestListSessionsWithoutDatabase(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := get(t, s.ServeMux(), "/api/sessions")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeStreamDeliversSSE(t *testing.T) {
	sink := pipeline.NewSink[int]()
	go func() {
		// The handler subscribes after it writes the headers; publishing
		// before that would be silently dropped.
		for sink.Subscribers() == 0 {
			time.Sleep(time.Millisecond)
		}
		sink.Publish(1)
		sink.Publish(2)
		sink.Close()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/stream/test", nil)
	w := httptest.NewRecorder()
	serveStream(w, req, sink)

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, ": ping\n\n"))
	assert.Contains(t, body, "data: 1\n\n")
	assert.Contains(t, body, "data: 2\n\n")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestServeStreamEndsWithClient(t *testing.T) {
	sink := pipeline.NewSink[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream/test", nil).WithContext(ctx)

	w := httptest.NewRecorder()
	serveStream(w, req, sink) // must return promptly, not hang
	assert.Equal(t, 0, sink.Subscribers())
}
