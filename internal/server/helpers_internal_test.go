package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/insightrecorder/recsync/internal/config"
	"github.com/insightrecorder/recsync/internal/dbtest"
	"github.com/insightrecorder/recsync/internal/sync"
)

type testServerOption func(*Server)

func withHandlerDelay(d time.Duration) testServerOption {
	return func(s *Server) { s.handlerDelay = d }
}

// testServer creates a Server for internal tests with the given
// write timeout.
func testServer(t *testing.T, writeTimeout time.Duration) *Server {
	return testServerOpts(t, writeTimeout)
}

func testServerOpts(
	t *testing.T, writeTimeout time.Duration,
	opts ...testServerOption,
) *Server {
	t.Helper()
	database := dbtest.OpenTestDB(t)
	cfg := config.Config{
		Host:         "127.0.0.1",
		DataDir:      t.TempDir(),
		WriteTimeout: writeTimeout,
		Sync:         config.DefaultSyncSettings(),
	}
	engine := sync.NewEngine(database,
		func() config.SyncSettings { return cfg.Sync })
	s := New(cfg, database, engine)
	for _, opt := range opts {
		opt(s)
	}
	// Routes capture handlerDelay when they are built.
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// assertTimeoutResponse checks for a 503 with a JSON timeout body.
func assertTimeoutResponse(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d",
			resp.StatusCode, http.StatusServiceUnavailable)
	}
	if !isTimeoutResponse(t, resp) {
		t.Errorf("body is not a JSON timeout error")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// isTimeoutResponse reports whether resp is a 503 JSON timeout.
func isTimeoutResponse(t *testing.T, resp *http.Response) bool {
	t.Helper()
	if resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	body, _ := io.ReadAll(resp.Body)
	var je jsonError
	if json.Unmarshal(body, &je) != nil {
		return false
	}
	return je.Error == "request timed out"
}

// newTestContext returns a recorder and request for lightweight
// handler tests. Pass an empty query for no query string.
func newTestContext(
	t *testing.T, query string,
) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	target := "/test"
	if query != "" {
		target += "?" + query
	}
	return httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, target, nil)
}

func assertRecorderStatus(
	t *testing.T, w *httptest.ResponseRecorder, code int,
) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected status %d, got %d: %s",
			code, w.Code, w.Body.String())
	}
}
