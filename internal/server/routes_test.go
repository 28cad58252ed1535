package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

type fakeSystem struct {
	readyErr error
}

func (f fakeSystem) Ready(context.Context) error { return f.readyErr }

func (f fakeSystem) Stats() map[string]any { return map[string]any{"pool": map[string]int{"active_connections": 2}} }

func (f fakeSystem) ConnectionCount() int { return 2 }

func newTestEngine(sys fakeSystem, metrics bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(true, Dependencies{System: sys, Logger: Logger.Nop(), MetricsEnabled: metrics})
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	r := newTestEngine(fakeSystem{}, false)

	if w := serve(r, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/ready")
	if w.Code != http.StatusOK {
		t.Fatalf("/ready = %d", w.Code)
	}
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" || body.Connections != 2 {
		t.Errorf("ready body = %+v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestReadyFailsWhenDependencyDown(t *testing.T) {
	r := newTestEngine(fakeSystem{readyErr: errors.New("redis down")}, false)
	w := serve(r, http.MethodGet, "/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready = %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	w := serve(newTestEngine(fakeSystem{}, false), http.MethodGet, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("/stats = %d", w.Code)
	}
	var body struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body.Data["pool"]; !ok {
		t.Errorf("stats body = %s", w.Body.String())
	}
}

func TestMetricsRouteOnlyWhenEnabled(t *testing.T) {
	if w := serve(newTestEngine(fakeSystem{}, false), http.MethodGet, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("/metrics disabled = %d", w.Code)
	}
	if w := serve(newTestEngine(fakeSystem{}, true), http.MethodGet, "/metrics"); w.Code != http.StatusOK {
		t.Errorf("/metrics enabled = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(newTestEngine(fakeSystem{}, false), http.MethodOptions, "/health")
	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS = %d", w.Code)
	}
}
