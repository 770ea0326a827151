package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/coursefeed/internal/composer"
	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/middleware"
	"github.com/hitoshi/coursefeed/internal/unread"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

func newTestRouter(c FeedComposerInterface, deps *RouterDeps) http.Handler {
	if deps == nil {
		deps = &RouterDeps{}
	}
	deps.CORSAllowedOrigin = "http://localhost:3000"
	deps.Composer = c
	if deps.Counter == nil {
		deps.Counter = unread.NewCounter(0)
	}
	return NewRouter(deps)
}

func TestNewRouter_Routes(t *testing.T) {
	c := &mockComposer{
		loadFn: func(ctx context.Context, userID string) (*composer.Snapshot, error) {
			return readySnapshot(), nil
		},
	}
	router := newTestRouter(c, nil)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodPut, "/api/session", `{"user_id":"u1"}`, http.StatusOK},
		{http.MethodGet, "/api/feed", "", http.StatusOK},
		{http.MethodPost, "/api/feed/a1/read", "", http.StatusOK},
		{http.MethodGet, "/api/unread", "", http.StatusOK},
		{http.MethodPut, "/api/unread", `{"count":3}`, http.StatusOK},
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
		{http.MethodDelete, "/api/feed", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = bytes.NewBufferString(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestNewRouter_AppliesMiddleware(t *testing.T) {
	router := newTestRouter(&mockComposer{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNewRouter_RecoversFromPanic(t *testing.T) {
	router := newTestRouter(&mockComposer{
		snapshotFn: func() composer.Snapshot { panic("boom") },
	}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feed", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestNewRouter_HealthUnavailable(t *testing.T) {
	router := newTestRouter(&mockComposer{}, &RouterDeps{
		HealthChecker: &mockHealthChecker{err: errors.New("connection refused")},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNewRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.SetUnreadCount(2)

	router := newTestRouter(&mockComposer{}, &RouterDeps{Metrics: collector, Gatherer: reg})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "coursefeed_unread_count 2") {
		t.Errorf("metrics output missing unread gauge:\n%s", w.Body.String())
	}
}

func TestNewRouter_NoMetricsWithoutGatherer(t *testing.T) {
	router := newTestRouter(&mockComposer{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// 実際のComposerを組み込んだ場合に既読操作がReady前に拒否されることを検証
func TestNewRouter_WithComposer_MarkReadBeforeLoad(t *testing.T) {
	counter := unread.NewCounter(3)
	c := composer.New(composer.Deps{Counter: counter})
	router := newTestRouter(c, &RouterDeps{Counter: counter})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/feed/a1/read", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if counter.Value() != 3 {
		t.Errorf("counter = %d, want 3", counter.Value())
	}
}

func TestNewRouter_UnknownRouteUsesUnifiedError(t *testing.T) {
	router := newTestRouter(&mockComposer{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", body["code"])
	}
}
