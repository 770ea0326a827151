package lms

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// --- 共通テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu        sync.Mutex
	successes []string
	failures  []string // source:reason
	latencies []string
}

func (m *mockMetrics) RecordFetchSuccess(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, source)
}
func (m *mockMetrics) RecordFetchFailure(source string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, source+":"+reason)
}
func (m *mockMetrics) RecordFetchLatency(source string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, source)
}
func (m *mockMetrics) RecordStaleDiscard(stage string) {}
func (m *mockMetrics) RecordPersistenceFailure(op string) {}
func (m *mockMetrics) RecordMarkRead() {}
func (m *mockMetrics) SetUnreadCount(count int) {}
func (m *mockMetrics) SetFeedEntries(count int) {}

// newTestClient はhttptestサーバーに向けたClientを生成する。
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *mockMetrics, *bytes.Buffer) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	m := &mockMetrics{}
	c := NewClient(ClientOptions{
		BaseURL:    server.URL + "/api/v1/",
		HTTPClient: server.Client(),
	}, newTestLogger(&buf), m)
	return c, m, &buf
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func mustContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
