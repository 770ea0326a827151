package lms

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/coursefeed/internal/model"
)

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientOptions{BaseURL: "http://lms.example.com/api/"}, nil, nil)

	if c.baseURL != "http://lms.example.com/api" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient == nil || c.httpClient.Timeout != defaultTimeout {
		t.Errorf("httpClient timeout = %v, want %v", c.httpClient.Timeout, defaultTimeout)
	}
	if c.maxBodySize != defaultMaxBodySize {
		t.Errorf("maxBodySize = %d, want %d", c.maxBodySize, defaultMaxBodySize)
	}
	if c.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestClient_Get_SetsHeadersAndPath(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/v1/courses" {
			t.Errorf("path = %s, want /api/v1/courses", r.URL.Path)
		}
		if got := r.Header.Get("User-Agent"); got != "Coursefeed/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		writeJSON(w, `[]`)
	})

	resp, err := c.get(mustContext(t), "courses", "courses", nil, acceptJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.body) != "[]" {
		t.Errorf("body = %q", resp.body)
	}
	if resp.contentType != "application/json" {
		t.Errorf("contentType = %q", resp.contentType)
	}
}

func TestClient_Get_NonOKStatusIsTransportError(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.get(mustContext(t), "courses", "courses", nil, acceptJSON)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, model.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
	var te *model.TransportError
	if !errors.As(err, &te) || te.Reason != "status" || te.Source != "courses" {
		t.Errorf("unexpected TransportError: %+v", te)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status, got %v", err)
	}
}

func TestClient_Get_BodyTooLarge(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `[`+strings.Repeat(`"x",`, 100)+`"x"]`)
	})
	c.maxBodySize = 64

	_, err := c.get(mustContext(t), "courses", "courses", nil, acceptJSON)
	var te *model.TransportError
	if !errors.As(err, &te) || te.Reason != "too_large" {
		t.Fatalf("expected too_large TransportError, got %v", err)
	}
}

func TestClient_Get_CanceledContext(t *testing.T) {
	called := false
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeJSON(w, `[]`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.get(ctx, "courses", "courses", nil, acceptJSON)
	var te *model.TransportError
	if !errors.As(err, &te) || te.Reason != "canceled" {
		t.Fatalf("expected canceled TransportError, got %v", err)
	}
	if called {
		t.Error("server should not be called with a canceled context")
	}
}

func TestClient_Observe_RecordsReason(t *testing.T) {
	m := &mockMetrics{}
	c := NewClient(ClientOptions{BaseURL: "http://lms.example.com"}, nil, m)

	c.observe("courses", time.Now(), nil)
	c.observe("courses", time.Now(), &model.TransportError{Source: "courses", Reason: "decode", Err: errors.New("bad")})
	c.observe("courses", time.Now(), errors.New("plain"))

	if len(m.successes) != 1 || m.successes[0] != "courses" {
		t.Errorf("successes = %v", m.successes)
	}
	want := []string{"courses:decode", "courses:unknown"}
	if len(m.failures) != 2 || m.failures[0] != want[0] || m.failures[1] != want[1] {
		t.Errorf("failures = %v, want %v", m.failures, want)
	}
	if len(m.latencies) != 3 {
		t.Errorf("latencies recorded = %d, want 3", len(m.latencies))
	}
}

// metricsがnilでもobserveがパニックしないことを検証
func TestClient_Observe_NilMetrics(t *testing.T) {
	c := NewClient(ClientOptions{BaseURL: "http://lms.example.com"}, nil, nil)
	c.observe("courses", time.Now(), errors.New("x"))
}

// 呼び出し元のキャンセルによる中断は失敗として記録されないことを検証
func TestEnrollmentResolver_Resolve_CanceledIsNotFailure(t *testing.T) {
	c, m, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `[]`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := NewEnrollmentResolver(c).Resolve(ctx, "u1")

	if got == nil || len(got) != 0 {
		t.Errorf("Resolve = %v, want empty", got)
	}
	if len(m.failures) != 0 {
		t.Errorf("failures = %v, want none", m.failures)
	}
	if strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Errorf("canceled fetch should not be logged at Warn: %s", logs.String())
	}
}

// 応答待ちの途中でキャンセルされた場合も失敗として記録されないことを検証
func TestCourseCatalog_ListAll_CanceledInFlightIsNotFailure(t *testing.T) {
	release := make(chan struct{})
	c, m, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		writeJSON(w, `[]`)
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	got := NewCourseCatalog(c).ListAll(ctx)

	if len(got) != 0 {
		t.Errorf("ListAll = %v, want empty", got)
	}
	if len(m.failures) != 0 {
		t.Errorf("failures = %v, want none", m.failures)
	}
	if strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Errorf("canceled fetch should not be logged at Warn: %s", logs.String())
	}
}

func TestClient_LogFallback_Levels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
		wantText  string
	}{
		{
			name:      "transport failure",
			err:       &model.TransportError{Source: "courses", Reason: "status", Err: errors.New("503")},
			wantLevel: `"level":"WARN"`,
			wantText:  `"reason":"status"`,
		},
		{
			name:      "unexpected error",
			err:       errors.New("boom"),
			wantLevel: `"level":"ERROR"`,
			wantText:  `"source":"courses"`,
		},
		{
			name:      "canceled",
			err:       &model.TransportError{Source: "courses", Reason: "canceled", Err: context.Canceled},
			wantLevel: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := NewClient(ClientOptions{BaseURL: "http://lms.example.com"}, newTestLogger(&buf), nil)

			c.logFallback("courses", tt.err)

			if tt.wantLevel == "" {
				if buf.Len() != 0 {
					t.Errorf("expected nothing at Info or above, got %s", buf.String())
				}
				return
			}
			if !strings.Contains(buf.String(), tt.wantLevel) || !strings.Contains(buf.String(), tt.wantText) {
				t.Errorf("log = %s, want %s and %s", buf.String(), tt.wantLevel, tt.wantText)
			}
		})
	}
}
