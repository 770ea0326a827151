package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/middleware"
)

// HealthChecker は依存先の疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string

	// ヘルスチェック（nilの場合は常に正常）
	HealthChecker HealthChecker

	// メトリクス（Gathererがnilの場合は/metricsを公開しない）
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer

	// フィード
	Composer FeedComposerInterface
	Counter  UnreadCounterInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(middleware.WriteNotFound)
	r.MethodNotAllowed(middleware.WriteMethodNotAllowed)

	feedHandler := NewFeedHandler(deps.Composer, deps.Counter, deps.Metrics, logger)

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Put("/session", feedHandler.StartSession)

		r.Route("/feed", func(r chi.Router) {
			r.Get("/", feedHandler.GetFeed)
			r.Post("/{id}/read", feedHandler.MarkRead)
		})

		r.Get("/unread", feedHandler.GetUnread)
		r.Put("/unread", feedHandler.SetUnread)
	})

	return r
}

// healthHandler は/healthのハンドラーを返す。
// 依存先に疎通できない場合は503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
