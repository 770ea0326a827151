package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/hitoshi/coursefeed/internal/composer"
	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/middleware"
	"github.com/hitoshi/coursefeed/internal/model"
)

// maxRequestBodySize はリクエストボディの上限（バイト）。
const maxRequestBodySize = 64 << 10

// FeedComposerInterface はフィードハンドラーが必要とするコンポーザーのインターフェース。
type FeedComposerInterface interface {
	// Load はユーザーのフィードを組み立てて最終状態を返す。
	Load(ctx context.Context, userID string) (*composer.Snapshot, error)
	// MarkRead はお知らせを既読にする。
	MarkRead(ctx context.Context, announcementID string) error
	// Snapshot は現在の状態を返す。
	Snapshot() composer.Snapshot
}

// UnreadCounterInterface は未読カウンタの読み書きインターフェース。
type UnreadCounterInterface interface {
	Value() int
	Set(n int)
}

// FeedHandler はお知らせフィードのHTTPハンドラー。
type FeedHandler struct {
	composer FeedComposerInterface
	counter  UnreadCounterInterface
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewFeedHandler はFeedHandlerを生成する。
// metricsはnil可。
func NewFeedHandler(c FeedComposerInterface, counter UnreadCounterInterface, m metrics.MetricsCollector, logger *slog.Logger) *FeedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedHandler{
		composer: c,
		counter:  counter,
		metrics:  m,
		logger:   logger,
	}
}

// startSessionRequest はセッション開始リクエストのボディ。
type startSessionRequest struct {
	UserID string `json:"user_id"`
}

// setUnreadRequest は未読カウンタ設定リクエストのボディ。
type setUnreadRequest struct {
	Count *int `json:"count"`
}

// unreadResponse は未読カウンタのAPIレスポンス。
type unreadResponse struct {
	Count int `json:"count"`
}

// courseResponse はコース情報のAPIレスポンス。
type courseResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EntryResponse はフィード1件のAPIレスポンス。
type EntryResponse struct {
	ID        string          `json:"id"`
	CourseID  string          `json:"course_id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Preview   string          `json:"preview"`
	CreatedAt *time.Time      `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Course    *courseResponse `json:"course"`
	IsRead    bool            `json:"is_read"`
}

// SnapshotResponse はフィード状態のAPIレスポンス。
type SnapshotResponse struct {
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Phase     string          `json:"phase"`
	Entries   []EntryResponse `json:"entries"`
	Unread    int             `json:"unread"`
}

// StartSession はユーザーのフィードを読み込む。
// PUT /api/session
func (h *FeedHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディの解析に失敗しました"))
		return
	}

	snap, err := h.composer.Load(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NewSnapshotResponse(*snap))
}

// GetFeed は現在のフィード状態を返す。
// GET /api/feed
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewSnapshotResponse(h.composer.Snapshot()))
}

// MarkRead はお知らせを既読にし、更新後の未読数を返す。
// POST /api/feed/:id/read
func (h *FeedHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("お知らせIDが空です"))
		return
	}

	if err := h.composer.MarkRead(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, unreadResponse{Count: h.counter.Value()})
}

// GetUnread は未読カウンタの現在値を返す。
// GET /api/unread
func (h *FeedHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, unreadResponse{Count: h.counter.Value()})
}

// SetUnread は未読カウンタを外部から設定する。負の値は0として扱う。
// PUT /api/unread
func (h *FeedHandler) SetUnread(w http.ResponseWriter, r *http.Request) {
	var req setUnreadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディの解析に失敗しました"))
		return
	}
	if req.Count == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("countが指定されていません"))
		return
	}

	h.counter.Set(*req.Count)
	value := h.counter.Value()
	if h.metrics != nil {
		h.metrics.SetUnreadCount(value)
	}

	h.logger.Info("未読カウンタを設定しました", slog.Int("count", value))
	writeJSON(w, http.StatusOK, unreadResponse{Count: value})
}

// NewSnapshotResponse はcomposer.SnapshotからAPIレスポンスに変換する。
func NewSnapshotResponse(snap composer.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		Phase:     string(snap.Phase),
		Entries:   lo.Map(snap.Entries, func(e model.FeedEntry, _ int) EntryResponse { return toEntryResponse(e) }),
		Unread:    snap.Unread,
	}
}

// --- ヘルパー関数 ---

func toEntryResponse(e model.FeedEntry) EntryResponse {
	a := e.Announcement
	resp := EntryResponse{
		ID:        a.ID,
		CourseID:  a.CourseID,
		Title:     a.Title,
		Message:   a.Message,
		Preview:   a.Preview,
		CreatedAt: timeOrNil(a.CreatedAt),
		ExpiresAt: timeOrNil(a.ExpiresAt),
		IsRead:    e.IsRead,
	}
	if e.Course != nil {
		resp.Course = &courseResponse{ID: e.Course.ID, Title: e.Course.Title}
	}
	return resp
}

// timeOrNil はゼロ時刻をnullとして出力するためにnilを返す。
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はコンポーザーから返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, composer.ErrStaleSession):
		err = model.NewStaleSessionError()
	case errors.Is(err, composer.ErrNotReady):
		err = model.NewFeedNotReadyError()
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeFeedNotReady, model.ErrCodeStaleSession:
		return http.StatusConflict
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
