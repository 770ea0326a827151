// Package lms はLMS API（受講登録・コースカタログ・お知らせ）のクライアントを提供する。
//
// 各コラボレータ（EnrollmentResolver, CourseCatalog, AnnouncementRepository）は
// 低レベルのFetch系メソッドで型付きエラー(model.TransportError)を返し、
// 公開操作(Resolve, ListAll)の境界で一度だけ空結果へのフォールバックを判断する。
package lms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/model"
)

const (
	userAgent = "Coursefeed/1.0"

	acceptJSON = "application/json"

	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 5 << 20
)

// ClientOptions はClientの生成オプション。
type ClientOptions struct {
	BaseURL     string
	HTTPClient  *http.Client // nilの場合はタイムアウト付きの標準クライアント
	Rate        float64      // 1秒あたりのリクエスト数。0以下は無制限
	Burst       int
	MaxBodySize int64
}

// Client はLMS APIへのGETリクエストを発行する共通クライアント。
// 全コラボレータで1つのレートリミッタを共有する。
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxBodySize int64
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// response はLMS APIのレスポンスボディとContent-Type。
type response struct {
	body        []byte
	contentType string
}

// NewClient はClientを生成する。metricsはnilでもよい。
func NewClient(opts ClientOptions, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	maxBodySize := opts.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		maxBodySize: maxBodySize,
		logger:      logger,
		metrics:     m,
	}
}

// get はbaseURL配下のpathにGETリクエストを発行する。
// 失敗時は常に*model.TransportErrorを返す。
func (c *Client) get(ctx context.Context, source, path string, query url.Values, accept string) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &model.TransportError{Source: source, Reason: "canceled", Err: err}
	}

	reqURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &model.TransportError{Source: source, Reason: "network", Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		reason := "network"
		if errors.Is(err, context.Canceled) {
			reason = "canceled"
		}
		return nil, &model.TransportError{Source: source, Reason: reason, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// コネクション再利用のためボディを読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &model.TransportError{
			Source: source,
			Reason: "status",
			Err:    fmt.Errorf("LMS APIがステータス %d を返しました", resp.StatusCode),
		}
	}

	// 上限+1バイトまで読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, &model.TransportError{Source: source, Reason: "network", Err: fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)}
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, &model.TransportError{
			Source: source,
			Reason: "too_large",
			Err:    fmt.Errorf("レスポンスサイズが上限 %d バイトを超えています", c.maxBodySize),
		}
	}

	return &response{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

// observe はフェッチ結果をメトリクスに記録する。
func (c *Client) observe(source string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordFetchLatency(source, time.Since(start))
	if err == nil {
		c.metrics.RecordFetchSuccess(source)
		return
	}
	if isCanceled(err) {
		return
	}
	reason := "unknown"
	var te *model.TransportError
	if errors.As(err, &te) && te.Reason != "" {
		reason = te.Reason
	}
	c.metrics.RecordFetchFailure(source, reason)
}

// logFallback はフェッチ失敗を空結果へフォールバックしたことをログに記録する。
// 呼び出し元のキャンセルによる中断は失敗ではないためDebugで記録する。
func (c *Client) logFallback(source string, err error, attrs ...slog.Attr) {
	args := []any{
		slog.String("source", source),
		slog.String("error", err.Error()),
	}
	for _, a := range attrs {
		args = append(args, a)
	}

	switch {
	case isCanceled(err):
		c.logger.Debug("LMS APIの取得が中断されました", args...)
	case errors.Is(err, model.ErrTransport):
		var te *model.TransportError
		if errors.As(err, &te) && te.Reason != "" {
			args = append(args, slog.String("reason", te.Reason))
		}
		c.logger.Warn("LMS APIの取得に失敗しました。空の結果として扱います", args...)
	default:
		c.logger.Error("LMS APIの取得で予期しないエラーが発生しました。空の結果として扱います", args...)
	}
}

// isCanceled は呼び出し元のコンテキストがキャンセルされたことによる失敗かを返す。
// タイムアウト(DeadlineExceeded)は通信失敗として扱う。
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func decodeError(source string, err error) error {
	return &model.TransportError{Source: source, Reason: "decode", Err: err}
}
