// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// LMSクライアント、既読ストア、フィードコンポーザーから利用する。
type MetricsCollector interface {
	RecordFetchSuccess(source string)
	RecordFetchFailure(source string, reason string)
	RecordFetchLatency(source string, duration time.Duration)
	RecordStaleDiscard(stage string)
	RecordPersistenceFailure(op string)
	RecordMarkRead()
	SetUnreadCount(count int)
	SetFeedEntries(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess    *prometheus.CounterVec
	fetchFail       *prometheus.CounterVec
	fetchLatency    *prometheus.HistogramVec
	staleDiscard    *prometheus.CounterVec
	persistenceFail *prometheus.CounterVec
	markRead        prometheus.Counter
	unreadCount     prometheus.Gauge
	feedEntries     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursefeed_fetch_success_total",
			Help: "LMS APIフェッチ成功の合計数",
		}, []string{"source"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursefeed_fetch_fail_total",
			Help: "LMS APIフェッチ失敗の合計数",
		}, []string{"source"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursefeed_fetch_latency_seconds",
			Help:    "LMS APIフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		staleDiscard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursefeed_stale_discard_total",
			Help: "ユーザー切り替えにより破棄されたレスポンスの合計数",
		}, []string{"stage"}),
		persistenceFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursefeed_persistence_fail_total",
			Help: "既読ストア操作失敗の合計数",
		}, []string{"op"}),
		markRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coursefeed_mark_read_total",
			Help: "既読化操作の合計数",
		}),
		unreadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coursefeed_unread_count",
			Help: "現在のユーザーの未読カウンタ値",
		}),
		feedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coursefeed_feed_entries",
			Help: "直近に構成したフィードの件数",
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.fetchLatency,
		c.staleDiscard,
		c.persistenceFail,
		c.markRead,
		c.unreadCount,
		c.feedEntries,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(source string) {
	c.fetchSuccess.WithLabelValues(source).Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
// reasonはラベルにせずログ側で扱う（カーディナリティ対策）。
func (c *Collector) RecordFetchFailure(source string, reason string) {
	c.fetchFail.WithLabelValues(source).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(source string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordStaleDiscard は破棄した古いレスポンスを記録する。
func (c *Collector) RecordStaleDiscard(stage string) {
	c.staleDiscard.WithLabelValues(stage).Inc()
}

// RecordPersistenceFailure は既読ストアの操作失敗を記録する。
func (c *Collector) RecordPersistenceFailure(op string) {
	c.persistenceFail.WithLabelValues(op).Inc()
}

// RecordMarkRead は既読化操作を記録する。
func (c *Collector) RecordMarkRead() {
	c.markRead.Inc()
}

// SetUnreadCount は未読カウンタの現在値を設定する。
func (c *Collector) SetUnreadCount(count int) {
	c.unreadCount.Set(float64(count))
}

// SetFeedEntries はフィード件数を設定する。
func (c *Collector) SetFeedEntries(count int) {
	c.feedEntries.Set(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
