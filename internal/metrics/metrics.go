// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 接続フローのオーケストレーションとプロバイダー層から利用する。
type MetricsCollector interface {
	RecordHandshakeStarted(providerID, purpose string)
	RecordHandshakeFinished(providerID, purpose, outcome string)
	RecordExchangeLatency(providerID string, duration time.Duration)
	RecordConnectionAdded(providerID string)
	RecordConnectionRemoved(providerID string)
	RecordRefresh(providerID string, err error)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	handshakeStarted  *prometheus.CounterVec
	handshakeFinished *prometheus.CounterVec
	exchangeLatency   *prometheus.HistogramVec
	connectionsAdded  *prometheus.CounterVec
	connectionsRemove *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		handshakeStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectbroker_handshake_started_total",
			Help: "開始したOAuthハンドシェイクの合計数",
		}, []string{"provider", "purpose"}),
		handshakeFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectbroker_handshake_finished_total",
			Help: "結果別の終了したOAuthハンドシェイクの合計数",
		}, []string{"provider", "purpose", "outcome"}),
		exchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connectbroker_token_exchange_latency_seconds",
			Help:    "トークン交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		connectionsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectbroker_connections_added_total",
			Help: "追加されたコネクションの合計数",
		}, []string{"provider"}),
		connectionsRemove: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectbroker_connections_removed_total",
			Help: "削除操作の合計数",
		}, []string{"provider"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectbroker_token_refresh_total",
			Help: "結果別のアクセストークン更新の合計数",
		}, []string{"provider", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connectbroker_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.handshakeStarted,
		c.handshakeFinished,
		c.exchangeLatency,
		c.connectionsAdded,
		c.connectionsRemove,
		c.refreshes,
		c.httpStatus,
	)

	return c
}

// RecordHandshakeStarted はハンドシェイク開始を記録する。
func (c *Collector) RecordHandshakeStarted(providerID, purpose string) {
	c.handshakeStarted.WithLabelValues(providerID, purpose).Inc()
}

// RecordHandshakeFinished はハンドシェイクの結果を記録する。
func (c *Collector) RecordHandshakeFinished(providerID, purpose, outcome string) {
	c.handshakeFinished.WithLabelValues(providerID, purpose, outcome).Inc()
}

// RecordExchangeLatency はトークン交換のレイテンシを記録する。
func (c *Collector) RecordExchangeLatency(providerID string, duration time.Duration) {
	c.exchangeLatency.WithLabelValues(providerID).Observe(duration.Seconds())
}

// RecordConnectionAdded はコネクション追加を記録する。
func (c *Collector) RecordConnectionAdded(providerID string) {
	c.connectionsAdded.WithLabelValues(providerID).Inc()
}

// RecordConnectionRemoved はコネクション削除を記録する。
func (c *Collector) RecordConnectionRemoved(providerID string) {
	c.connectionsRemove.WithLabelValues(providerID).Inc()
}

// RecordRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordRefresh(providerID string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.refreshes.WithLabelValues(providerID, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordHandshakeStarted(string, string)         {}
func (NopCollector) RecordHandshakeFinished(string, string, string) {}
func (NopCollector) RecordExchangeLatency(string, time.Duration)    {}
func (NopCollector) RecordConnectionAdded(string)                   {}
func (NopCollector) RecordConnectionRemoved(string)                 {}
func (NopCollector) RecordRefresh(string, error)                    {}
func (NopCollector) RecordHTTPStatus(int)                           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
