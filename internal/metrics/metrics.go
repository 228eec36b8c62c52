// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 割り当て結果のラベル値
const (
	OutcomeAssigned = "assigned" // 作業量比較で選ばれたスタッフに割り当てた
	OutcomeFallback = "fallback" // 比較に失敗し先頭のスタッフに割り当てた
	OutcomeSkipped  = "skipped"  // 予約またはスタッフが存在せず何もしなかった
	OutcomeFailed   = "failed"   // 予約の更新に失敗した
)

// MetricsCollector はメトリクス収集のインターフェース。
// 割り当て処理、通知レジストリ、HTTP層から利用する。
type MetricsCollector interface {
	RecordAssignment(outcome string)
	RecordAssignmentLatency(duration time.Duration)
	RecordNotification(kind string, delivered int)
	ConnectionOpened()
	ConnectionClosed()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	assignments       *prometheus.CounterVec
	assignmentLatency prometheus.Histogram
	notifications     *prometheus.CounterVec
	delivered         prometheus.Counter
	connections       prometheus.Gauge
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleanbook_assignments_total",
			Help: "結果別のスタッフ自動割り当て数",
		}, []string{"outcome"}),
		assignmentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cleanbook_assignment_duration_seconds",
			Help:    "スタッフ自動割り当て1件あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleanbook_notifications_total",
			Help: "種類別のリアルタイム通知送信要求数",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cleanbook_notifications_delivered_total",
			Help: "接続へ書き込まれた通知の合計数",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cleanbook_ws_connections",
			Help: "現在登録されているリアルタイム接続数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleanbook_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.assignments,
		c.assignmentLatency,
		c.notifications,
		c.delivered,
		c.connections,
		c.httpStatus,
	)

	return c
}

// RecordAssignment は割り当て結果を記録する。
func (c *Collector) RecordAssignment(outcome string) {
	c.assignments.WithLabelValues(outcome).Inc()
}

// RecordAssignmentLatency は割り当て処理時間を記録する。
func (c *Collector) RecordAssignmentLatency(duration time.Duration) {
	c.assignmentLatency.Observe(duration.Seconds())
}

// RecordNotification は通知の送信要求と実際に書き込めた接続数を記録する。
func (c *Collector) RecordNotification(kind string, delivered int) {
	c.notifications.WithLabelValues(kind).Inc()
	c.delivered.Add(float64(delivered))
}

// ConnectionOpened は接続数を1増やす。
func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

// ConnectionClosed は接続数を1減らす。
func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス不要な構成で使う。
type Nop struct{}

func (Nop) RecordAssignment(string) {}
func (Nop) RecordAssignmentLatency(time.Duration) {}
func (Nop) RecordNotification(string, int) {}
func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed() {}
func (Nop) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
