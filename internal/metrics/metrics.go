// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/taskdeck/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイやリゾルバーから利用する。
type MetricsCollector interface {
	RecordOperation(entity, op string, err error)
	RecordResolution(method, outcome string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordActivityEviction(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations      *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	activityEvicted prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskdeck_gateway_operations_total",
			Help: "ゲートウェイ操作の合計数（エンティティ・操作・結果別）",
		}, []string{"entity", "op", "result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskdeck_identity_resolutions_total",
			Help: "アイデンティティ解決の合計数（手段・結果別）",
		}, []string{"method", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskdeck_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskdeck_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		activityEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskdeck_activity_evicted_total",
			Help: "容量上限で追い出されたアクティビティレコードの合計数",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.resolutions,
		c.httpStatus,
		c.requestLatency,
		c.activityEvicted,
	)

	return c
}

// RecordOperation はゲートウェイ操作の結果を記録する。
func (c *Collector) RecordOperation(entity, op string, err error) {
	result := "ok"
	if err != nil {
		result = string(model.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	c.operations.WithLabelValues(entity, op, result).Inc()
}

// RecordResolution はアイデンティティ解決の結果を記録する。
func (c *Collector) RecordResolution(method, outcome string) {
	c.resolutions.WithLabelValues(method, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordActivityEviction は追い出されたアクティビティレコード数を記録する。
func (c *Collector) RecordActivityEviction(count int) {
	c.activityEvicted.Add(float64(count))
}

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
