// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレーターとメディアパイプラインから利用する。
type MetricsCollector interface {
	RecordFetchOutcome(platform, outcome string)
	RecordCacheHit(platform string)
	RecordCacheMiss(platform string)
	RecordFetchLatency(platform string, duration time.Duration)
	RecordMediaDownload(outcome string)
	RecordImageAnalysis(cached bool)
	RecordLLMRequest(kind string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchOutcome  *prometheus.CounterVec
	cacheHit      *prometheus.CounterVec
	cacheMiss     *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	mediaDownload *prometheus.CounterVec
	imageAnalysis *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sociolens_fetch_outcome_total",
			Help: "プラットフォーム・結果別のフェッチ数（analyzed/skipped/rate_limited）",
		}, []string{"platform", "outcome"}),
		cacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sociolens_cache_hit_total",
			Help: "鮮度内キャッシュヒットの合計数",
		}, []string{"platform"}),
		cacheMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sociolens_cache_miss_total",
			Help: "キャッシュミス（新規/期限切れ）の合計数",
		}, []string{"platform"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sociolens_fetch_latency_seconds",
			Help:    "プラットフォームフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		mediaDownload: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sociolens_media_download_total",
			Help: "メディアダウンロードの結果別合計数（success/cached/failed）",
		}, []string{"outcome"}),
		imageAnalysis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sociolens_image_analysis_total",
			Help: "画像解析のキャッシュ利用別合計数",
		}, []string{"source"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sociolens_llm_latency_seconds",
			Help:    "LLMリクエストのレイテンシ（秒）",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.fetchOutcome,
		c.cacheHit,
		c.cacheMiss,
		c.fetchLatency,
		c.mediaDownload,
		c.imageAnalysis,
		c.llmLatency,
	)

	return c
}

// RecordFetchOutcome はターゲット1件のフェッチ結果を記録する。
func (c *Collector) RecordFetchOutcome(platform, outcome string) {
	c.fetchOutcome.WithLabelValues(platform, outcome).Inc()
}

// RecordCacheHit は鮮度内キャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(platform string) {
	c.cacheHit.WithLabelValues(platform).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(platform string) {
	c.cacheMiss.WithLabelValues(platform).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(platform string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordMediaDownload はメディアダウンロードの結果を記録する。
func (c *Collector) RecordMediaDownload(outcome string) {
	c.mediaDownload.WithLabelValues(outcome).Inc()
}

// RecordImageAnalysis は画像解析の実行元（cache/llm）を記録する。
func (c *Collector) RecordImageAnalysis(cached bool) {
	source := "llm"
	if cached {
		source = "cache"
	}
	c.imageAnalysis.WithLabelValues(source).Inc()
}

// RecordLLMRequest はLLMリクエストのレイテンシを種別付きで記録する。
func (c *Collector) RecordLLMRequest(kind string, duration time.Duration) {
	c.llmLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// NopCollector は何も記録しないMetricsCollector実装。
// メトリクス公開を持たないCLIモードで使用する。
type NopCollector struct{}

func (NopCollector) RecordFetchOutcome(platform, outcome string)               {}
func (NopCollector) RecordCacheHit(platform string)                            {}
func (NopCollector) RecordCacheMiss(platform string)                           {}
func (NopCollector) RecordFetchLatency(platform string, duration time.Duration) {}
func (NopCollector) RecordMediaDownload(outcome string)                        {}
func (NopCollector) RecordImageAnalysis(cached bool)                           {}
func (NopCollector) RecordLLMRequest(kind string, duration time.Duration)      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
