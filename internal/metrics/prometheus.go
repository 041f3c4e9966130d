// Package metrics реализует экспорт метрик приема телеметрии в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"telemetry-ingest/internal/analytics"
)

// Prometheus метрики
var (
	// DatagramsReceived количество принятых датаграмм
	DatagramsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_datagrams_received_total",
			Help: "Total number of datagrams read from the intake socket",
		},
	)

	// DecodeErrors отброшенные датаграммы по классу ошибки
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_decode_errors_total",
			Help: "Datagrams discarded by the wire codec",
		},
		[]string{"kind"},
	)

	// ReadingsProcessed обогащенные показания по типу
	ReadingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_readings_processed_total",
			Help: "Readings enriched by the processor",
		},
		[]string{"type"},
	)

	// AlertsRaised сработавшие теги
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_alerts_raised_total",
			Help: "Alert tags raised by the evaluator",
		},
		[]string{"type", "alert"},
	)

	// StoreErrors ошибки записи в хранилище
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_store_errors_total",
			Help: "Failed persistence operations",
		},
		[]string{"op", "kind"},
	)

	// PublishErrors ошибки публикации по приемнику
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_publish_errors_total",
			Help: "Failed publications per sink",
		},
		[]string{"sink", "kind"},
	)

	// CacheErrors ошибки записи в Redis
	CacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_cache_errors_total",
			Help: "Failed latest-reading cache updates",
		},
	)

	// RollingAverage текущее скользящее среднее по типу
	RollingAverage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_rolling_average",
			Help: "Current rolling average per sensor type",
		},
		[]string{"type"},
	)

	// RollingStdDev разброс значений в окне по типу
	RollingStdDev = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_rolling_stddev",
			Help: "Sample standard deviation of the rolling window per sensor type",
		},
		[]string{"type"},
	)

	// WindowFill заполненность окна по типу
	WindowFill = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_window_values",
			Help: "Number of values currently held in the rolling window",
		},
		[]string{"type"},
	)

	// RequestsTotal запросы к read-side API
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_api_requests_total",
			Help: "Total number of read-side API requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration время обработки запроса к API
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_api_request_duration_seconds",
			Help:    "Read-side API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// CacheHits попадания read-through кэша
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_cache_hits_total",
			Help: "Latest-reading lookups served from Redis",
		},
	)

	// CacheMisses промахи read-through кэша
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_cache_misses_total",
			Help: "Latest-reading lookups that fell back to the store",
		},
	)

	// ProcessingLatency время обработки одной датаграммы
	ProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_processing_latency_seconds",
			Help:    "Time from datagram read to end of publication",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

// UpdateWindowMetrics обновляет метрики окон
func UpdateWindowMetrics(stats []analytics.WindowStats) {
	for _, s := range stats {
		RollingAverage.WithLabelValues(string(s.Type)).Set(s.Mean)
		RollingStdDev.WithLabelValues(string(s.Type)).Set(s.StdDev)
		WindowFill.WithLabelValues(string(s.Type)).Set(float64(s.Count))
	}
}
