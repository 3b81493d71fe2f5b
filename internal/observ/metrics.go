package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the per-process registry. The process collector supplies
// process_resident_memory_bytes and process_cpu_seconds_total on the text
// exposition; the uptime gauge completes the required trio.
type Metrics struct {
	registry *prometheus.Registry
	start    time.Time

	TicksProcessed   *prometheus.CounterVec
	SignalsEmitted   *prometheus.CounterVec
	MalformedRecords *prometheus.CounterVec
	PublishRetries   *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	RaceResults      *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	SentimentCache   *prometheus.CounterVec
	ActiveSymbols    prometheus.Gauge
	uptime           prometheus.GaugeFunc
}

func NewMetrics(service string) *Metrics {
	reg := prometheus.NewRegistry()
	start := time.Now()

	m := &Metrics{
		registry: reg,
		start:    start,
		TicksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ticks_processed_total",
			Help: "Ticks consumed and folded into indicator state.",
		}, []string{"symbol"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_signals_emitted_total",
			Help: "Signals published, labelled by pattern.",
		}, []string{"pattern"}),
		MalformedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_malformed_records_total",
			Help: "Stream records rejected at the decode boundary.",
		}, []string{"topic"}),
		PublishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_publish_retries_total",
			Help: "Publish attempts that failed and were retried.",
		}, []string{"topic"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_publish_failures_total",
			Help: "Publishes that exhausted their retry budget.",
		}, []string{"topic"}),
		RaceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_inference_race_total",
			Help: "Forecast races, labelled by winning source.",
		}, []string{"source"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_decisions_total",
			Help: "Fusion outcomes by action.",
		}, []string{"action"}),
		SentimentCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_sentiment_cache_total",
			Help: "Sentiment cache lookups by result.",
		}, []string{"result"}),
		ActiveSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_active_symbols",
			Help: "Symbols with live per-symbol state.",
		}),
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 { return time.Since(start).Seconds() }),
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.uptime,
	)
	prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, reg).MustRegister(
		m.TicksProcessed, m.SignalsEmitted, m.MalformedRecords,
		m.PublishRetries, m.PublishFailures, m.RaceResults,
		m.Decisions, m.SentimentCache, m.ActiveSymbols,
	)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
