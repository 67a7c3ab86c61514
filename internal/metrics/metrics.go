package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stagePages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "stage_pages_total",
			Help:      "Pages handled per pipeline stage and result",
		},
		[]string{"stage", "result"},
	)

	ocrCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "ocr_calls_total",
			Help:      "External OCR calls by result (ok, error, cache_hit, inline)",
		},
		[]string{"result"},
	)

	providerReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "provider_requests_total",
			Help:      "LLM provider requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "idpcore",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of LLM provider requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "cache_ops_total",
			Help:      "Blob cache operations by cache kind and result (hit, miss, write)",
		},
		[]string{"cache", "result"},
	)

	documentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "documents_ingested_total",
			Help:      "Documents accepted for processing by source and type",
		},
		[]string{"source", "type"},
	)

	duplicatesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "duplicates_rejected_total",
			Help:      "Ingestion attempts rejected by the dedup gate, by source",
		},
		[]string{"source"},
	)

	pageEdits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "page_edits_total",
			Help:      "Human page edits by action type",
		},
		[]string{"action"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "idpcore",
			Name:      "scheduler_queue_depth",
			Help:      "Documents waiting in the scheduler priority queue",
		},
	)

	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "idpcore",
			Name:      "scheduler_workers_busy",
			Help:      "Scheduler workers currently running a document pipeline",
		},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idpcore",
			Name:      "breaker_events_total",
			Help:      "Circuit breaker events by provider, model and action",
		},
		[]string{"provider", "model", "action"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(stagePages, ocrCalls, providerReqs, providerLatency,
		cacheOps, documentsIngested, duplicatesRejected, pageEdits, queueDepth,
		workersBusy, breakerEvents)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncStagePage(stage, result string) { stagePages.WithLabelValues(stage, result).Inc() }

func IncOCR(result string) { ocrCalls.WithLabelValues(result).Inc() }

func ObserveProvider(provider, model, result string, dur time.Duration) {
	providerReqs.WithLabelValues(provider, model, result).Inc()
	providerLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

func IncCache(cache, result string) { cacheOps.WithLabelValues(cache, result).Inc() }

func IncIngested(source, docType string) { documentsIngested.WithLabelValues(source, docType).Inc() }

func IncDuplicate(source string) { duplicatesRejected.WithLabelValues(source).Inc() }

func IncEdit(action string) { pageEdits.WithLabelValues(action).Inc() }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func SetWorkersBusy(n int) { workersBusy.Set(float64(n)) }

func BreakerOpened(provider, model string) {
	breakerEvents.WithLabelValues(provider, model, "opened").Inc()
}

func BreakerClosed(provider, model string) {
	breakerEvents.WithLabelValues(provider, model, "closed").Inc()
}
