package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Prometheus metrics for the gateway. Scraped from /metrics.
var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"method", "route"})

	messagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_published_total",
		Help: "Total messages accepted on the publish path",
	})

	bytesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bytes_published_total",
		Help: "Total payload bytes accepted on the publish path",
	})

	messagesStreamed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_streamed_total",
		Help: "Total messages delivered over SSE",
	})

	quotaBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_quota_breaches_total",
		Help: "Quota check rejections by scope, direction and dimension",
	}, []string{"scope", "direction", "dimension"})

	rateLimitedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_requests_total",
		Help: "Requests rejected by the per-identity rate limiter",
	})

	activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "Currently open SSE streams",
	})

	streamsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_streams_ended_total",
		Help: "SSE streams ended by reason",
	}, []string{"reason"})

	kafkaProduceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_kafka_produce_errors_total",
		Help: "Failed broker produce calls",
	})

	// Process health
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_memory_usage_bytes",
		Help: "Resident memory of the gateway process",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cpu_usage_percent",
		Help: "CPU usage of the gateway process",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)

	prometheus.MustRegister(messagesPublished)
	prometheus.MustRegister(bytesPublished)
	prometheus.MustRegister(messagesStreamed)

	prometheus.MustRegister(quotaBreaches)
	prometheus.MustRegister(rateLimitedRequests)

	prometheus.MustRegister(activeStreams)
	prometheus.MustRegister(streamsEnded)
	prometheus.MustRegister(kafkaProduceErrors)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordPublish records an accepted publish batch.
func RecordPublish(messages, bytes int64) {
	messagesPublished.Add(float64(messages))
	bytesPublished.Add(float64(bytes))
}

// RecordStreamedMessage records one SSE delivery.
func RecordStreamedMessage() {
	messagesStreamed.Inc()
}

// RecordQuotaBreach records a quota rejection.
func RecordQuotaBreach(scope, direction, dimension string) {
	quotaBreaches.WithLabelValues(scope, direction, dimension).Inc()
}

// RecordRateLimited records a 429 from the request rate limiter.
func RecordRateLimited() {
	rateLimitedRequests.Inc()
}

// StreamStarted / StreamEnded track the active stream gauge and end reasons.
func StreamStarted() {
	activeStreams.Inc()
}

func StreamEnded(reason string) {
	activeStreams.Dec()
	streamsEnded.WithLabelValues(reason).Inc()
}

// RecordProduceError records a failed broker produce call.
func RecordProduceError() {
	kafkaProduceErrors.Inc()
}

// HandleMetrics serves the Prometheus exposition endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// Collector periodically samples process CPU and memory into the gauges.
type Collector struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector builds a system collector sampling every interval.
func NewCollector(logger zerolog.Logger, interval time.Duration) *Collector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, system metrics disabled")
	}
	return &Collector{
		logger:   logger,
		interval: interval,
		proc:     proc,
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Collector) sample() {
	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if c.proc == nil {
		return
	}
	if cpuPct, err := c.proc.CPUPercent(); err == nil {
		cpuUsagePercent.Set(cpuPct)
	}
	if memInfo, err := c.proc.MemoryInfo(); err == nil {
		memoryUsageBytes.Set(float64(memInfo.RSS))
	}
}
