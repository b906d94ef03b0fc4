package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Vega metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	turnsTotal        *prometheus.CounterVec
	injectionsTotal   *prometheus.CounterVec
	cloudCallsTotal   *prometheus.CounterVec
	breakerTripsTotal *prometheus.CounterVec
	skillTestsTotal   *prometheus.CounterVec
	promotionsTotal   prometheus.Counter
	strikesTotal      prometheus.Counter
	forcedKillsTotal  prometheus.Counter
	dreamRunsTotal    *prometheus.CounterVec

	// Histograms
	turnDuration    *prometheus.HistogramVec
	vramWaitTime    prometheus.Histogram
	modelSwapTime   *prometheus.HistogramVec
	sandboxDuration prometheus.Histogram

	// Gauges
	uptime          prometheus.GaugeFunc
	vramState       prometheus.Gauge
	loadedModel     *prometheus.GaugeVec
	breakerState    prometheus.Gauge
	lockdownActive  prometheus.Gauge
	tokensUsedToday prometheus.Gauge
	pendingCodes    prometheus.Gauge
	memoryVectors   *prometheus.GaugeVec
}

// Default histogram buckets for turn duration (in milliseconds)
var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of processed message turns",
			},
			[]string{"route", "status"},
		),

		injectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injections_total",
				Help:      "Firewall detections by worst severity",
			},
			[]string{"severity"},
		),

		cloudCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_calls_total",
				Help:      "Cloud generation attempts by model and outcome",
			},
			[]string{"model", "status"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_trips_total",
				Help:      "Cloud circuit breaker state transitions",
			},
			[]string{"to_state"},
		),

		skillTestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skill_tests_total",
				Help:      "Sandbox test runs by outcome",
			},
			[]string{"status"},
		),

		promotionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skill_promotions_total",
				Help:      "Total skills promoted to active",
			},
		),

		strikesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skill_strikes_total",
				Help:      "Total strikes recorded against promoted skills",
			},
		),

		forcedKillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_model_kills_total",
				Help:      "Forced local-inference terminations during unload escalation",
			},
		),

		dreamRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dream_runs_total",
				Help:      "Maintenance cycle runs by outcome",
			},
			[]string{"status"},
		),

		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_milliseconds",
				Help:      "End-to-end duration of message turns in milliseconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		vramWaitTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vram_wait_milliseconds",
				Help:      "Time spent waiting to acquire the GPU in milliseconds",
				Buckets:   []float64{1, 10, 100, 500, 1000, 5000, 15000, 30000},
			},
		),

		modelSwapTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_swap_milliseconds",
				Help:      "Duration of model load/unload transitions in milliseconds",
				Buckets:   []float64{100, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"transition"}, // load, unload
		),

		sandboxDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_duration_milliseconds",
				Help:      "Duration of sandboxed skill runs in milliseconds",
				Buckets:   []float64{10, 100, 500, 1000, 5000, 15000, 60000},
			},
		),

		vramState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vram_state",
				Help:      "GPU arbiter state (0=idle, 1=loading_coder, 2=loading_vl, 3=unloading, 4=error)",
			},
		),

		loadedModel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loaded_model",
				Help:      "Which local model currently occupies VRAM (1 = loaded)",
			},
			[]string{"model"},
		),

		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cloud_breaker_state",
				Help:      "Cloud circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
		),

		lockdownActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lockdown_active",
				Help:      "Whether security lockdown is active (0/1)",
			},
		),

		tokensUsedToday: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cloud_tokens_used_today",
				Help:      "Cloud tokens consumed against the daily budget",
			},
		),

		pendingCodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_codes",
				Help:      "Outstanding short-lived promotion/unlock codes",
			},
		),

		memoryVectors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_vectors",
				Help:      "Vector count per memory collection",
			},
			[]string{"collection"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the Vega daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.turnsTotal,
		pm.injectionsTotal,
		pm.cloudCallsTotal,
		pm.breakerTripsTotal,
		pm.skillTestsTotal,
		pm.promotionsTotal,
		pm.strikesTotal,
		pm.forcedKillsTotal,
		pm.dreamRunsTotal,
		pm.turnDuration,
		pm.vramWaitTime,
		pm.modelSwapTime,
		pm.sandboxDuration,
		pm.uptime,
		pm.vramState,
		pm.loadedModel,
		pm.breakerState,
		pm.lockdownActive,
		pm.tokensUsedToday,
		pm.pendingCodes,
		pm.memoryVectors,
	)

	promMetrics = pm
}

// RecordPrometheusTurn records a processed turn in Prometheus collectors
func RecordPrometheusTurn(route string, durationMs int64, blocked bool, failed bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if blocked {
		status = "blocked"
	} else if failed {
		status = "failed"
	}
	if route == "" {
		route = "none"
	}
	promMetrics.turnsTotal.WithLabelValues(route, status).Inc()
	promMetrics.turnDuration.WithLabelValues(route).Observe(float64(durationMs))
}

// RecordPrometheusInjection records a firewall detection
func RecordPrometheusInjection(severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.injectionsTotal.WithLabelValues(severity).Inc()
}

// RecordPrometheusCloudCall records a cloud generation attempt
func RecordPrometheusCloudCall(model string, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.cloudCallsTotal.WithLabelValues(model, status).Inc()
}

// RecordPrometheusBreakerTrip records a breaker state transition
func RecordPrometheusBreakerTrip(toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(toState).Inc()
}

// SetBreakerState sets the breaker state gauge.
// state: 0=closed, 1=open, 2=half_open
func SetBreakerState(state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.Set(float64(state))
}

// RecordPrometheusSkillTest records a sandbox test run
func RecordPrometheusSkillTest(passed bool, durationMs int64) {
	if promMetrics == nil {
		return
	}
	status := "passed"
	if !passed {
		status = "failed"
	}
	promMetrics.skillTestsTotal.WithLabelValues(status).Inc()
	promMetrics.sandboxDuration.Observe(float64(durationMs))
}

// RecordPrometheusSkillPromotion records a promotion
func RecordPrometheusSkillPromotion() {
	if promMetrics == nil {
		return
	}
	promMetrics.promotionsTotal.Inc()
}

// RecordPrometheusStrike records a strike
func RecordPrometheusStrike() {
	if promMetrics == nil {
		return
	}
	promMetrics.strikesTotal.Inc()
}

// RecordForcedKill records a forced local-inference termination
func RecordForcedKill() {
	if promMetrics == nil {
		return
	}
	promMetrics.forcedKillsTotal.Inc()
}

// RecordDreamRun records a maintenance cycle outcome
func RecordDreamRun(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dreamRunsTotal.WithLabelValues(status).Inc()
}

// SetVRAMState sets the GPU arbiter state gauge.
// state: 0=idle, 1=loading_coder, 2=loading_vl, 3=unloading, 4=error
func SetVRAMState(state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.vramState.Set(float64(state))
}

// SetLoadedModel marks which model occupies VRAM. Passing "" clears both.
func SetLoadedModel(model string) {
	if promMetrics == nil {
		return
	}
	for _, m := range []string{"coder", "vl"} {
		v := 0.0
		if m == model {
			v = 1.0
		}
		promMetrics.loadedModel.WithLabelValues(m).Set(v)
	}
}

// ObserveVRAMWait records time spent waiting for the GPU
func ObserveVRAMWait(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vramWaitTime.Observe(float64(durationMs))
}

// ObserveModelSwap records a load/unload transition duration
func ObserveModelSwap(transition string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.modelSwapTime.WithLabelValues(transition).Observe(float64(durationMs))
}

// SetLockdownActive sets the lockdown gauge
func SetLockdownActive(active bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	promMetrics.lockdownActive.Set(v)
}

// SetTokensUsedToday sets the daily budget consumption gauge
func SetTokensUsedToday(tokens int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tokensUsedToday.Set(float64(tokens))
}

// SetPendingCodes sets the outstanding short-lived code gauge
func SetPendingCodes(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.pendingCodes.Set(float64(n))
}

// SetMemoryVectors sets the vector count gauge for a collection
func SetMemoryVectors(collection string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryVectors.WithLabelValues(collection).Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
