package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

const namespace = "graylogic_pool"

// circuitValues maps circuit labels to the circuit_breaker_state gauge.
var circuitValues = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// Registry holds every instrument the bridge exports.
type Registry struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestAttempts *prometheus.HistogramVec

	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	tokens    *prometheus.CounterVec
	tokenWait *prometheus.HistogramVec

	circuitState        *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	transitions         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	wsClients    prometheus.Gauge
}

// New creates and registers all instruments with reg.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)

	return &Registry{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "requests_total",
				Help:      "Device HTTP calls by priority and outcome",
			},
			[]string{"device_id", "priority", "outcome"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "request_duration_seconds",
				Help:      "Duration of device calls including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"device_id", "priority"},
		),
		requestAttempts: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "request_attempts",
				Help:      "HTTP attempts per device call",
				Buckets:   []float64{0, 1, 2, 3, 4, 6, 11},
			},
			[]string{"device_id", "priority"},
		),
		polls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Poll ticks by outcome (success, stale, skipped, or an error kind)",
			},
			[]string{"device_id", "outcome"},
		),
		pollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of poll ticks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"device_id"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "tokens_total",
				Help:      "Rate limiter admissions by priority and result (granted, denied)",
			},
			[]string{"device_id", "priority", "result"},
		),
		tokenWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a token and in-flight slot",
				Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"device_id", "priority"},
		),
		circuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		consecutiveFailures: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_consecutive_failures",
				Help: "Current number of consecutive failures",
			},
			[]string{"name"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_state_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from_state", "to_state"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "REST API requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "REST API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		wsClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "websocket_clients",
				Help:      "Connected snapshot stream clients",
			},
		),
	}
}

// Device returns the instruments bound to one device id.
func (r *Registry) Device(id string) *Device {
	return &Device{r: r, id: id}
}

// ObserveHTTP records one API request. route is the chi route pattern, not
// the raw path, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetWebSocketClients publishes the number of stream subscribers.
func (r *Registry) SetWebSocketClients(n int) {
	r.wsClients.Set(float64(n))
}

// Device reports device-layer measurements.
type Device struct {
	r  *Registry
	id string
}

// ObserveRequest records a finished device call.
func (d *Device) ObserveRequest(priority, outcome string, attempts int, seconds float64) {
	d.r.requests.WithLabelValues(d.id, priority, outcome).Inc()
	d.r.requestDuration.WithLabelValues(d.id, priority).Observe(seconds)
	d.r.requestAttempts.WithLabelValues(d.id, priority).Observe(float64(attempts))
}

// ObservePoll records one poll tick.
func (d *Device) ObservePoll(outcome string, seconds float64) {
	d.r.polls.WithLabelValues(d.id, outcome).Inc()
	d.r.pollDuration.WithLabelValues(d.id).Observe(seconds)
}

// SetCircuitState publishes the circuit state. Unknown labels are ignored.
func (d *Device) SetCircuitState(state string) {
	if v, ok := circuitValues[state]; ok {
		d.r.circuitState.WithLabelValues(d.id).Set(v)
	}
}

func (d *Device) SetConsecutiveFailures(n int) {
	d.r.consecutiveFailures.WithLabelValues(d.id).Set(float64(n))
}

func (d *Device) CircuitTransition(from, to string) {
	d.r.transitions.WithLabelValues(d.id, from, to).Inc()
}

// TokenGranted implements ratelimit.Observer.
func (d *Device) TokenGranted(p ratelimit.Priority, waited time.Duration) {
	d.r.tokens.WithLabelValues(d.id, p.String(), "granted").Inc()
	d.r.tokenWait.WithLabelValues(d.id, p.String()).Observe(waited.Seconds())
}

// TokenDenied implements ratelimit.Observer.
func (d *Device) TokenDenied(p ratelimit.Priority) {
	d.r.tokens.WithLabelValues(d.id, p.String(), "denied").Inc()
}
