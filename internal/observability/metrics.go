package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wavefront"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	breakerCalls       *prometheus.CounterVec

	channelState      *prometheus.GaugeVec
	channelQueued     *prometheus.GaugeVec
	channelSent       *prometheus.CounterVec
	channelDropped    *prometheus.CounterVec
	channelReconnects *prometheus.CounterVec

	healthState         *prometheus.GaugeVec
	healthCheckFailures *prometheus.CounterVec
	recoveryAttempts    *prometheus.CounterVec

	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	wavefrontSize    prometheus.Histogram
	hubClients       prometheus.Gauge
	hubMessages      *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_queue_size",
					Help:      "Current command queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_dequeue_total",
					Help:      "Total completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Lane task execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "breaker_state",
					Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
				},
				[]string{"breaker"},
			),
			breakerTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "breaker_transitions_total",
					Help:      "Circuit breaker state transitions by target state.",
				},
				[]string{"breaker", "to"},
			),
			breakerRejections: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "breaker_rejections_total",
					Help:      "Calls rejected without running the primary operation.",
				},
				[]string{"breaker"},
			),
			breakerCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "breaker_calls_total",
					Help:      "Primary operation outcomes by breaker.",
				},
				[]string{"breaker", "status"},
			),
			channelState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "channel_connected",
					Help:      "Channel connectivity (1 connected, 0 otherwise).",
				},
				[]string{"channel"},
			),
			channelQueued: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "channel_queue_size",
					Help:      "Messages waiting in the outbound queue.",
				},
				[]string{"channel"},
			),
			channelSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "channel_messages_total",
					Help:      "Outbound message outcomes by status.",
				},
				[]string{"channel", "status"},
			),
			channelDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "channel_dropped_total",
					Help:      "Messages dropped by reason.",
				},
				[]string{"channel", "reason"},
			),
			channelReconnects: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "channel_reconnects_total",
					Help:      "Reconnect attempts scheduled.",
				},
				[]string{"channel"},
			),
			healthState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "health_state",
					Help:      "Health state (-1 initializing, 0 healthy, 1 degraded, 2 unhealthy, 3 critical).",
				},
				[]string{"monitor"},
			),
			healthCheckFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "health_check_failures_total",
					Help:      "Non-healthy check results by check kind.",
				},
				[]string{"monitor", "check"},
			),
			recoveryAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "recovery_attempts_total",
					Help:      "Agent recovery attempts.",
				},
				[]string{"agent"},
			),
			decisionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "decisions_total",
					Help:      "Work item decisions by final status.",
				},
				[]string{"status"},
			),
			decisionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "decision_duration_seconds",
					Help:      "Agent execution time per work item.",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
				},
			),
			wavefrontSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "wavefront_size",
					Help:      "Work items dispatched per wavefront.",
					Buckets:   prometheus.LinearBuckets(1, 2, 10),
				},
			),
			hubClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "hub_clients",
					Help:      "Connected hub peers.",
				},
			),
			hubMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hub_messages_total",
					Help:      "Messages handled by the hub by type and outcome.",
				},
				[]string{"type", "outcome"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.breakerState,
			m.breakerTransitions,
			m.breakerRejections,
			m.breakerCalls,
			m.channelState,
			m.channelQueued,
			m.channelSent,
			m.channelDropped,
			m.channelReconnects,
			m.healthState,
			m.healthCheckFailures,
			m.recoveryAttempts,
			m.decisionsTotal,
			m.decisionDuration,
			m.wavefrontSize,
			m.hubClients,
			m.hubMessages,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordBreakerTransition stores the numeric state and counts the transition.
func RecordBreakerTransition(breaker, to string, value int) {
	m := getMetrics()
	m.breakerState.WithLabelValues(breaker).Set(float64(value))
	m.breakerTransitions.WithLabelValues(breaker, to).Inc()
}

func RecordBreakerRejection(breaker string) {
	getMetrics().breakerRejections.WithLabelValues(breaker).Inc()
}

func RecordBreakerCall(breaker string, success bool) {
	getMetrics().breakerCalls.WithLabelValues(breaker, status(success)).Inc()
}

func SetChannelConnected(channel string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	getMetrics().channelState.WithLabelValues(channel).Set(value)
}

func SetChannelQueueSize(channel string, size int) {
	getMetrics().channelQueued.WithLabelValues(channel).Set(float64(size))
}

// RecordChannelSend counts an outbound outcome: sent, queued, duplicate or failed.
func RecordChannelSend(channel, outcome string) {
	getMetrics().channelSent.WithLabelValues(channel, outcome).Inc()
}

func RecordChannelDrop(channel, reason string) {
	getMetrics().channelDropped.WithLabelValues(channel, reason).Inc()
}

func RecordChannelReconnect(channel string) {
	getMetrics().channelReconnects.WithLabelValues(channel).Inc()
}

func SetHealthState(monitor string, value int) {
	getMetrics().healthState.WithLabelValues(monitor).Set(float64(value))
}

func RecordHealthCheckFailure(monitor, check string) {
	getMetrics().healthCheckFailures.WithLabelValues(monitor, check).Inc()
}

func RecordRecoveryAttempt(agent string) {
	getMetrics().recoveryAttempts.WithLabelValues(agent).Inc()
}

// RecordDecision counts a finished work item and observes how long its agent ran.
func RecordDecision(finalStatus string, duration time.Duration) {
	m := getMetrics()
	m.decisionsTotal.WithLabelValues(finalStatus).Inc()
	if duration > 0 {
		m.decisionDuration.Observe(duration.Seconds())
	}
}

func RecordWavefront(size int) {
	getMetrics().wavefrontSize.Observe(float64(size))
}

func SetHubClients(count int) {
	getMetrics().hubClients.Set(float64(count))
}

// RecordHubMessage counts one inbound hub message: acked, relayed, limited or invalid.
func RecordHubMessage(msgType, outcome string) {
	getMetrics().hubMessages.WithLabelValues(msgType, outcome).Inc()
}
