package telemetry

// Histogram bucket definitions
var (
	// CallbackBuckets for user callback latencies; callbacks are allowed
	// to be long-running
	CallbackBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60}

	// ClaimBuckets for the short claim transactions
	ClaimBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Queue metrics
var (
	// QueueLength tracks stored rows not yet processed across the
	// channels this process listens to
	QueueLength Gauge = NoopStat{}

	// ProcessingLagMS tracks now - min(created_at) over those rows in
	// milliseconds; zero when the backlog is empty
	ProcessingLagMS Gauge = NoopStat{}
)

// Delivery metrics
var (
	// NotificationsTotal counts handled envelopes by channel and result
	// (delivered, filtered, skipped, failed, dropped)
	NotificationsTotal CounterVec = noopCounterVec{}

	// CallbackDurationSeconds measures callback latency by channel
	CallbackDurationSeconds HistogramVec = noopHistogramVec{}

	// ClaimsTotal counts durable claim attempts by outcome
	// (completed, released, aborted, miss)
	ClaimsTotal CounterVec = noopCounterVec{}

	// ClaimDurationSeconds measures the full claim transaction latency
	ClaimDurationSeconds Histogram = NoopStat{}

	// PollTimeoutsTotal counts idle poll cycles
	PollTimeoutsTotal Counter = NoopStat{}

	// RecoveredTotal counts envelopes replayed by recovery scans
	RecoveredTotal Counter = NoopStat{}
)

// Supervision metrics
var (
	// WorkersAlive tracks currently running workers
	WorkersAlive Gauge = NoopStat{}

	// WorkerRestartsTotal counts supervised worker restarts
	WorkerRestartsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	QueueLength = NewGauge(
		"queue_length",
		"Stored notifications not yet processed",
	)
	ProcessingLagMS = NewGauge(
		"processing_lag_ms",
		"Age of the oldest pending stored notification in milliseconds",
	)

	NotificationsTotal = NewCounterVec(
		"notifications_total",
		"Handled envelopes by channel and result",
		[]string{"channel", "result"},
	)
	CallbackDurationSeconds = NewHistogramVec(
		"callback_duration_seconds",
		"Callback latency by channel",
		[]string{"channel"},
		CallbackBuckets,
	)
	ClaimsTotal = NewCounterVec(
		"claims_total",
		"Durable claim attempts by outcome",
		[]string{"outcome"},
	)
	ClaimDurationSeconds = NewHistogramWithBuckets(
		"claim_duration_seconds",
		"Claim transaction latency in seconds",
		ClaimBuckets,
	)
	PollTimeoutsTotal = NewCounter(
		"poll_timeouts_total",
		"Poll cycles that ended without a notification",
	)
	RecoveredTotal = NewCounter(
		"recovered_total",
		"Envelopes replayed by recovery scans",
	)

	WorkersAlive = NewGauge(
		"workers_alive",
		"Currently running workers",
	)
	WorkerRestartsTotal = NewCounter(
		"worker_restarts_total",
		"Supervised worker restarts",
	)
}
