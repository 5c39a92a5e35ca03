package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const namespace = "reportcron"

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger zerolog.Logger

	// Scheduler
	ticksTotal          prometheus.Counter
	tickErrorsTotal     prometheus.Counter
	tickDuration        prometheus.Histogram
	schedulesEvaluated  prometheus.Counter
	triggersFired       prometheus.Counter
	triggerLag          prometheus.Histogram
	lockContendedTotal  prometheus.Counter
	lockErrorsTotal     prometheus.Counter
	admissionBacklogged prometheus.Counter

	// Ledger
	runsCreated   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	runsReaped    prometheus.Counter

	// Admission
	admissionGranted prometheus.Counter
	admissionDenied  *prometheus.CounterVec
	admissionErrors  prometheus.Counter

	// Dispatch
	workDispatched   prometheus.Counter
	dispatchFailed   prometheus.Counter
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	bufferFullTotal  prometheus.Counter

	// Worker
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	claimConflicts  prometheus.Counter
	runsInFlight    prometheus.Gauge

	// Retry / DLQ
	retriesScheduled   *prometheus.CounterVec
	deadLettered       *prometheus.CounterVec
	deadLetterReplayed prometheus.Counter

	// Sweeper
	sweepsTotal      prometheus.Counter
	sweepErrorsTotal prometheus.Counter
	sweepDuration    prometheus.Histogram
	backlogDepth     prometheus.Gauge
	deadLetterDepth  prometheus.Gauge
	redispatched     prometheus.Counter

	// Leader election
	isLeader       prometheus.Gauge
	leaderAcquired prometheus.Counter
	leaderLost     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink
// whose unregistered collectors are simply never exported.
func NewPrometheusSink(reg prometheus.Registerer, logger zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger.With().Str("component", "metrics").Logger()}
	s.initSchedulerMetrics(reg)
	s.initLedgerMetrics(reg)
	s.initAdmissionMetrics(reg)
	s.initDispatchMetrics(reg)
	s.initWorkerMetrics(reg)
	s.initRetryMetrics(reg)
	s.initSweeperMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) counter(reg prometheus.Registerer, subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	s.register(reg, c, subsystem+"_"+name)
	return c
}

func (s *PrometheusSink) counterVec(reg prometheus.Registerer, subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	s.register(reg, c, subsystem+"_"+name)
	return c
}

func (s *PrometheusSink) gauge(reg prometheus.Registerer, subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	s.register(reg, g, subsystem+"_"+name)
	return g
}

func (s *PrometheusSink) histogram(reg prometheus.Registerer, subsystem, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets})
	s.register(reg, h, subsystem+"_"+name)
	return h
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	const sub = "scheduler"
	s.ticksTotal = s.counter(reg, sub, "ticks_total", "Total number of scheduler ticks processed.")
	s.tickErrorsTotal = s.counter(reg, sub, "tick_errors_total", "Total number of scheduler ticks that ended with an error.")
	s.tickDuration = s.histogram(reg, sub, "tick_duration_seconds", "Duration of each scheduler tick in seconds.",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10})
	s.schedulesEvaluated = s.counter(reg, sub, "schedules_evaluated_total", "Total number of schedules evaluated.")
	s.triggersFired = s.counter(reg, sub, "triggers_fired_total", "Total number of occurrences turned into runs.")
	s.triggerLag = s.histogram(reg, sub, "trigger_lag_seconds", "Delay between intended fire time and run creation in seconds.",
		[]float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900})
	s.lockContendedTotal = s.counter(reg, sub, "lock_contended_total", "Trigger lock attempts lost to another replica.")
	s.lockErrorsTotal = s.counter(reg, sub, "lock_errors_total", "Trigger lock backend errors (failed open).")
	s.admissionBacklogged = s.counter(reg, sub, "admission_backlogged_total", "Occurrences left queued because admission denied them.")
}

func (s *PrometheusSink) initLedgerMetrics(reg prometheus.Registerer) {
	const sub = "ledger"
	s.runsCreated = s.counterVec(reg, sub, "runs_created_total", "Runs created, by trigger source.", "source")
	s.runsCompleted = s.counterVec(reg, sub, "runs_completed_total", "Runs reaching a terminal status.", "status")
	s.runDuration = s.histogram(reg, sub, "run_duration_seconds", "Time from claim to terminal status in seconds.",
		[]float64{1, 5, 15, 30, 60, 120, 300, 600, 1800})
	s.runsReaped = s.counter(reg, sub, "runs_reaped_total", "Stale running runs aborted by the sweeper.")
}

func (s *PrometheusSink) initAdmissionMetrics(reg prometheus.Registerer) {
	const sub = "admission"
	s.admissionGranted = s.counter(reg, sub, "granted_total", "Admission requests granted.")
	s.admissionDenied = s.counterVec(reg, sub, "denied_total", "Admission requests denied, by reason.", "reason")
	s.admissionErrors = s.counter(reg, sub, "errors_total", "Admission counter backend errors.")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	const sub = "dispatch"
	s.workDispatched = s.counter(reg, sub, "work_items_total", "Work items handed to the transport.")
	s.dispatchFailed = s.counter(reg, sub, "failures_total", "Work items the transport rejected.")
	s.bufferSize = s.gauge(reg, sub, "buffer_size", "Current number of work items in the in-process buffer.")
	s.bufferCapacity = s.gauge(reg, sub, "buffer_capacity", "Capacity of the in-process buffer.")
	s.bufferSaturation = s.gauge(reg, sub, "buffer_saturation", "Fill ratio of the in-process buffer.")
	s.bufferFullTotal = s.counter(reg, sub, "buffer_full_total", "Dispatches rejected because the buffer was full.")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	const sub = "worker"
	s.attemptsTotal = s.counterVec(reg, sub, "attempts_total", "Generation attempts, by outcome kind.", "kind")
	s.attemptDuration = s.histogram(reg, sub, "attempt_duration_seconds", "Generation attempt latency in seconds.",
		[]float64{0.5, 1, 5, 15, 30, 60, 120, 300})
	s.claimConflicts = s.counter(reg, sub, "claim_conflicts_total", "Deliveries dropped because the run was not claimable.")
	s.runsInFlight = s.gauge(reg, sub, "runs_in_flight", "Runs currently being generated.")
}

func (s *PrometheusSink) initRetryMetrics(reg prometheus.Registerer) {
	const sub = "retry"
	s.retriesScheduled = s.counterVec(reg, sub, "scheduled_total", "Retries scheduled, by error kind.", "kind")
	s.deadLettered = s.counterVec(reg, sub, "dead_lettered_total", "Runs moved to the dead-letter queue, by error kind.", "kind")
	s.deadLetterReplayed = s.counter(reg, sub, "dead_letter_replayed_total", "Dead-letter entries replayed.")
}

func (s *PrometheusSink) initSweeperMetrics(reg prometheus.Registerer) {
	const sub = "sweeper"
	s.sweepsTotal = s.counter(reg, sub, "cycles_total", "Sweeper cycles completed.")
	s.sweepErrorsTotal = s.counter(reg, sub, "cycle_errors_total", "Sweeper cycles with at least one failed step.")
	s.sweepDuration = s.histogram(reg, sub, "cycle_duration_seconds", "Sweeper cycle duration in seconds.",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10})
	s.backlogDepth = s.gauge(reg, sub, "backlog_depth", "Queued runs waiting for admission.")
	s.deadLetterDepth = s.gauge(reg, sub, "dead_letter_depth", "Dead-letter entries not yet replayed.")
	s.redispatched = s.counter(reg, sub, "redispatched_total", "Admitted runs re-dispatched after a lost work item or retry delay.")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	const sub = "leader"
	s.isLeader = s.gauge(reg, sub, "is_leader", "1 while this replica runs the sweeper.")
	s.leaderAcquired = s.counter(reg, sub, "acquired_total", "Times leadership was acquired.")
	s.leaderLost = s.counterVec(reg, sub, "lost_total", "Times leadership was lost, by reason.", "reason")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn().Err(err).Str("metric", name).Msg("failed to register")
	}
}

// Scheduler

func (s *PrometheusSink) TickCompleted(duration time.Duration, evaluated, fired int, err error) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleEvaluated() {
	s.schedulesEvaluated.Inc()
}

func (s *PrometheusSink) TriggerFired(lag time.Duration) {
	s.triggersFired.Inc()
	if lag < 0 {
		lag = 0
	}
	s.triggerLag.Observe(lag.Seconds())
}

func (s *PrometheusSink) LockContended()       { s.lockContendedTotal.Inc() }
func (s *PrometheusSink) LockError()           { s.lockErrorsTotal.Inc() }
func (s *PrometheusSink) AdmissionBacklogged() { s.admissionBacklogged.Inc() }

// Ledger

func (s *PrometheusSink) RunCreated(source string) {
	s.runsCreated.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) RunCompleted(status string, duration time.Duration) {
	s.runsCompleted.WithLabelValues(status).Inc()
	if duration > 0 {
		s.runDuration.Observe(duration.Seconds())
	}
}

func (s *PrometheusSink) RunsReaped(count int) {
	s.runsReaped.Add(float64(count))
}

// Admission

func (s *PrometheusSink) AdmissionGranted() { s.admissionGranted.Inc() }

func (s *PrometheusSink) AdmissionDenied(reason string) {
	s.admissionDenied.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) AdmissionError() { s.admissionErrors.Inc() }

// Dispatch

func (s *PrometheusSink) WorkDispatched() { s.workDispatched.Inc() }
func (s *PrometheusSink) DispatchFailed() { s.dispatchFailed.Inc() }

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) DispatchError() { s.bufferFullTotal.Inc() }

// Worker

func (s *PrometheusSink) AttemptCompleted(kind string, duration time.Duration) {
	s.attemptsTotal.WithLabelValues(kind).Inc()
	s.attemptDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimConflict() { s.claimConflicts.Inc() }
func (s *PrometheusSink) InFlightIncr()  { s.runsInFlight.Inc() }
func (s *PrometheusSink) InFlightDecr()  { s.runsInFlight.Dec() }

// Retry / DLQ

func (s *PrometheusSink) RetryScheduled(kind string) {
	s.retriesScheduled.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) DeadLettered(kind string) {
	s.deadLettered.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) DeadLetterReplayed() { s.deadLetterReplayed.Inc() }

// Sweeper

func (s *PrometheusSink) SweepCompleted(duration time.Duration, err error) {
	s.sweepsTotal.Inc()
	s.sweepDuration.Observe(duration.Seconds())
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) BacklogDepth(n int)    { s.backlogDepth.Set(float64(n)) }
func (s *PrometheusSink) DeadLetterDepth(n int) { s.deadLetterDepth.Set(float64(n)) }

func (s *PrometheusSink) RunsRedispatched(n int) {
	s.redispatched.Add(float64(n))
}

// Leader election

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() { s.leaderAcquired.Inc() }

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLost.WithLabelValues(reason).Inc()
}
