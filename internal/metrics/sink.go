package metrics

import "time"

// Sink is every metric the process records. Each component declares the
// narrow subset it uses; PrometheusSink and NoopSink satisfy all of them.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler
	TickCompleted(duration time.Duration, evaluated, fired int, err error)
	ScheduleEvaluated()
	TriggerFired(lag time.Duration)
	LockContended()
	LockError()
	AdmissionBacklogged()

	// Ledger
	RunCreated(source string)
	RunCompleted(status string, duration time.Duration)
	RunsReaped(count int)

	// Admission
	AdmissionGranted()
	AdmissionDenied(reason string)
	AdmissionError()

	// Enqueue
	WorkDispatched()
	DispatchFailed()

	// In-process work buffer
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	DispatchError()

	// Worker
	AttemptCompleted(kind string, duration time.Duration)
	ClaimConflict()
	InFlightIncr()
	InFlightDecr()

	// Retry / DLQ
	RetryScheduled(kind string)
	DeadLettered(kind string)
	DeadLetterReplayed()

	// Sweeper
	SweepCompleted(duration time.Duration, err error)
	BacklogDepth(n int)
	DeadLetterDepth(n int)
	RunsRedispatched(n int)

	// Leader election
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Leader loss reasons.
const (
	LeaderLostShutdown = "shutdown"
	LeaderLostConn     = "conn_lost"
)
