package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickCompleted(time.Duration, int, int, error) {}
func (n *NoopSink) ScheduleEvaluated()                           {}
func (n *NoopSink) TriggerFired(time.Duration)                   {}
func (n *NoopSink) LockContended()                               {}
func (n *NoopSink) LockError()                                   {}
func (n *NoopSink) AdmissionBacklogged()                         {}
func (n *NoopSink) RunCreated(string)                            {}
func (n *NoopSink) RunCompleted(string, time.Duration)           {}
func (n *NoopSink) RunsReaped(int)                               {}
func (n *NoopSink) AdmissionGranted()                            {}
func (n *NoopSink) AdmissionDenied(string)                       {}
func (n *NoopSink) AdmissionError()                              {}
func (n *NoopSink) WorkDispatched()                              {}
func (n *NoopSink) DispatchFailed()                              {}
func (n *NoopSink) BufferSizeUpdate(int)                         {}
func (n *NoopSink) BufferCapacitySet(int)                        {}
func (n *NoopSink) BufferSaturationUpdate(float64)               {}
func (n *NoopSink) DispatchError()                               {}
func (n *NoopSink) AttemptCompleted(string, time.Duration)       {}
func (n *NoopSink) ClaimConflict()                               {}
func (n *NoopSink) InFlightIncr()                                {}
func (n *NoopSink) InFlightDecr()                                {}
func (n *NoopSink) RetryScheduled(string)                        {}
func (n *NoopSink) DeadLettered(string)                          {}
func (n *NoopSink) DeadLetterReplayed()                          {}
func (n *NoopSink) SweepCompleted(time.Duration, error)          {}
func (n *NoopSink) BacklogDepth(int)                             {}
func (n *NoopSink) DeadLetterDepth(int)                          {}
func (n *NoopSink) RunsRedispatched(int)                         {}
func (n *NoopSink) LeaderStatusChanged(bool)                     {}
func (n *NoopSink) LeaderAcquired()                              {}
func (n *NoopSink) LeaderLost(string)                            {}

var _ Sink = (*NoopSink)(nil)
