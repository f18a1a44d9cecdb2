package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickCompleted(duration time.Duration, due int, err error)  {}
func (n *NoopSink) ScheduleSkipped(reason string)                             {}
func (n *NoopSink) JobEnqueued(queue, source string, created bool)            {}
func (n *NoopSink) FailedJobsDeleted(count int)                               {}
func (n *NoopSink) MirrorError()                                              {}
func (n *NoopSink) JobStarted(queue string)                                   {}
func (n *NoopSink) JobFinished(queue, outcome string, duration time.Duration) {}
func (n *NoopSink) JobExpired(requeued bool)                                  {}
func (n *NoopSink) LogsPurged(count int)                                      {}
func (n *NoopSink) NotificationSent(event string, err error)                  {}
