package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Scheduler metrics
	TickCompleted(duration time.Duration, due int, err error)
	ScheduleSkipped(reason string)

	// Dispatcher metrics
	JobEnqueued(queue, source string, created bool)
	FailedJobsDeleted(count int)
	MirrorError()

	// Worker metrics
	JobStarted(queue string)
	JobFinished(queue, outcome string, duration time.Duration)
	JobExpired(requeued bool)

	// Task log metrics
	LogsPurged(count int)
	NotificationSent(event string, err error)
}

// Outcome constants for JobFinished.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeStale     = "stale"
)

// Source constants for JobEnqueued.
const (
	SourceSchedule = "schedule"
	SourceManual   = "manual"
)

// Skip reasons for ScheduleSkipped.
const (
	SkipMalformed = "malformed_rule"
	SkipClaimLost = "claim_lost"
)
