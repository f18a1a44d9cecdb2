package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	dueTotal        prometheus.Counter
	tickDuration    prometheus.Histogram
	skippedTotal    *prometheus.CounterVec

	enqueuedTotal      *prometheus.CounterVec
	failedDeletedTotal prometheus.Counter
	mirrorErrorsTotal  prometheus.Counter
	jobsRunning        *prometheus.GaugeVec
	jobsFinishedTotal  *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobsExpiredTotal   *prometheus.CounterVec
	logsPurgedTotal    prometheus.Counter
	notificationsTotal *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initQueueMetrics(reg)
	s.initWorkerMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskd_scheduler_ticks_total",
		Help: "Total number of scheduler scans.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskd_scheduler_tick_errors_total",
		Help: "Total number of scheduler scans that failed.",
	})
	s.dueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskd_scheduler_due_total",
		Help: "Total number of schedule occurrences claimed.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskd_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler scan in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.skippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_scheduler_skipped_total",
		Help: "Schedules skipped during a scan.",
	}, []string{"reason"})

	s.register(reg, s.ticksTotal, "taskd_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "taskd_scheduler_tick_errors_total")
	s.register(reg, s.dueTotal, "taskd_scheduler_due_total")
	s.register(reg, s.tickDuration, "taskd_scheduler_tick_duration_seconds")
	s.register(reg, s.skippedTotal, "taskd_scheduler_skipped_total")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.enqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_queue_enqueued_total",
		Help: "Enqueue requests by queue, source and whether a job was created.",
	}, []string{"queue", "source", "created"})
	s.failedDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskd_queue_failed_deleted_total",
		Help: "Failed jobs removed by operators.",
	})
	s.mirrorErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskd_queue_mirror_errors_total",
		Help: "Errors while mirroring job state to Redis.",
	})
	s.logsPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskd_tasklog_purged_total",
		Help: "Task log rows removed by date purges.",
	})
	s.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_notifications_total",
		Help: "Email notifications by event and result.",
	}, []string{"event", "result"})

	s.register(reg, s.enqueuedTotal, "taskd_queue_enqueued_total")
	s.register(reg, s.failedDeletedTotal, "taskd_queue_failed_deleted_total")
	s.register(reg, s.mirrorErrorsTotal, "taskd_queue_mirror_errors_total")
	s.register(reg, s.logsPurgedTotal, "taskd_tasklog_purged_total")
	s.register(reg, s.notificationsTotal, "taskd_notifications_total")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.jobsRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskd_worker_jobs_running",
		Help: "Jobs currently executing.",
	}, []string{"queue"})
	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_worker_jobs_finished_total",
		Help: "Finished jobs by queue and outcome.",
	}, []string{"queue", "outcome"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskd_worker_job_duration_seconds",
		Help:    "Job execution time in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600},
	}, []string{"queue"})
	s.jobsExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_worker_jobs_expired_total",
		Help: "Running jobs that missed their liveness deadline.",
	}, []string{"requeued"})

	s.register(reg, s.jobsRunning, "taskd_worker_jobs_running")
	s.register(reg, s.jobsFinishedTotal, "taskd_worker_jobs_finished_total")
	s.register(reg, s.jobDuration, "taskd_worker_job_duration_seconds")
	s.register(reg, s.jobsExpiredTotal, "taskd_worker_jobs_expired_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
	}
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, due int, err error) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(duration.Seconds())
	s.dueTotal.Add(float64(due))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleSkipped(reason string) {
	s.skippedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) JobEnqueued(queue, source string, created bool) {
	s.enqueuedTotal.WithLabelValues(queue, source, strconv.FormatBool(created)).Inc()
}

func (s *PrometheusSink) FailedJobsDeleted(count int) {
	s.failedDeletedTotal.Add(float64(count))
}

func (s *PrometheusSink) MirrorError() {
	s.mirrorErrorsTotal.Inc()
}

func (s *PrometheusSink) JobStarted(queue string) {
	s.jobsRunning.WithLabelValues(queue).Inc()
}

func (s *PrometheusSink) JobFinished(queue, outcome string, duration time.Duration) {
	s.jobsRunning.WithLabelValues(queue).Dec()
	s.jobsFinishedTotal.WithLabelValues(queue, outcome).Inc()
	s.jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (s *PrometheusSink) JobExpired(requeued bool) {
	s.jobsExpiredTotal.WithLabelValues(strconv.FormatBool(requeued)).Inc()
}

func (s *PrometheusSink) LogsPurged(count int) {
	s.logsPurgedTotal.Add(float64(count))
}

func (s *PrometheusSink) NotificationSent(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.notificationsTotal.WithLabelValues(event, result).Inc()
}
