package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tenantvault/internal/authorization"
	"gorm.io/gorm"
)

// Error types attached to scheduler log lines.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeStorage          = "storage"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons used as the job error counter label.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonStorageUnavailable   = "storage_unavailable"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld = "lock_held"
)

// Batch resources reported by AddBatchProcessed.
const (
	ResourceBackupRecords = "backup_records"
	ResourceTenants       = "tenants"
)

// ErrStorageUnavailable is matched by errors.Is when the storage breaker is open.
var ErrStorageUnavailable = errors.New("storage_unavailable")

// SchedulerMetrics are the prometheus series for batch jobs.
type SchedulerMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	batchProcessed    *prometheus.CounterVec
	batchDeferred     *prometheus.CounterVec
	runLoopLag        prometheus.Histogram
	backupTransitions *prometheus.CounterVec
}

var (
	schedulerOnce    sync.Once
	schedulerMetrics *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on the default registry
// the first time it is called. Later calls return the same instance.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest forgets the singleton so a test can register
// on a fresh default registry.
func ResetSchedulerMetricsForTest() {
	schedulerOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	labels := constLabelsFor(cfg)
	counter := func(name, help string, vars ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantvault_" + name,
			Help:        help,
			ConstLabels: labels,
		}, vars)
	}

	m := &SchedulerMetrics{
		jobRuns:        counter("scheduler_job_runs_total", "Scheduler job runs.", "job"),
		jobTimeouts:    counter("scheduler_job_timeouts_total", "Scheduler jobs stopped by their deadline.", "job"),
		jobErrors:      counter("scheduler_job_errors_total", "Scheduler job failures by reason.", "job", "reason"),
		batchProcessed: counter("scheduler_batch_processed_total", "Items handled by scheduler batches.", "job", "resource"),
		batchDeferred:  counter("scheduler_batch_deferred_total", "Scheduler batches skipped, by reason.", "job", "reason"),
		backupTransitions: counter("backup_transition_total",
			"Backup status changes applied by scheduler jobs.", "from", "to"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tenantvault_scheduler_job_duration_seconds",
			Help:        "Scheduler job wall time.",
			Buckets:     prometheus.ExponentialBucketsRange(0.01, 1800, 16),
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tenantvault_scheduler_runloop_lag_seconds",
			Help:        "Delay of a scheduler tick past its interval.",
			Buckets:     prometheus.ExponentialBucketsRange(0.01, 300, 12),
			ConstLabels: labels,
		}),
	}
	registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors,
		m.batchProcessed, m.batchDeferred, m.runLoopLag, m.backupTransitions)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, classifySchedulerError(err).reason).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// ObserveRunLoopLag records how late a tick started. Negative lag counts as zero.
func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(d, 0).Seconds())
	}
}

func (m *SchedulerMetrics) AddBackupTransitions(from, to string, count int) {
	if m != nil && count > 0 {
		m.backupTransitions.WithLabelValues(from, to).Add(float64(count))
	}
}

type schedulerFailure struct {
	errType   string
	reason    string
	retryable bool
}

// classifySchedulerError checks the cases in order. Postgres errors other
// than the named codes fall through to a generic retryable db failure.
func classifySchedulerError(err error) schedulerFailure {
	switch {
	case err == nil:
		return schedulerFailure{SchedulerErrorTypeUnknown, SchedulerJobReasonUnknown, false}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return schedulerFailure{SchedulerErrorTypeDeadlineExceeded, SchedulerJobReasonDeadlineExceeded, true}
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction):
		return schedulerFailure{SchedulerErrorTypeAuthorization, SchedulerJobReasonForbidden, false}
	case errors.Is(err, ErrStorageUnavailable):
		return schedulerFailure{SchedulerErrorTypeStorage, SchedulerJobReasonStorageUnavailable, true}
	case errors.Is(err, gorm.ErrDuplicatedKey), pgCode(err) == "23505":
		return schedulerFailure{SchedulerErrorTypeDB, SchedulerJobReasonUniqueViolation, false}
	case pgCode(err) == "55P03":
		return schedulerFailure{SchedulerErrorTypeDB, SchedulerJobReasonDBLockTimeout, true}
	case pgCode(err) == "40001":
		return schedulerFailure{SchedulerErrorTypeDB, SchedulerJobReasonSerializationFailure, true}
	case pgCode(err) != "", isGormDriverError(err):
		return schedulerFailure{SchedulerErrorTypeDB, SchedulerJobReasonUnknown, true}
	default:
		return schedulerFailure{SchedulerErrorTypeBusinessRule, SchedulerJobReasonUnknown, false}
	}
}

// ClassifySchedulerErrorType returns the error_type logged for a failed job.
func ClassifySchedulerErrorType(err error) string {
	return classifySchedulerError(err).errType
}

// ClassifySchedulerJobReason returns the counter label for a failed job.
func ClassifySchedulerJobReason(err error) string {
	return classifySchedulerError(err).reason
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed
// without intervention.
func IsSchedulerErrorRetryable(err error) bool {
	return classifySchedulerError(err).retryable
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isGormDriverError(err error) bool {
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidField,
		gorm.ErrInvalidData,
		gorm.ErrMissingWhereClause,
		gorm.ErrUnsupportedDriver,
		gorm.ErrInvalidValue,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
