package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/tenantvault/internal/observability/context"
	obslogger "github.com/smallbiznis/tenantvault/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenantvault/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun accumulates counters for one job execution. Jobs run one at a time,
// so it is not synchronized.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processed += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errors++
	}
}

// ensureJobRun attaches a jobRun to ctx unless one is already present. The
// bool reports whether the caller created it and so owns start/finish logs.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	return s.withLogContext(ctx, 0), run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) withLogContext(ctx context.Context, orgID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, schedulerActorName, schedulerActorName)
	if orgID != 0 {
		ctx = obscontext.WithOrgID(ctx, orgID.String())
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	}
	if run.errors > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logSchedulerError counts err against run. Retryable failures (timeouts,
// storage or Redis hiccups) log at warn; the rest at error.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, orgID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()

	retryable := obsmetrics.IsSchedulerErrorRetryable(err)
	all := append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	}, fields...)

	log := s.logger(s.withLogContext(ctx, orgID))
	if retryable {
		log.Warn(msg, all...)
		return
	}
	log.Error(msg, all...)
}

// logTransitions logs one line per lifecycle status that gained tenants, in
// status order.
func (s *Scheduler) logTransitions(ctx context.Context, job string, counts map[string]int) {
	statuses := make([]string, 0, len(counts))
	for status, count := range counts {
		if count > 0 {
			statuses = append(statuses, status)
		}
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		s.logger(ctx).Info("lifecycle.transitions",
			zap.String("job", job),
			zap.String("status", status),
			zap.Int("count", counts[status]),
		)
	}
}
