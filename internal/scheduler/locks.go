package scheduler

import (
	"context"
	"fmt"

	obsmetrics "github.com/smallbiznis/tenantvault/internal/observability/metrics"
	"go.uber.org/zap"
)

const jobLeaseKey = "scheduler:job:%s"

// acquireJobLease claims a job across replicas. Without a locker every
// replica runs every job, which is safe because each backup transition is a
// compare-and-set. The returned release func is never nil when ok is true.
func (s *Scheduler) acquireJobLease(ctx context.Context, job string) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	lease, err := s.locker.Acquire(ctx, fmt.Sprintf(jobLeaseKey, job), s.cfg.LeaseTTL)
	if err != nil {
		// Redis outage must not stop maintenance.
		s.logger(ctx).Warn("scheduler.lease.unavailable", zap.String("job", job), zap.Error(err))
		return func() {}, true
	}
	if lease == nil {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("scheduler.lease.held", zap.String("job", job))
		return nil, false
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx).Warn("scheduler.lease.release_failed", zap.String("job", job), zap.Error(err))
		}
	}, true
}
