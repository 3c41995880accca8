package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/auditcontext"
	backupdomain "github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantvault/internal/observability/metrics"
	"github.com/smallbiznis/tenantvault/internal/ratelimit"
	lifecycledomain "github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireBackups   = "expire_backups"
	JobApplyRetention  = "apply_retention"
	JobReapStuck       = "reap_stuck_backups"
	JobDispatchQueued  = "dispatch_queued"
	JobLifecycleSweep  = "lifecycle_sweep"
	schedulerActorName = "scheduler"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Backups   backupdomain.Maintenance
	Lifecycle lifecycledomain.Service
	Locker    *ratelimit.Locker `optional:"true"`
	Clock     clock.Clock       `optional:"true"`
	Config    Config            `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	backups   backupdomain.Maintenance
	lifecycle lifecycledomain.Service
	locker    *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Backups == nil || p.Lifecycle == nil {
		return nil, ErrInvalidConfig
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     c,
		backups:   p.Backups,
		lifecycle: p.Lifecycle,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), schedulerActorName)
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)

	release, ok := s.acquireJobLease(ctx, name)
	if !ok {
		return nil
	}
	defer release()

	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick resumes where this run stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. Expiry runs before retention so a
// freshly expired backup is purged in the same pass.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{JobLifecycleSweep, s.cfg.JobTimeout, s.LifecycleSweepJob},
		{JobReapStuck, s.cfg.JobTimeout, s.ReapStuckJob},
		{JobDispatchQueued, s.cfg.JobTimeout, s.DispatchQueuedJob},
		{JobExpireBackups, s.cfg.JobTimeout, s.ExpireBackupsJob},
		{JobApplyRetention, s.cfg.RetentionTimeout, s.ApplyRetentionJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, job.Timeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) ExpireBackupsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	count, err := s.backups.ExpireBackups(ctx, s.cfg.BatchSize)
	run.AddProcessed(count)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobExpireBackups, obsmetrics.ResourceBackupRecords, count)
	schedMetrics.AddBackupTransitions(string(backupdomain.BackupStatusCompleted), string(backupdomain.BackupStatusExpired), count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.backup.expire.failed", JobExpireBackups, 0, err)
	}
	return err
}

func (s *Scheduler) ApplyRetentionJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	result, err := s.backups.ApplyRetention(ctx, s.cfg.BatchSize)
	run.AddProcessed(result.Purged)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobApplyRetention, obsmetrics.ResourceTenants, result.Tenants)
	schedMetrics.AddBatchProcessed(JobApplyRetention, obsmetrics.ResourceBackupRecords, result.Purged)
	schedMetrics.AddBackupTransitions("retained", string(backupdomain.BackupStatusPurged), result.Purged)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.retention.failed", JobApplyRetention, 0, err,
			zap.Int("tenants", result.Tenants),
			zap.Int("purged", result.Purged),
		)
	}
	return err
}

func (s *Scheduler) ReapStuckJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	count, err := s.backups.ReapStuck(ctx, s.cfg.BatchSize)
	run.AddProcessed(count)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobReapStuck, obsmetrics.ResourceBackupRecords, count)
	schedMetrics.AddBackupTransitions(string(backupdomain.BackupStatusRunning), string(backupdomain.BackupStatusFailed), count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.backup.reap.failed", JobReapStuck, 0, err)
	}
	return err
}

// DispatchQueuedJob re-dispatches queued backups that missed the worker pool.
// Anything queued for less than one run interval is still owned by its request.
func (s *Scheduler) DispatchQueuedJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	count, err := s.backups.DispatchQueued(ctx, s.cfg.RunInterval, s.cfg.BatchSize)
	run.AddProcessed(count)
	obsmetrics.Scheduler().AddBatchProcessed(JobDispatchQueued, obsmetrics.ResourceBackupRecords, count)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.backup.dispatch.failed", JobDispatchQueued, 0, err)
	}
	return err
}

func (s *Scheduler) LifecycleSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	result, err := s.lifecycle.Sweep(ctx, s.cfg.BatchSize)
	run.AddProcessed(result.Evaluated)
	obsmetrics.Scheduler().AddBatchProcessed(JobLifecycleSweep, obsmetrics.ResourceTenants, result.Evaluated)
	s.logTransitions(ctx, JobLifecycleSweep, result.Transitions)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.lifecycle.sweep.failed", JobLifecycleSweep, 0, err,
			zap.Int("evaluated", result.Evaluated),
		)
	}
	return err
}
