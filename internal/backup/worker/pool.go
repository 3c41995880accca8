// Package worker runs queued backups on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/config"
	obscontext "github.com/smallbiznis/tenantvault/internal/observability/context"
	obslogger "github.com/smallbiznis/tenantvault/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runner executes one backup to completion.
type Runner interface {
	RunBackup(ctx context.Context, id snowflake.ID) (*domain.RunResult, error)
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Log       *zap.Logger
	Cfg       config.Config
	Runner    domain.Service
}

// Pool implements domain.Dispatcher. Dispatch never blocks: when every slot
// is busy the backup stays queued for the next dispatch_queued run.
type Pool struct {
	log    *zap.Logger
	runner Runner
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[snowflake.ID]struct{}
	closed bool
}

func NewPool(p Params) *Pool {
	pool := New(p.Runner, p.Cfg.Backup.Workers, p.Log)
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return pool.Shutdown(ctx)
			},
		})
	}
	return pool
}

func New(runner Runner, workers int64, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:    log.Named("backup.worker"),
		runner: runner,
		sem:    semaphore.NewWeighted(workers),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[snowflake.ID]struct{}),
	}
}

// Dispatch starts id on a free slot. A backup already running here counts
// as dispatched.
func (p *Pool) Dispatch(id snowflake.ID) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if _, running := p.active[id]; running {
		p.mu.Unlock()
		return true
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return false
	}
	p.active[id] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(id)
	return true
}

func (p *Pool) run(id snowflake.ID) {
	defer func() {
		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()
		p.sem.Release(1)
		p.wg.Done()
	}()
	ctx := obscontext.WithBackupID(p.ctx, id.String())
	ctx = obscontext.WithActor(ctx, "system", "backup.worker")
	log := obslogger.WithContext(ctx, p.log)
	defer func() {
		if r := recover(); r != nil {
			log.Error("backup worker panic", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	result, err := p.runner.RunBackup(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Debug("backup already taken")
			return
		}
		log.Warn("backup run failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("backup run finished",
		zap.Int64("size_bytes", result.Record.SizeBytes),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Shutdown stops accepting work, cancels running backups and waits for them
// to record their outcome.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched backup has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
