package capacity

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tenantvault/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultInterval = 15 * time.Minute

// Module reports backup capacity to a central collector when enabled.
var Module = fx.Module("capacity",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

// Register starts the background reporter. Failures are logged and never
// affect backup processing.
func Register(lc fx.Lifecycle, cfg config.Config, pusher Pusher, db *gorm.DB, logger *zap.Logger) error {
	if pusher == nil {
		return nil
	}
	logger = logger.Named("capacity")

	registry := prometheus.NewRegistry()
	collector, err := NewCollector(db, registry)
	if err != nil {
		return err
	}

	interval := cfg.Capacity.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting capacity reporter", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				reportOnce(ctx, collector, pusher, registry, logger)
				for {
					select {
					case <-ticker.C:
						reportOnce(ctx, collector, pusher, registry, logger)
					case <-ctx.Done():
						logger.Info("stopping capacity reporter")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return nil
}

func reportOnce(ctx context.Context, collector *Collector, pusher Pusher, registry *prometheus.Registry, logger *zap.Logger) {
	if err := collector.Collect(ctx); err != nil {
		logger.Error("capacity snapshot failed", zap.Error(err))
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := pusher.Push(pushCtx, registry); err != nil {
		logger.Error("capacity push failed", zap.Error(err))
	}
}
