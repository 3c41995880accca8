package storage

import (
	"context"
	"fmt"

	"github.com/smallbiznis/tenantvault/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("storage",
	fx.Provide(New),
)

// New builds the configured backend wrapped in a circuit breaker.
func New(cfg config.Config, log *zap.Logger) (Storage, error) {
	var backend Storage
	switch cfg.Storage.Backend {
	case config.StorageBackendLocal, "":
		local, err := NewLocal(cfg.Storage.LocalRoot)
		if err != nil {
			return nil, err
		}
		backend = local
	case config.StorageBackendS3:
		s3, err := NewS3(context.Background(), S3Options{
			Bucket:       cfg.Storage.S3Bucket,
			Region:       cfg.Storage.S3Region,
			Endpoint:     cfg.Storage.S3Endpoint,
			AccessKey:    cfg.Storage.S3AccessKey,
			SecretKey:    cfg.Storage.S3SecretKey,
			UsePathStyle: cfg.Storage.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		backend = s3
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}

	log.Named("storage").Info("storage backend ready", zap.String("backend", cfg.Storage.Backend))
	return NewBreaker(backend, BreakerSettings{
		Name:             "storage." + cfg.Storage.Backend,
		FailureThreshold: cfg.Storage.BreakerFailureThreshold,
		OpenTimeout:      cfg.Storage.BreakerOpenTimeout,
	}, log), nil
}
