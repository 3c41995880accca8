package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	backupdomain "github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/observability"
	obsmiddleware "github.com/smallbiznis/tenantvault/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenantvault/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenantvault/internal/observability/tracing"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	lifecycledomain "github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/gate"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	backupSvc    backupdomain.Service
	auditSvc     auditdomain.Service
	lifecycleSvc lifecycledomain.Service
	policies     retentionpolicy.Resolver
	gate         *gate.Gate
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	BackupSvc backupdomain.Service
	AuditSvc  auditdomain.Service
	Lifecycle lifecycledomain.Service
	Policies  retentionpolicy.Resolver
	Gate      *gate.Gate
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		backupSvc:    p.BackupSvc,
		auditSvc:     p.AuditSvc,
		lifecycleSvc: p.Lifecycle,
		policies:     p.Policies,
		gate:         p.Gate,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(TenantContext())
	if s.gate != nil {
		api.Use(s.gate.Middleware())
	}

	api.GET("/lifecycle", s.GetLifecycle)

	// -------- Backups --------
	api.POST("/backups", s.CreateBackup)
	api.GET("/backups", s.ListBackups)
	api.GET("/backups/retention/preview", s.PreviewRetention)
	api.GET("/backups/audit", s.ListAuditLogs)
	api.GET("/backups/:id", s.GetBackup)
	api.POST("/backups/:id/download-token", s.IssueBackupDownloadToken)
	api.GET("/backups/:id/download", s.DownloadBackup)
	api.POST("/backups/:id/restore", s.RestoreBackup)
	api.PUT("/backups/:id/legal-hold", s.SetBackupLegalHold)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.Use(s.InternalAuthRequired())

	// -------- Lifecycle --------
	internal.POST("/lifecycle/:orgId/evaluate", s.EvaluateLifecycle)
	internal.POST("/lifecycle/:orgId/confirm-deleted", s.ConfirmLifecycleDeleted)

	// -------- Retention overrides --------
	internal.GET("/retention-overrides/:orgId", s.ListRetentionOverrides)
	internal.PUT("/retention-overrides/:orgId", s.PutRetentionOverride)
	internal.DELETE("/retention-overrides/:orgId", s.DeleteRetentionOverride)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
