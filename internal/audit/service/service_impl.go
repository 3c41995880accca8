package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/audit/masking"
	"github.com/smallbiznis/tenantvault/internal/auditcontext"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/orgcontext"
	"github.com/smallbiznis/tenantvault/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
	}
}

func (s *Service) Record(ctx context.Context, event auditdomain.Event) error {
	return s.RecordTx(ctx, s.db, event)
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, event auditdomain.Event) error {
	action := strings.TrimSpace(event.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	if event.OrgID == 0 {
		return auditdomain.ErrInvalidOrganization
	}

	status := strings.TrimSpace(event.Status)
	if status == "" {
		status = auditdomain.StatusInfo
	}
	actorType, actorID := s.resolveActor(ctx, event.ActorType, event.ActorID)

	entry := auditdomain.AuditLog{
		ID:        s.genID.Generate(),
		OrgID:     event.OrgID,
		ProductID: optionalID(event.ProductID),
		Action:    action,
		Status:    status,
		ActorType: actorType,
		ActorID:   actorID,
		BackupID:  optionalID(event.BackupID),
		RequestID: optionalString(firstNonEmpty(event.RequestID, auditcontext.RequestIDFromContext(ctx))),
		IPAddress: optionalString(auditcontext.IPAddressFromContext(ctx)),
		UserAgent: optionalString(auditcontext.UserAgentFromContext(ctx)),
		CreatedAt: s.clock.Now().UTC(),
	}
	if masked := masking.MaskSensitive(event.Metadata); masked != nil {
		entry.Metadata = datatypes.JSONMap(masked)
	}

	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.Int64("org_id", int64(event.OrgID)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidOrganization
	}

	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	keyset, err := pagination.DecodeKeyset(req.PageToken)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
	}
	var cursor *auditdomain.AuditCursor
	if keyset != nil {
		cursor = &auditdomain.AuditCursor{ID: keyset.ID, CreatedAt: keyset.At}
	}
	pageSize := req.Limit(50)

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		OrgID:     orgID,
		ProductID: req.ProductID,
		BackupID:  req.BackupID,
		Action:    req.Action,
		ActorType: req.ActorType,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		Cursor:    cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs, pageInfo := pagination.Page(items, pageSize, func(l *auditdomain.AuditLog) pagination.Keyset {
		return pagination.Keyset{ID: l.ID, At: l.CreatedAt}
	})
	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs, PageInfo: pageInfo}
	return resp, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType auditdomain.ActorType, actorID string) (string, *string) {
	resolvedType := strings.TrimSpace(string(actorType))
	resolvedID := strings.TrimSpace(actorID)
	if resolvedType == "" {
		if ctxType, ctxID := auditcontext.ActorFromContext(ctx); ctxType != "" {
			resolvedType = ctxType
			if resolvedID == "" {
				resolvedID = ctxID
			}
		}
	}
	if resolvedType == "" {
		resolvedType = string(auditdomain.ActorTypeSystem)
	}
	return resolvedType, optionalString(resolvedID)
}

func optionalID(id snowflake.ID) *snowflake.ID {
	if id == 0 {
		return nil
	}
	return &id
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
