package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantvault/internal/auditcontext"
	backupdomain "github.com/smallbiznis/tenantvault/internal/backup/domain"
	obscontext "github.com/smallbiznis/tenantvault/internal/observability/context"
	"github.com/smallbiznis/tenantvault/internal/orgcontext"
	"github.com/smallbiznis/tenantvault/pkg/db/pagination"
	"go.uber.org/zap"
)

type createBackupRequest struct {
	ProductID string `json:"product_id"`
}

type listBackupsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	ProductID string `form:"product_id"`
	Status    string `form:"status"`
}

type legalHoldRequest struct {
	Hold *bool `json:"hold" binding:"required"`
}

// tenantFromRequest resolves the (org, product) pair a request acts on. The
// product comes from the request context or the explicit value; both must
// agree when present.
func tenantFromRequest(c *gin.Context, explicitProduct string) (backupdomain.Tenant, bool) {
	ctx := c.Request.Context()
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return backupdomain.Tenant{}, false
	}

	productID, err := parseOptionalSnowflakeID(explicitProduct)
	if err != nil {
		AbortWithError(c, newValidationError("product_id", "invalid_product_id", "invalid product_id"))
		return backupdomain.Tenant{}, false
	}
	if fromCtx, ok := orgcontext.ProductIDFromContext(ctx); ok {
		if productID != nil && *productID != fromCtx {
			AbortWithError(c, newValidationError("product_id", "invalid_product_id", "product_id does not match X-Product-ID"))
			return backupdomain.Tenant{}, false
		}
		productID = &fromCtx
	}
	if productID == nil {
		AbortWithError(c, newValidationError("product_id", "invalid_product_id", "product_id is required"))
		return backupdomain.Tenant{}, false
	}
	return backupdomain.Tenant{OrgID: orgID, ProductID: *productID}, true
}

func (s *Server) CreateBackup(c *gin.Context) {
	var req createBackupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	tenant, ok := tenantFromRequest(c, req.ProductID)
	if !ok {
		return
	}

	_, actorID := auditcontext.ActorFromContext(c.Request.Context())
	record, err := s.backupSvc.RequestBackup(c.Request.Context(), tenant, actorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": record})
}

func (s *Server) ListBackups(c *gin.Context) {
	var query listBackupsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	productID, err := parseOptionalSnowflakeID(query.ProductID)
	if err != nil {
		AbortWithError(c, newValidationError("product_id", "invalid_product_id", "invalid product_id"))
		return
	}

	statuses, err := parseBackupStatuses(query.Status)
	if err != nil {
		AbortWithError(c, newValidationError("status", "invalid_status", err.Error()))
		return
	}

	req := backupdomain.ListBackupsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Statuses: statuses,
	}
	if productID != nil {
		req.ProductID = *productID
	}

	resp, err := s.backupSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Backups, "page_info": resp.PageInfo})
}

func (s *Server) GetBackup(c *gin.Context) {
	id, ok := backupPathID(c)
	if !ok {
		return
	}

	record, err := s.backupSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) IssueBackupDownloadToken(c *gin.Context) {
	id, ok := backupPathID(c)
	if !ok {
		return
	}

	token, err := s.backupSvc.IssueDownloadToken(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"download_token": token}})
}

func (s *Server) DownloadBackup(c *gin.Context) {
	id, ok := backupPathID(c)
	if !ok {
		return
	}

	token := strings.TrimSpace(c.Query("token"))
	body, record, err := s.backupSvc.OpenDownload(c.Request.Context(), id, token)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			s.log.Warn("failed to close backup download", zap.Error(cerr))
		}
	}()

	c.Header("X-Backup-Checksum", record.Checksum)
	c.DataFromReader(http.StatusOK, record.SizeBytes, "application/zip", body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="backup-%s.zip"`, record.ID.String()),
	})
}

func (s *Server) RestoreBackup(c *gin.Context) {
	id, ok := backupPathID(c)
	if !ok {
		return
	}

	if err := s.backupSvc.Restore(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"backup_id": id.String(), "status": "restored"}})
}

func (s *Server) SetBackupLegalHold(c *gin.Context) {
	id, ok := backupPathID(c)
	if !ok {
		return
	}

	var req legalHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("hold", "invalid_hold", "hold is required"))
		return
	}

	record, err := s.backupSvc.SetLegalHold(c.Request.Context(), id, *req.Hold)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) PreviewRetention(c *gin.Context) {
	tenant, ok := tenantFromRequest(c, c.Query("product_id"))
	if !ok {
		return
	}

	preview, err := s.backupSvc.PreviewRetention(c.Request.Context(), tenant)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}

// backupPathID parses the :id segment and tags the request with it.
func backupPathID(c *gin.Context) (snowflake.ID, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return 0, false
	}
	c.Request = c.Request.WithContext(obscontext.WithBackupID(c.Request.Context(), id.String()))
	return id, true
}

func parseBackupStatuses(raw string) ([]backupdomain.BackupStatus, error) {
	var out []backupdomain.BackupStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		status := backupdomain.BackupStatus(part)
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, status)
	}
	return out, nil
}
