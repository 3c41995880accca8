package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	ProductID string `form:"product_id"`
	BackupID  string `form:"backup_id"`
	Action    string `form:"action"`
	ActorType string `form:"actor_type"`
	StartAt   string `form:"start_at"`
	EndAt     string `form:"end_at"`
	From      string `form:"from"`
	To        string `form:"to"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAtValue := strings.TrimSpace(query.StartAt)
	if startAtValue == "" {
		startAtValue = strings.TrimSpace(query.From)
	}
	startAt, err := parseTimeBound(startAtValue, startOfDay)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}

	endAtValue := strings.TrimSpace(query.EndAt)
	if endAtValue == "" {
		endAtValue = strings.TrimSpace(query.To)
	}
	endAt, err := parseTimeBound(endAtValue, endOfDay)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	productID, err := parseOptionalSnowflakeID(query.ProductID)
	if err != nil {
		AbortWithError(c, newValidationError("product_id", "invalid_product_id", "invalid product_id"))
		return
	}
	backupID, err := parseOptionalSnowflakeID(query.BackupID)
	if err != nil {
		AbortWithError(c, newValidationError("backup_id", "invalid_backup_id", "invalid backup_id"))
		return
	}

	req := auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Action:    strings.TrimSpace(query.Action),
		ActorType: strings.TrimSpace(query.ActorType),
		StartAt:   startAt,
		EndAt:     endAt,
	}
	if productID != nil {
		req.ProductID = *productID
	}
	if backupID != nil {
		req.BackupID = *backupID
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
