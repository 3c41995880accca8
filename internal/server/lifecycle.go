package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantvault/internal/orgcontext"
	"github.com/smallbiznis/tenantvault/internal/retention"
)

func (s *Server) GetLifecycle(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	status, err := s.lifecycleSvc.Get(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) EvaluateLifecycle(c *gin.Context) {
	orgID, ok := pathID(c, "orgId")
	if !ok {
		return
	}

	status, err := s.lifecycleSvc.Evaluate(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if s.gate != nil {
		s.gate.Forget(orgID)
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) ConfirmLifecycleDeleted(c *gin.Context) {
	orgID, ok := pathID(c, "orgId")
	if !ok {
		return
	}

	status, err := s.lifecycleSvc.ConfirmDeleted(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if s.gate != nil {
		s.gate.Forget(orgID)
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// overrideScope reads the organization from the path and the optional
// product from the query. Product 0 addresses the organization-wide override.
func overrideScope(c *gin.Context) (snowflake.ID, snowflake.ID, bool) {
	orgID, ok := pathID(c, "orgId")
	if !ok {
		return 0, 0, false
	}
	productID, err := parseOptionalSnowflakeID(c.Query("product_id"))
	if err != nil {
		AbortWithError(c, newValidationError("product_id", "invalid_product_id", "invalid product_id"))
		return 0, 0, false
	}
	if productID == nil {
		return orgID, 0, true
	}
	return orgID, *productID, true
}

func (s *Server) ListRetentionOverrides(c *gin.Context) {
	orgID, ok := pathID(c, "orgId")
	if !ok {
		return
	}

	overrides, err := s.policies.Overrides(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := make(map[string]retention.Override, len(overrides))
	for productID, override := range overrides {
		data[productID.String()] = override
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) PutRetentionOverride(c *gin.Context) {
	orgID, productID, ok := overrideScope(c)
	if !ok {
		return
	}

	var override retention.Override
	if err := c.ShouldBindJSON(&override); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.policies.SetOverride(c.Request.Context(), orgID, productID, override); err != nil {
		AbortWithError(c, err)
		return
	}

	effective, err := s.policies.ForTenant(c.Request.Context(), orgID, productID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": effective})
}

func (s *Server) DeleteRetentionOverride(c *gin.Context) {
	orgID, productID, ok := overrideScope(c)
	if !ok {
		return
	}

	if err := s.policies.ClearOverride(c.Request.Context(), orgID, productID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
