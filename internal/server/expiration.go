package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
)

type sweepExpirationsRequest struct {
	AsOf string `json:"as_of"`
}

func (s *Server) SweepExpirations(c *gin.Context) {
	var req sweepExpirationsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	asOf := s.clock.Now()
	if req.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			AbortWithError(c, newValidationError("as_of", "invalid_as_of", "invalid as_of"))
			return
		}
		asOf = parsed
	}

	resp, err := s.expirationSvc.SweepExpirations(c.Request.Context(), asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "expiration.sweep", "ledger", nil, map[string]any{
			"as_of":       asOf.Format(time.RFC3339),
			"swept_count": resp.SweptCount,
			"expired_kwh": resp.ExpiredKwh,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListExpiringCredits(c *gin.Context) {
	var query struct {
		Days int `form:"days,default=30"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.expirationSvc.ListExpiringWithin(c.Request.Context(), query.Days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
