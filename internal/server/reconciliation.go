package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
)

type runReconciliationRequest struct {
	PlantID   string  `json:"plant_id"`
	Month     string  `json:"month"`
	ActualKwh float64 `json:"actual_kwh"`
}

func (s *Server) RunReconciliation(c *gin.Context) {
	var req runReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plantID, err := parseOptionalSnowflakeID(req.PlantID)
	if err != nil || plantID == nil {
		AbortWithError(c, newValidationError("plant_id", "invalid_plant_id", "invalid plant_id"))
		return
	}

	resp, err := s.reconciliationSvc.Reconcile(c.Request.Context(), *plantID, strings.TrimSpace(req.Month), req.ActualKwh)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := plantID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "reconciliation.run", "plant", &targetID, map[string]any{
			"report_id":  resp.ID.String(),
			"month":      resp.Month,
			"delta_kwh":  resp.DeltaKwh,
			"efficiency": resp.Efficiency,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListReconciliationReports(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.reconciliationSvc.ListReports(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
