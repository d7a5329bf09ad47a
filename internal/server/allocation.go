package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
)

type runAllocationRequest struct {
	PlantID string `json:"plant_id"`
	Month   string `json:"month"`
	Rerun   bool   `json:"rerun"`
}

func (s *Server) RunAllocation(c *gin.Context) {
	var req runAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plantID, err := parseOptionalSnowflakeID(req.PlantID)
	if err != nil || plantID == nil {
		AbortWithError(c, newValidationError("plant_id", "invalid_plant_id", "invalid plant_id"))
		return
	}

	resp, err := s.allocationSvc.RunAllocation(c.Request.Context(), allocationdomain.RunAllocationRequest{
		PlantID: *plantID,
		Month:   strings.TrimSpace(req.Month),
		Rerun:   req.Rerun,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := resp.PlantID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "allocation.run", "plant", &targetID, map[string]any{
			"run_id":        resp.RunID.String(),
			"month":         resp.Month,
			"status":        string(resp.Status),
			"rerun":         resp.Rerun,
			"allocated_kwh": resp.AllocatedKwh,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAllocations(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var query struct {
		Month string `form:"month"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.allocationSvc.ListAllocations(c.Request.Context(), id, strings.TrimSpace(query.Month))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAllocationRuns(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.allocationSvc.ListRuns(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
