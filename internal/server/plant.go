package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
)

type createPlantRequest struct {
	Name        string  `json:"name"`
	CapacityKwp float64 `json:"capacity_kwp"`
}

func (s *Server) CreatePlant(c *gin.Context) {
	var req createPlantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.plantSvc.Create(c.Request.Context(), plantdomain.CreatePlantRequest{
		Name:        strings.TrimSpace(req.Name),
		CapacityKwp: req.CapacityKwp,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := resp.ID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "plant.create", "plant", &targetID, map[string]any{
			"name":         resp.Name,
			"capacity_kwp": resp.CapacityKwp,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListPlants(c *gin.Context) {
	resp, err := s.plantSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPlant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.plantSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type setGenerationRequest struct {
	Month         string  `json:"month"`
	GenerationKwh float64 `json:"generation_kwh"`
	Source        string  `json:"source"`
	Force         bool    `json:"force"`
}

func (s *Server) SetGeneration(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req setGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	source := plantdomain.GenerationSource(strings.TrimSpace(req.Source))
	if source == "" {
		source = plantdomain.GenerationSourceActual
	}

	resp, err := s.plantSvc.SetMonthlyGeneration(c.Request.Context(), plantdomain.SetGenerationRequest{
		PlantID:       id,
		Month:         strings.TrimSpace(req.Month),
		GenerationKwh: req.GenerationKwh,
		Source:        source,
		Force:         req.Force,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "plant.set_generation", "plant", &targetID, map[string]any{
			"month":          resp.Month,
			"generation_kwh": resp.GenerationKwh,
			"source":         string(resp.Source),
			"force":          req.Force,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetGeneration(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.plantSvc.GenerationFor(c.Request.Context(), id, strings.TrimSpace(c.Param("month")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		AbortWithError(c, plantdomain.ErrGenerationNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
