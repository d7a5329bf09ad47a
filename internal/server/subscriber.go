package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
)

type createSubscriberRequest struct {
	Name             string  `json:"name"`
	Email            string  `json:"email"`
	AverageBillValue float64 `json:"average_bill_value"`
	DiscountPercent  float64 `json:"discount_percent"`
}

func (s *Server) CreateSubscriber(c *gin.Context) {
	var req createSubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriberSvc.Create(c.Request.Context(), subscriberdomain.CreateSubscriberRequest{
		Name:             strings.TrimSpace(req.Name),
		Email:            strings.TrimSpace(req.Email),
		AverageBillValue: req.AverageBillValue,
		DiscountPercent:  req.DiscountPercent,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := resp.ID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "subscriber.create", "subscriber", &targetID, map[string]any{
			"name":               resp.Name,
			"email":              resp.Email,
			"average_bill_value": resp.AverageBillValue,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscribers(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriberSvc.List(c.Request.Context(), subscriberdomain.SubscriberStatus(strings.TrimSpace(query.Status)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscriber(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriberSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateSubscriberStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) UpdateSubscriberStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req updateSubscriberStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := subscriberdomain.SubscriberStatus(strings.TrimSpace(req.Status))
	if err := s.subscriberSvc.UpdateStatus(c.Request.Context(), id, status); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "subscriber.update_status", "subscriber", &targetID, map[string]any{
			"status": string(status),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id.String(), "status": status}})
}
