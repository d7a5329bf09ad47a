package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	"github.com/sunpool/sunpool/pkg/db/pagination"
)

func (s *Server) GetBalance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.ledgerSvc.GetBalance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTransactions(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var query struct {
		pagination.Pagination
		Month   string `form:"month"`
		Type    string `form:"type"`
		StartAt string `form:"start_at"`
		EndAt   string `form:"end_at"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}

	endAt, err := parseOptionalTime(query.EndAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), id, ledgerdomain.ListTransactionsRequest{
		Pagination: query.Pagination,
		Month:      strings.TrimSpace(query.Month),
		Type:       ledgerdomain.TransactionType(strings.TrimSpace(query.Type)),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type consumeCreditsRequest struct {
	SubscriberID string  `json:"subscriber_id"`
	AmountKwh    float64 `json:"amount_kwh"`
	Reason       string  `json:"reason"`
}

func (s *Server) ConsumeCredits(c *gin.Context) {
	var req consumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriberID, err := parseOptionalSnowflakeID(req.SubscriberID)
	if err != nil || subscriberID == nil {
		AbortWithError(c, newValidationError("subscriber_id", "invalid_subscriber_id", "invalid subscriber_id"))
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "credit consumption"
	}

	resp, err := s.ledgerSvc.Consume(c.Request.Context(), *subscriberID, req.AmountKwh, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type adjustCreditsRequest struct {
	SubscriberID string  `json:"subscriber_id"`
	Month        string  `json:"month"`
	AmountKwh    float64 `json:"amount_kwh"`
	Reason       string  `json:"reason"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriberID, err := parseOptionalSnowflakeID(req.SubscriberID)
	if err != nil || subscriberID == nil {
		AbortWithError(c, newValidationError("subscriber_id", "invalid_subscriber_id", "invalid subscriber_id"))
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	resp, err := s.ledgerSvc.Adjust(c.Request.Context(), *subscriberID, strings.TrimSpace(req.Month), req.AmountKwh, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) VerifyLedger(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.ledgerSvc.VerifyLedger(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "ledger.verify", "subscriber", &targetID, map[string]any{
			"result": "consistent",
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"subscriber_id": id.String(), "consistent": true}})
}
