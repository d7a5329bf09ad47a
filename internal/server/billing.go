package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	billingdomain "github.com/sunpool/sunpool/internal/billing/domain"
)

type generateInvoicesRequest struct {
	Month        string `json:"month"`
	SubscriberID string `json:"subscriber_id"`
}

// GenerateInvoices bills one subscriber when subscriber_id is set and the
// whole month otherwise.
func (s *Server) GenerateInvoices(c *gin.Context) {
	var req generateInvoicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	monthKey := strings.TrimSpace(req.Month)

	subscriberID, err := parseOptionalSnowflakeID(req.SubscriberID)
	if err != nil {
		AbortWithError(c, newValidationError("subscriber_id", "invalid_subscriber_id", "invalid subscriber_id"))
		return
	}

	if subscriberID != nil {
		resp, err := s.billingSvc.GenerateInvoice(c.Request.Context(), *subscriberID, monthKey)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		if s.auditSvc != nil {
			targetID := subscriberID.String()
			_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "invoice.generate", "subscriber", &targetID, map[string]any{
				"invoice_id":         resp.ID.String(),
				"month":              resp.Month,
				"final_amount_cents": resp.FinalAmountCents,
			})
		}

		c.JSON(http.StatusOK, gin.H{"data": resp})
		return
	}

	resp, err := s.billingSvc.GenerateInvoicesForMonth(c.Request.Context(), monthKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "invoice.generate_batch", "invoice", nil, map[string]any{
			"month":     resp.Month,
			"generated": resp.Generated,
			"failures":  len(resp.Failures),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.billingSvc.GetInvoice(c.Request.Context(), id, strings.TrimSpace(c.Param("month")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListInvoices(c *gin.Context) {
	var query struct {
		SubscriberID string `form:"subscriber_id"`
		Month        string `form:"month"`
		Status       string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := billingdomain.ListInvoicesRequest{
		Month:  strings.TrimSpace(query.Month),
		Status: billingdomain.InvoiceStatus(strings.TrimSpace(query.Status)),
	}

	subscriberID, err := parseOptionalSnowflakeID(query.SubscriberID)
	if err != nil {
		AbortWithError(c, newValidationError("subscriber_id", "invalid_subscriber_id", "invalid subscriber_id"))
		return
	}
	if subscriberID != nil {
		req.SubscriberID = *subscriberID
	}

	resp, err := s.billingSvc.ListInvoices(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscriberInvoices(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.billingSvc.ListInvoices(c.Request.Context(), billingdomain.ListInvoicesRequest{
		SubscriberID: id,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.billingSvc.MarkPaid(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := id.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeAdmin, nil, "invoice.mark_paid", "invoice", &targetID, map[string]any{
			"subscriber_id":      resp.SubscriberID.String(),
			"month":              resp.Month,
			"final_amount_cents": resp.FinalAmountCents,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type markOverdueRequest struct {
	AsOf string `json:"as_of"`
}

func (s *Server) MarkInvoicesOverdue(c *gin.Context) {
	var req markOverdueRequest
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

	count, err := s.billingSvc.MarkOverdue(c.Request.Context(), asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"marked_overdue": count}})
}
