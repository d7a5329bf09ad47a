package events

// Event types consumed by the notification and audit collaborators.
const (
	EventAllocationCreated    = "allocation_created"
	EventAllocationSuperseded = "allocation_superseded"
	EventCreditsAccumulated   = "credits_accumulated"
	EventCreditsConsumed      = "credits_consumed"
	EventCreditsAdjusted      = "credits_adjusted"
	EventCreditsExpired       = "credits_expired"
	EventCreditsExpiring      = "credits_expiring"
	EventInvoiceGenerated     = "invoice_generated"
	EventInvoiceOverdue       = "invoice_overdue"
	EventReconciliationDone   = "reconciliation_completed"
)

// CreditEventPayload captures the minimal data a notification consumer needs
// to describe a balance mutation.
type CreditEventPayload struct {
	SubscriberID  string  `json:"subscriber_id"`
	Month         string  `json:"month,omitempty"`
	AmountKwh     float64 `json:"amount_kwh"`
	BalanceKwh    float64 `json:"balance_kwh"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

func (p CreditEventPayload) ToMap() map[string]any {
	m := map[string]any{
		"subscriber_id": p.SubscriberID,
		"amount_kwh":    p.AmountKwh,
		"balance_kwh":   p.BalanceKwh,
	}
	if p.Month != "" {
		m["month"] = p.Month
	}
	if p.TransactionID != "" {
		m["transaction_id"] = p.TransactionID
	}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	return m
}

// AllocationEventPayload describes an allocation run result for one subscriber.
type AllocationEventPayload struct {
	PlantID      string  `json:"plant_id"`
	SubscriberID string  `json:"subscriber_id"`
	Month        string  `json:"month"`
	AllocatedKwh float64 `json:"allocated_kwh"`
	Percentage   float64 `json:"percentage"`
}

func (p AllocationEventPayload) ToMap() map[string]any {
	return map[string]any{
		"plant_id":      p.PlantID,
		"subscriber_id": p.SubscriberID,
		"month":         p.Month,
		"allocated_kwh": p.AllocatedKwh,
		"percentage":    p.Percentage,
	}
}
