package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateSubscriberRequest struct {
	Name             string  `json:"name"`
	Email            string  `json:"email"`
	AverageBillValue float64 `json:"average_bill_value"`
	DiscountPercent  float64 `json:"discount_percent"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriberRequest) (Subscriber, error)
	List(ctx context.Context, status SubscriberStatus) ([]Subscriber, error)
	GetByID(ctx context.Context, id snowflake.ID) (Subscriber, error)
	UpdateStatus(ctx context.Context, id snowflake.ID, status SubscriberStatus) error

	// ListActive returns the subscribers eligible for allocation.
	ListActive(ctx context.Context) ([]Subscriber, error)
}

var (
	ErrSubscriberNotFound = errors.New("subscriber_not_found")
	ErrInvalidName        = errors.New("invalid_subscriber_name")
	ErrInvalidEmail       = errors.New("invalid_subscriber_email")
	ErrInvalidWeight      = errors.New("invalid_subscriber_weight")
	ErrInvalidDiscount    = errors.New("invalid_discount_percent")
	ErrInvalidStatus      = errors.New("invalid_subscriber_status")
)
