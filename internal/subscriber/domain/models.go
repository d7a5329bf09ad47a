// Package domain contains persistence models for the subscription registry.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriberStatus represents subscription lifecycle states. Only active
// subscribers participate in allocation.
type SubscriberStatus string

const (
	SubscriberStatusActive    SubscriberStatus = "active"
	SubscriberStatusPending   SubscriberStatus = "pending"
	SubscriberStatusSuspended SubscriberStatus = "suspended"
	SubscriberStatusCancelled SubscriberStatus = "cancelled"
)

// Subscriber holds one customer's subscription terms. AverageBillValue is the
// allocation weight; DiscountPercent is the billing discount policy set at
// subscription creation.
type Subscriber struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name             string            `gorm:"type:text;not null" json:"name"`
	Email            string            `gorm:"type:text;not null;uniqueIndex:ux_subscribers_email" json:"email"`
	AverageBillValue float64           `gorm:"not null;default:0" json:"average_bill_value"`
	DiscountPercent  float64           `gorm:"not null;default:0" json:"discount_percent"`
	Status           SubscriberStatus  `gorm:"type:text;not null;default:'pending';index" json:"status"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscriber) TableName() string { return "subscribers" }
