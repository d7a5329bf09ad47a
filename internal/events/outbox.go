package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event is a structured notification emitted by a mutating operation.
type Event struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxRecord persists an event inside the mutating transaction. A separate
// dispatcher (external collaborator) drains the table; this subsystem never
// delivers notifications itself.
type OutboxRecord struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	Type       string            `gorm:"type:text;not null;index"`
	Payload    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	DedupeKey  string            `gorm:"type:text;not null;uniqueIndex:ux_events_outbox_dedupe"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DispatchAt *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (OutboxRecord) TableName() string { return "events_outbox" }

type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish writes the event in its own transaction. It reports whether a row
// was inserted; a duplicate dedupe key inserts nothing.
func (o *Outbox) Publish(ctx context.Context, event Event) (bool, error) {
	return o.PublishTx(ctx, o.db, event)
}

// PublishTx writes the event using the caller's transaction so the event and
// the mutation commit or roll back together. A duplicate dedupe key drops the
// event and reports false.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) (bool, error) {
	payload := datatypes.JSONMap{}
	for k, v := range event.Payload {
		payload[k] = v
	}
	dedupe := event.DedupeKey
	if dedupe == "" {
		dedupe = o.genID.Generate().String()
	}
	result := tx.WithContext(ctx).
		Exec(
			`INSERT INTO events_outbox (id, type, payload, dedupe_key, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (dedupe_key) DO NOTHING`,
			o.genID.Generate(),
			event.Type,
			payload,
			dedupe,
			time.Now().UTC(),
		)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Pending lists undispatched events, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []OutboxRecord
	err := o.db.WithContext(ctx).
		Where("dispatch_at IS NULL").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
