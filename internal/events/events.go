// Package events is the transactional outbox. Domain services append events
// inside the same transaction as the state change; a relay hands pending
// events to the external publisher.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	EventLedgerEntryCreated     = "ledger.entry_created"
	EventWalletChanged          = "wallet.changed"
	EventSubscriptionChanged    = "subscription.changed"
	EventMilestonePlanSubmitted = "milestone_plan.submitted"
	EventMilestonePlanApproved  = "milestone_plan.approved"
	EventMilestonePlanRevision  = "milestone_plan.revision_requested"
	EventWithdrawalRequested    = "withdrawal.requested"
)

var ErrInvalidEvent = errors.New("invalid_event")

type Event struct {
	OrgID     snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxEvent is a pending or published row of the outbox table.
type OutboxEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_outbox_events_dedupe,priority:1" json:"org_id"`
	EventType   string            `gorm:"type:text;not null" json:"event_type"`
	Payload     datatypes.JSONMap `gorm:"not null" json:"payload"`
	DedupeKey   string            `gorm:"type:text;not null;uniqueIndex:ux_outbox_events_dedupe,priority:2" json:"dedupe_key"`
	Published   bool              `gorm:"not null;default:false;index" json:"published"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

type Outbox struct {
	genID *snowflake.Node
}

func NewOutbox(genID *snowflake.Node) *Outbox {
	return &Outbox{genID: genID}
}

// PublishTx appends evt to the outbox within tx. A repeated dedupe key is
// ignored.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if evt.OrgID == 0 || strings.TrimSpace(evt.Type) == "" {
		return ErrInvalidEvent
	}

	id := o.genID.Generate()
	dedupe := strings.TrimSpace(evt.DedupeKey)
	if dedupe == "" {
		dedupe = evt.Type + ":" + id.String()
	}
	payload := datatypes.JSONMap{}
	for k, v := range evt.Payload {
		payload[k] = v
	}

	row := OutboxEvent{
		ID:        id,
		OrgID:     evt.OrgID,
		EventType: evt.Type,
		Payload:   payload,
		DedupeKey: dedupe,
		CreatedAt: time.Now().UTC(),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// FetchPending returns the oldest unpublished events.
func (o *Outbox) FetchPending(ctx context.Context, db *gorm.DB, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []OutboxEvent
	err := db.WithContext(ctx).
		Where("published = ?", false).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (o *Outbox) MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]any{"published": true, "published_at": at.UTC()}).Error
}
