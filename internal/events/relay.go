package events

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher delivers events to subscribers outside this service.
type Publisher interface {
	Publish(ctx context.Context, evt OutboxEvent) error
}

// LogPublisher writes events to the log. It stands in until a broker is
// configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) Publisher {
	return &LogPublisher{log: log.Named("events.publisher")}
}

func (p *LogPublisher) Publish(_ context.Context, evt OutboxEvent) error {
	p.log.Info("event",
		zap.String("event_type", evt.EventType),
		zap.String("event_id", evt.ID.String()),
		zap.String("org_id", evt.OrgID.String()),
		zap.String("dedupe_key", evt.DedupeKey),
	)
	return nil
}

// Relay drains the outbox into a Publisher.
type Relay struct {
	db        *gorm.DB
	outbox    *Outbox
	publisher Publisher
	log       *zap.Logger
}

func NewRelay(db *gorm.DB, outbox *Outbox, publisher Publisher, log *zap.Logger) *Relay {
	return &Relay{db: db, outbox: outbox, publisher: publisher, log: log.Named("events.relay")}
}

// Drain publishes up to limit pending events in order and stops at the first
// failure so ordering is preserved.
func (r *Relay) Drain(ctx context.Context, limit int) (int, error) {
	rows, err := r.outbox.FetchPending(ctx, r.db, limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		if err := r.publisher.Publish(ctx, row); err != nil {
			r.log.Warn("publish failed", zap.String("event_id", row.ID.String()), zap.Error(err))
			return published, err
		}
		if err := r.outbox.MarkPublished(ctx, r.db, row.ID, time.Now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
