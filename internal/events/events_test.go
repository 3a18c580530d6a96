package events

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&OutboxEvent{}))
	return db
}

type recordingPublisher struct {
	seen []string
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, evt OutboxEvent) error {
	if p.fail {
		return errors.New("broker down")
	}
	p.seen = append(p.seen, evt.DedupeKey)
	return nil
}

func TestPublishTxDedupes(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	outbox := NewOutbox(node)
	ctx := context.Background()

	evt := Event{OrgID: 1, Type: EventWalletChanged, Payload: map[string]any{"owner_id": "9"}, DedupeKey: "wallet:1"}
	require.NoError(t, outbox.PublishTx(ctx, db, evt))
	require.NoError(t, outbox.PublishTx(ctx, db, evt))

	var count int64
	require.NoError(t, db.Model(&OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	assert.ErrorIs(t, outbox.PublishTx(ctx, db, Event{Type: EventWalletChanged}), ErrInvalidEvent)
}

func TestRelayDrain(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	outbox := NewOutbox(node)
	ctx := context.Background()

	require.NoError(t, outbox.PublishTx(ctx, db, Event{OrgID: 1, Type: EventWalletChanged, DedupeKey: "a"}))
	require.NoError(t, outbox.PublishTx(ctx, db, Event{OrgID: 1, Type: EventSubscriptionChanged, DedupeKey: "b"}))

	failing := &recordingPublisher{fail: true}
	n, err := NewRelay(db, outbox, failing, zap.NewNop()).Drain(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, 0, n)

	pub := &recordingPublisher{}
	relay := NewRelay(db, outbox, pub, zap.NewNop())
	n, err = relay.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "b"}, pub.seen)

	n, err = relay.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
