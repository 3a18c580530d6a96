package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PostEntryRequest describes one balanced journal entry.
type PostEntryRequest struct {
	OrgID          snowflake.ID
	OwnerID        snowflake.ID
	IdempotencyKey string
	SourceType     LedgerSourceType
	SourceID       snowflake.ID
	Currency       string
	OccurredAt     time.Time
	Lines          []LedgerEntryLine
}

type Service interface {
	// PostTx writes the entry inside tx. It returns false without writing
	// when the idempotency key was already used by this owner.
	PostTx(ctx context.Context, tx *gorm.DB, req PostEntryRequest) (*LedgerEntry, bool, error)
	ExistsTx(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID, idempotencyKey string) (bool, error)
	ListByOwner(ctx context.Context, orgID, ownerID snowflake.ID, limit int) ([]LedgerEntry, error)
}
