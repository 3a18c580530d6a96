package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	"gorm.io/gorm"
)

// Mutation is one balance change. Amount must be positive and in the
// canonical currency.
type Mutation struct {
	OrgID          snowflake.ID
	OwnerID        snowflake.ID
	Amount         money.Money
	IdempotencyKey string
	SourceType     ledgerdomain.LedgerSourceType
	SourceID       snowflake.ID
}

// Ledger mutates a wallet inside a caller-owned transaction so composite
// operations (approve = lock + state change) commit or roll back together.
// The caller must hold the owner lock.
type Ledger interface {
	Debit(ctx context.Context, tx *gorm.DB, m Mutation) (*Wallet, error)
	Credit(ctx context.Context, tx *gorm.DB, m Mutation) (*Wallet, error)
	Lock(ctx context.Context, tx *gorm.DB, m Mutation) (*Wallet, error)
	Unlock(ctx context.Context, tx *gorm.DB, m Mutation) (*Wallet, error)
	Release(ctx context.Context, tx *gorm.DB, m Mutation) (*Wallet, error)
	// Replayed reports whether key was already applied for the owner.
	Replayed(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID, key string) (bool, error)
	Canonical() money.Currency
}

// Service is the standalone wallet API. Each call takes the owner lock and
// runs in its own transaction.
type Service interface {
	Get(ctx context.Context, orgID, ownerID snowflake.ID) (*Wallet, error)
	Open(ctx context.Context, orgID, ownerID snowflake.ID) (*Wallet, error)
	Deposit(ctx context.Context, m Mutation) (*Wallet, error)
	Unlock(ctx context.Context, m Mutation) (*Wallet, error)
	Release(ctx context.Context, m Mutation) (*Wallet, error)
	Display(ctx context.Context, orgID, ownerID snowflake.ID, currency money.Currency) (*View, error)
}

type Repository interface {
	FindByOwner(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID) (*Wallet, error)
	FindByOwnerForUpdate(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID) (*Wallet, error)
	InsertIfMissing(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	UpdateBalances(ctx context.Context, db *gorm.DB, wallet *Wallet) error
}
