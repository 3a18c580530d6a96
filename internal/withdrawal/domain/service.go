package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/money"
	"gorm.io/gorm"
)

type Request struct {
	OrgID          snowflake.ID
	OwnerID        snowflake.ID
	Amount         money.Money
	MethodID       string
	IdempotencyKey string
}

type Service interface {
	// Validate applies the KYC gate, minimum and available balance check and
	// quotes the fee without moving funds.
	Validate(ctx context.Context, orgID, ownerID snowflake.ID, amount money.Money) (*Quote, error)
	Request(ctx context.Context, req Request) (*WithdrawalRequest, error)
	ListByOwner(ctx context.Context, orgID, ownerID snowflake.ID, limit int) ([]WithdrawalRequest, error)
}

// KYCProvider reports an owner's identity verification state.
type KYCProvider interface {
	Status(ctx context.Context, orgID, ownerID snowflake.ID) (KYCStatus, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *WithdrawalRequest) error
	FindByKey(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID, key string) (*WithdrawalRequest, error)
	ListByOwner(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID, limit int) ([]WithdrawalRequest, error)
}
