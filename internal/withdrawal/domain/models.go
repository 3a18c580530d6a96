// Package domain contains withdrawal requests and the payout policy quote.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/money"
)

type WithdrawalStatus string

// WithdrawalStatusRequested is the only state modeled here; payout execution
// happens outside this service.
const WithdrawalStatusRequested WithdrawalStatus = "requested"

// WithdrawalRequest is append-only.
type WithdrawalRequest struct {
	ID                snowflake.ID     `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID     `gorm:"not null;uniqueIndex:ux_withdrawals_idempotency,priority:1" json:"org_id"`
	OwnerID           snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_withdrawals_idempotency,priority:2" json:"owner_id"`
	IdempotencyKey    string           `gorm:"type:text;not null;uniqueIndex:ux_withdrawals_idempotency,priority:3" json:"idempotency_key"`
	RequestedAmount   int64            `gorm:"not null" json:"requested_amount"`
	RequestedCurrency string           `gorm:"type:text;not null" json:"requested_currency"`
	Amount            int64            `gorm:"not null" json:"amount"`
	Fee               int64            `gorm:"not null" json:"fee"`
	NetAmount         int64            `gorm:"not null" json:"net_amount"`
	Currency          string           `gorm:"type:text;not null" json:"currency"`
	MethodID          string           `gorm:"type:text;not null" json:"method_id"`
	Reference         string           `gorm:"type:text;not null;uniqueIndex" json:"reference"`
	Status            WithdrawalStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt         time.Time        `gorm:"not null" json:"created_at"`
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// Quote is the policy outcome for a requested amount. Amount, Fee and Net are
// canonical.
type Quote struct {
	Requested money.Money `json:"requested"`
	Amount    money.Money `json:"amount"`
	Fee       money.Money `json:"fee"`
	Net       money.Money `json:"net"`
	Minimum   money.Money `json:"minimum"`
}

type KYCStatus string

const (
	KYCStatusUnverified KYCStatus = "unverified"
	KYCStatusPending    KYCStatus = "pending"
	KYCStatusApproved   KYCStatus = "approved"
	KYCStatusRejected   KYCStatus = "rejected"
)
