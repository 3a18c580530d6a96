package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypeDeposit          LedgerSourceType = "deposit"
	SourceTypeSubscription     LedgerSourceType = "subscription"
	SourceTypeRenewal          LedgerSourceType = "renewal"
	SourceTypeEscrowLock       LedgerSourceType = "escrow_lock"
	SourceTypeEscrowUnlock     LedgerSourceType = "escrow_unlock"
	SourceTypeEscrowRelease    LedgerSourceType = "escrow_release"
	SourceTypeWithdrawal       LedgerSourceType = "withdrawal"
	SourceTypeManualAdjustment LedgerSourceType = "adjustment"
)

type LedgerAccountCode string

const (
	// Owner balances held by the platform.
	AccountCodeWalletAvailable LedgerAccountCode = "wallet_available"
	AccountCodeWalletLocked    LedgerAccountCode = "wallet_locked"

	// Platform side.
	AccountCodeExternalFunding LedgerAccountCode = "external_funding"
	AccountCodePlatformRevenue LedgerAccountCode = "platform_revenue"
	AccountCodePayoutsClearing LedgerAccountCode = "payouts_clearing"
	AccountCodeEscrowPayout    LedgerAccountCode = "escrow_payout"
)

// LedgerEntry is the immutable header of one balance movement. The
// idempotency key is unique per owner so a retried call never posts twice.
type LedgerEntry struct {
	ID             snowflake.ID     `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_ledger_entries_idempotency,priority:1" json:"org_id"`
	OwnerID        snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_idempotency,priority:2" json:"owner_id"`
	IdempotencyKey string           `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_idempotency,priority:3" json:"idempotency_key"`
	SourceType     LedgerSourceType `gorm:"type:text;not null;index" json:"source_type"`
	SourceID       snowflake.ID     `gorm:"not null;index" json:"source_id"`
	Currency       string           `gorm:"type:text;not null" json:"currency"`
	OccurredAt     time.Time        `gorm:"not null" json:"occurred_at"`
	CreatedAt      time.Time        `gorm:"not null" json:"created_at"`

	Lines []LedgerEntryLine `gorm:"foreignKey:LedgerEntryID" json:"lines,omitempty"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey" json:"id"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index" json:"ledger_entry_id"`
	AccountCode   LedgerAccountCode    `gorm:"type:text;not null" json:"account_code"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null" json:"direction"`
	Currency      string               `gorm:"type:text;not null" json:"currency"`
	Amount        int64                `gorm:"not null" json:"amount"`
	CreatedAt     time.Time            `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }
