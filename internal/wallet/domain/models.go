package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/money"
)

// Wallet holds one owner's balances in the canonical currency.
type Wallet struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_owner,priority:1" json:"org_id"`
	OwnerID          snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_owner,priority:2" json:"owner_id"`
	Currency         string       `gorm:"type:text;not null" json:"currency"`
	AvailableBalance int64        `gorm:"not null;default:0" json:"available_balance"`
	LockedBalance    int64        `gorm:"not null;default:0" json:"locked_balance"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func (w *Wallet) Available() money.Money {
	return money.New(w.AvailableBalance, money.Currency(w.Currency))
}

func (w *Wallet) Locked() money.Money {
	return money.New(w.LockedBalance, money.Currency(w.Currency))
}

// View is a wallet expressed in a display currency. Canonical balances are
// kept alongside because converted figures are rounded.
type View struct {
	OwnerID            snowflake.ID `json:"owner_id"`
	Available          money.Money  `json:"available_balance"`
	Locked             money.Money  `json:"locked_balance"`
	CanonicalAvailable money.Money  `json:"canonical_available_balance"`
	CanonicalLocked    money.Money  `json:"canonical_locked_balance"`
}
