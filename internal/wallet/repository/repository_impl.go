package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

func (r *repo) FindByOwner(ctx context.Context, conn *gorm.DB, orgID, ownerID snowflake.ID) (*walletdomain.Wallet, error) {
	return r.find(conn.WithContext(ctx), orgID, ownerID)
}

func (r *repo) FindByOwnerForUpdate(ctx context.Context, conn *gorm.DB, orgID, ownerID snowflake.ID) (*walletdomain.Wallet, error) {
	return r.find(db.ForUpdate(conn.WithContext(ctx)), orgID, ownerID)
}

func (r *repo) find(conn *gorm.DB, orgID, ownerID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := conn.Where("org_id = ? AND owner_id = ?", orgID, ownerID).Take(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repo) InsertIfMissing(ctx context.Context, conn *gorm.DB, wallet *walletdomain.Wallet) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(wallet).Error
}

func (r *repo) UpdateBalances(ctx context.Context, conn *gorm.DB, wallet *walletdomain.Wallet) error {
	return conn.WithContext(ctx).
		Model(&walletdomain.Wallet{}).
		Where("id = ?", wallet.ID).
		Updates(map[string]any{
			"available_balance": wallet.AvailableBalance,
			"locked_balance":    wallet.LockedBalance,
			"updated_at":        wallet.UpdatedAt,
		}).Error
}
