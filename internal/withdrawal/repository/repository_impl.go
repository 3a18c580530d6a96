package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() withdrawaldomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *withdrawaldomain.WithdrawalRequest) error {
	return db.WithContext(ctx).Create(req).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID, key string) (*withdrawaldomain.WithdrawalRequest, error) {
	var req withdrawaldomain.WithdrawalRequest
	err := db.WithContext(ctx).
		Where("org_id = ? AND owner_id = ? AND idempotency_key = ?", orgID, ownerID, key).
		Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID, limit int) ([]withdrawaldomain.WithdrawalRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []withdrawaldomain.WithdrawalRequest
	err := db.WithContext(ctx).
		Where("org_id = ? AND owner_id = ?", orgID, ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
