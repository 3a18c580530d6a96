// Package kyc stores identity verification outcomes reported by the external
// verification collaborator.
package kyc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/clock"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Verification struct {
	OrgID     snowflake.ID               `gorm:"primaryKey;autoIncrement:false" json:"org_id"`
	OwnerID   snowflake.ID               `gorm:"primaryKey;autoIncrement:false" json:"owner_id"`
	Status    withdrawaldomain.KYCStatus `gorm:"type:text;not null" json:"status"`
	UpdatedAt time.Time                  `gorm:"not null" json:"updated_at"`
}

func (Verification) TableName() string { return "kyc_verifications" }

func ParseStatus(raw string) (withdrawaldomain.KYCStatus, error) {
	switch status := withdrawaldomain.KYCStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case withdrawaldomain.KYCStatusUnverified,
		withdrawaldomain.KYCStatusPending,
		withdrawaldomain.KYCStatusApproved,
		withdrawaldomain.KYCStatusRejected:
		return status, nil
	default:
		return "", withdrawaldomain.ErrInvalidKYCStatus
	}
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

// Store is the database-backed KYCProvider.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewStore(p Params) *Store {
	return &Store{db: p.DB, log: p.Log.Named("kyc.store"), clock: p.Clock}
}

func NewProvider(s *Store) withdrawaldomain.KYCProvider { return s }

// Status returns unverified for owners with no record.
func (s *Store) Status(ctx context.Context, orgID, ownerID snowflake.ID) (withdrawaldomain.KYCStatus, error) {
	var row Verification
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND owner_id = ?", orgID, ownerID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return withdrawaldomain.KYCStatusUnverified, nil
	}
	if err != nil {
		return "", err
	}
	return row.Status, nil
}

// SetStatus records the verification outcome for an owner.
func (s *Store) SetStatus(ctx context.Context, orgID, ownerID snowflake.ID, status withdrawaldomain.KYCStatus) (*Verification, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	row := &Verification{OrgID: orgID, OwnerID: ownerID, Status: status, UpdatedAt: s.clock.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		return nil, err
	}
	s.log.Info("kyc status updated",
		zap.String("owner_id", ownerID.String()),
		zap.String("status", string(status)),
	)
	return row, nil
}

// Static is an in-memory KYCProvider.
type Static struct {
	mu       sync.RWMutex
	statuses map[snowflake.ID]withdrawaldomain.KYCStatus
}

func NewStatic() *Static {
	return &Static{statuses: map[snowflake.ID]withdrawaldomain.KYCStatus{}}
}

func (s *Static) Set(ownerID snowflake.ID, status withdrawaldomain.KYCStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[ownerID] = status
}

func (s *Static) Status(_ context.Context, _ snowflake.ID, ownerID snowflake.ID) (withdrawaldomain.KYCStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.statuses[ownerID]; ok {
		return status, nil
	}
	return withdrawaldomain.KYCStatusUnverified, nil
}
