package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Outbox *events.Outbox `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	outbox *events.Outbox
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("ledger.service"),
		genID:  p.GenID,
		outbox: p.Outbox,
	}
}

func (s *Service) PostTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostEntryRequest) (*ledgerdomain.LedgerEntry, bool, error) {
	if req.OrgID == 0 {
		return nil, false, ledgerdomain.ErrInvalidOrganization
	}
	if req.OwnerID == 0 {
		return nil, false, ledgerdomain.ErrInvalidOwner
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, false, ledgerdomain.ErrMissingIdempotency
	}
	if strings.TrimSpace(string(req.SourceType)) == "" {
		return nil, false, ledgerdomain.ErrInvalidSourceType
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		return nil, false, ledgerdomain.ErrInvalidCurrency
	}
	if req.OccurredAt.IsZero() {
		return nil, false, ledgerdomain.ErrInvalidOccurredAt
	}
	if len(req.Lines) < 2 {
		return nil, false, ledgerdomain.ErrInvalidEntryLines
	}

	normalized := make([]ledgerdomain.LedgerEntryLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if strings.TrimSpace(string(line.AccountCode)) == "" {
			return nil, false, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return nil, false, err
		}
		if line.Amount <= 0 {
			return nil, false, ledgerdomain.ErrInvalidLineAmount
		}
		lineCurrency := strings.TrimSpace(line.Currency)
		if lineCurrency == "" {
			lineCurrency = currency
		}
		normalized = append(normalized, ledgerdomain.LedgerEntryLine{
			AccountCode: line.AccountCode,
			Direction:   direction,
			Currency:    lineCurrency,
			Amount:      line.Amount,
		})
	}
	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	entry := ledgerdomain.LedgerEntry{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		OwnerID:        req.OwnerID,
		IdempotencyKey: key,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		Currency:       currency,
		OccurredAt:     req.OccurredAt.UTC(),
		CreatedAt:      now,
	}
	result := tx.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}

	for i := range normalized {
		normalized[i].ID = s.genID.Generate()
		normalized[i].LedgerEntryID = entry.ID
		normalized[i].CreatedAt = now
	}
	if err := tx.WithContext(ctx).Create(&normalized).Error; err != nil {
		return nil, false, err
	}
	entry.Lines = normalized

	if s.outbox != nil {
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: req.OrgID,
			Type:  events.EventLedgerEntryCreated,
			Payload: map[string]any{
				"ledger_entry_id": entry.ID.String(),
				"owner_id":        req.OwnerID.String(),
				"source_type":     string(req.SourceType),
				"source_id":       req.SourceID.String(),
			},
			DedupeKey: "ledger_entry:" + entry.ID.String(),
		}); err != nil {
			return nil, false, err
		}
	}

	s.log.Debug("ledger entry posted",
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.String("source_type", string(req.SourceType)),
	)
	return &entry, true, nil
}

func (s *Service) ExistsTx(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID, idempotencyKey string) (bool, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return false, nil
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("org_id = ? AND owner_id = ? AND idempotency_key = ?", orgID, ownerID, key).
		Count(&count).Error
	return count > 0, err
}

func (s *Service) ListByOwner(ctx context.Context, orgID, ownerID snowflake.ID, limit int) ([]ledgerdomain.LedgerEntry, error) {
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Preload("Lines").
		Where("org_id = ? AND owner_id = ?", orgID, ownerID).
		Order("occurred_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	switch strings.ToLower(strings.TrimSpace(string(direction))) {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
