package kyc

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/gigpay/internal/clock"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestStoreUpsertsStatus(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Verification{}))

	store := NewStore(Params{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))})
	ctx := context.Background()

	status, err := store.Status(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, withdrawaldomain.KYCStatusUnverified, status)

	_, err = store.SetStatus(ctx, 1, 42, withdrawaldomain.KYCStatusPending)
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, 1, 42, withdrawaldomain.KYCStatusApproved)
	require.NoError(t, err)

	status, err = store.Status(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, withdrawaldomain.KYCStatusApproved, status)

	_, err = store.SetStatus(ctx, 1, 42, withdrawaldomain.KYCStatus("maybe"))
	assert.ErrorIs(t, err, withdrawaldomain.ErrInvalidKYCStatus)
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Approved ")
	require.NoError(t, err)
	assert.Equal(t, withdrawaldomain.KYCStatusApproved, status)

	_, err = ParseStatus("")
	assert.ErrorIs(t, err, withdrawaldomain.ErrInvalidKYCStatus)
}
