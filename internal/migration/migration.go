package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	milestonedomain "github.com/smallbiznis/gigpay/internal/milestone/domain"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"github.com/smallbiznis/gigpay/internal/withdrawal/kyc"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var ErrUnsupportedDialect = errors.New("migrations are provided for postgres and sqlite only")

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&walletdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.OutboxEvent{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionPayment{},
		&milestonedomain.MilestonePlan{},
		&milestonedomain.Milestone{},
		&withdrawaldomain.WithdrawalRequest{},
		&kyc.Verification{},
	}
}

// Apply brings the schema up to date. Postgres uses the versioned SQL files;
// sqlite is migrated from the models for local runs.
func Apply(conn *gorm.DB, dbType string) error {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	case "sqlite":
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDialect, dbType)
	}
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Closing the migrator would close the shared *sql.DB.

	return nil
}
