package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestApplySQLiteCreatesEveryTable(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Apply(conn, "sqlite"))
	// Second run is a no-op.
	require.NoError(t, Apply(conn, "sqlite"))

	for _, table := range []string{
		"wallets",
		"ledger_entries",
		"ledger_entry_lines",
		"outbox_events",
		"subscriptions",
		"subscription_payments",
		"milestone_plans",
		"milestones",
		"withdrawal_requests",
		"kyc_verifications",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestApplyRejectsUnknownDialect(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = Apply(conn, "mysql")
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestEmbeddedSQLCoversEveryModelTable(t *testing.T) {
	up, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	require.NoError(t, err)
	down, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.down.sql")
	require.NoError(t, err)

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	for _, model := range Models() {
		stmt := &gorm.Statement{DB: conn}
		require.NoError(t, stmt.Parse(model))
		table := stmt.Schema.Table
		assert.True(t, strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
		assert.True(t, strings.Contains(string(down), "DROP TABLE IF EXISTS "+table+";"), table)
	}
}
