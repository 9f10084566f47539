package services

import (
	"fmt"
	"strings"
	"testing"

	"table-settlement-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a per-test in-memory database with the full schema.
// Shared cache keeps every pooled connection on the same memory store.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Table{},
		&models.Seat{},
		&models.SeatOccupancy{},
		&models.SettlementAttempt{},
		&models.SettlementRecord{},
		&models.OrphanedEscrow{},
		&models.LeaderboardEntry{},
		&models.WalletLink{},
	))
	return db
}

// seedTable writes an open table with its seat array, bypassing the
// provisioner, for tests that start mid-lifecycle.
func seedTable(t *testing.T, db *gorm.DB, creator string, buyIn string) *models.Table {
	t.Helper()

	table := &models.Table{
		ID:                 uuid.NewString(),
		Name:               "Friday Night",
		JoinSlug:           "friday-night",
		BuyIn:              decimal.RequireFromString(buyIn),
		Token:              models.TokenETH,
		CreatorID:          creator,
		EscrowAddress:      "0xescrow-" + uuid.NewString(),
		ProvisionRequestID: uuid.NewString(),
		Status:             models.TableStatusOpen,
	}
	require.NoError(t, db.Create(table).Error)

	seats := make([]models.Seat, models.SeatsPerTable)
	for i := range seats {
		seats[i] = models.Seat{ID: uuid.NewString(), TableID: table.ID, Position: i}
	}
	require.NoError(t, db.Create(&seats).Error)
	return table
}
