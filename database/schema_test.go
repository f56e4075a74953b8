package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

func setupDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	utils.SilenceLoggers()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := setupDB(t, "migrate")
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	for _, idx := range requiredIndexes {
		assert.True(t, db.Migrator().HasIndex(idx.model, idx.name), idx.name)
	}
}

func TestActiveStopIndexAllowsClosedDuplicates(t *testing.T) {
	db := setupDB(t, "active_stop")
	require.NoError(t, Migrate(db))
	require.NoError(t, db.Create(&models.Order{ID: 1, TableID: "T1", Type: models.OrderTypeFood, Status: models.OrderStatusConfirmed}).Error)

	open := func() *models.RoutingRecord {
		return &models.RoutingRecord{OrderID: 1, StationID: 1, Sequence: 1, ActiveSlot: models.ActiveSlotMarker(), Version: 1}
	}
	first := open()
	require.NoError(t, db.Create(first).Error)
	assert.ErrorIs(t, db.Create(open()).Error, gorm.ErrDuplicatedKey)

	// Closing frees the slot; closed rows never collide.
	require.NoError(t, db.Model(first).Updates(map[string]interface{}{"active_slot": nil, "completed_at": first.CreatedAt}).Error)
	require.NoError(t, db.Create(open()).Error)
	closed := &models.RoutingRecord{OrderID: 1, StationID: 1, Sequence: 1, Version: 1}
	require.NoError(t, db.Create(closed).Error)
}

func TestSeedStationsOnlyOnEmptyTable(t *testing.T) {
	db := setupDB(t, "seed")
	require.NoError(t, Migrate(db))

	n, err := SeedStations(db)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultStations()), n)

	n, err = SeedStations(db)
	require.NoError(t, err)
	assert.Zero(t, n)

	var stations []models.Station
	require.NoError(t, db.Find(&stations).Error)
	assert.Len(t, stations, len(DefaultStations()))
	for _, s := range stations {
		assert.True(t, s.Active, s.Name)
		assert.True(t, s.Type.Valid(), s.Name)
	}
}
