package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/kitchen-router/database"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/notify"
	"github.com/yeremiapane/kitchen-router/utils"
)

var ctx = context.Background()

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// setupTestDB opens a private in-memory database for the calling test.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	utils.SilenceLoggers()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type fixture struct {
	db          *gorm.DB
	now         time.Time
	notes       *notify.Recorder
	stations    *StationRegistry
	timing      *TimingEngine
	router      *OrderRouter
	transitions *TransitionService
	tables      *TableService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: setupTestDB(t), now: baseTime, notes: &notify.Recorder{}}
	clock := Clock(func() time.Time { return f.now })

	f.stations = NewStationRegistry(f.db, time.Minute).WithClock(clock)
	f.timing = NewTimingEngine(f.db, f.stations, f.notes, DefaultTimingConfig()).WithClock(clock)
	f.router = NewOrderRouter(f.db, f.stations).WithClock(clock)
	f.transitions = NewTransitionService(f.db, f.timing).WithClock(clock)
	f.tables = NewTableService(f.db, f.stations, f.timing).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) station(t *testing.T, name string, typ models.StationType) models.Station {
	t.Helper()
	s := models.Station{Name: name, Type: typ, Active: true, CreatedAt: f.now, UpdatedAt: f.now}
	require.NoError(t, f.db.Create(&s).Error)
	f.stations.Invalidate()
	return s
}

func (f *fixture) order(t *testing.T, id uint, table string, typ models.OrderType) models.Order {
	t.Helper()
	o := models.Order{ID: id, TableID: table, Type: typ, Status: models.OrderStatusConfirmed, CreatedAt: f.now, UpdatedAt: f.now}
	require.NoError(t, f.db.Create(&o).Error)
	return o
}

// routeTo routes order to a single station and returns the record.
func (f *fixture) routeTo(t *testing.T, order models.Order, stationID uint) models.RoutingRecord {
	t.Helper()
	recs, err := f.router.RouteOrder(ctx, order, RouteOptions{Stops: []Stop{{StationID: stationID, Sequence: 1}}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func (f *fixture) reload(t *testing.T, id uint) models.RoutingRecord {
	t.Helper()
	var rec models.RoutingRecord
	require.NoError(t, f.db.Preload("Order").First(&rec, id).Error)
	return rec
}

// history inserts a finished routing with the given prep time.
func (f *fixture) history(t *testing.T, orderID, stationID uint, prep int, completedAt time.Time) {
	t.Helper()
	p := prep
	routed := completedAt.Add(-time.Duration(prep) * time.Second)
	rec := models.RoutingRecord{
		OrderID:           orderID,
		StationID:         stationID,
		Sequence:          1,
		RoutedAt:          routed,
		CompletedAt:       &completedAt,
		ActualPrepSeconds: &p,
		CloseReason:       models.CloseReasonCompleted,
		Version:           2,
		CreatedAt:         routed,
		UpdatedAt:         completedAt,
	}
	require.NoError(t, f.db.Create(&rec).Error)
}

func (f *fixture) metrics(t *testing.T, typ models.MetricType) []models.MetricRecord {
	t.Helper()
	var rows []models.MetricRecord
	require.NoError(t, f.db.Where("type = ?", typ).Order("id ASC").Find(&rows).Error)
	return rows
}

func (f *fixture) changes(t *testing.T, table string) []models.DBChange {
	t.Helper()
	var rows []models.DBChange
	require.NoError(t, f.db.Where("table_name = ?", table).Order("id ASC").Find(&rows).Error)
	return rows
}
