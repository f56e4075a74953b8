package database

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

// requiredIndexes back the routing invariants and the hot lookups. Migrate
// fails when one of them is missing after AutoMigrate.
var requiredIndexes = []struct {
	model interface{}
	name  string
}{
	{&models.RoutingRecord{}, "idx_routing_active_stop"},
	{&models.RoutingRecord{}, "idx_routing_station_active"},
	{&models.RoutingRecord{}, "idx_routing_station_completed"},
	{&models.UnroutedOrder{}, "idx_unrouted_orders_order_id"},
}

// Migrate creates or updates the schema and verifies the indexes the routing
// engine relies on.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Order{},
		&models.Station{},
		&models.RoutingRecord{},
		&models.MetricRecord{},
		&models.UnroutedOrder{},
		&models.DBChange{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	for _, idx := range requiredIndexes {
		if !db.Migrator().HasIndex(idx.model, idx.name) {
			return fmt.Errorf("index %s is missing", idx.name)
		}
		utils.InfoLogger.WithField("index", idx.name).Debug("index verified")
	}
	utils.InfoLogger.Info("schema migrated")
	return nil
}

// DefaultStations is the station set created on an empty database.
func DefaultStations() []models.Station {
	station := func(name string, typ models.StationType) models.Station {
		return models.Station{
			Name:                    name,
			Type:                    typ,
			Active:                  true,
			AnomalyThresholdSeconds: models.DefaultAnomalyThresholdSeconds,
			UrgencyYellowSeconds:    models.DefaultUrgencyYellowSeconds,
			UrgencyRedSeconds:       models.DefaultUrgencyRedSeconds,
			UrgencyCriticalSeconds:  models.DefaultUrgencyCriticalSeconds,
		}
	}
	return []models.Station{
		station("Grill", models.StationTypeGrill),
		station("Fryer", models.StationTypeFryer),
		station("Salad", models.StationTypeSalad),
		station("Prep", models.StationTypePrep),
		station("Pastry", models.StationTypeDessert),
		station("Bar", models.StationTypeBar),
		station("Expo", models.StationTypeExpo),
	}
}

// SeedStations inserts DefaultStations when the stations table is empty.
func SeedStations(db *gorm.DB) (int, error) {
	var count int64
	if err := db.Model(&models.Station{}).Count(&count).Error; err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	stations := DefaultStations()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&stations).Error; err != nil {
		return 0, fmt.Errorf("seed stations: %w", err)
	}
	utils.InfoLogger.WithField("stations", len(stations)).Info("default stations seeded")
	return len(stations), nil
}
