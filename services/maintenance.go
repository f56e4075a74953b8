package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

const (
	DefaultMaintenanceInterval = 10 * time.Minute
	DefaultRoutingRetention    = 90 * 24 * time.Hour
	DefaultChangeRetention     = 7 * 24 * time.Hour

	// AutoBumpActor is recorded as bumped_by for records bumped by the job.
	AutoBumpActor = "system:auto-bump"
)

type MaintenanceConfig struct {
	Interval         time.Duration
	RoutingRetention time.Duration
	ChangeRetention  time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultMaintenanceInterval
	}
	if c.RoutingRetention <= 0 {
		c.RoutingRetention = DefaultRoutingRetention
	}
	if c.ChangeRetention <= 0 {
		c.ChangeRetention = DefaultChangeRetention
	}
	return c
}

// MaintenanceReport counts the rows each task touched in one run.
type MaintenanceReport struct {
	PurgedRoutings   int64 `json:"purged_routings"`
	PurgedChanges    int64 `json:"purged_changes"`
	OrphanRoutings   int64 `json:"orphan_routings"`
	OrphanUnrouted   int64 `json:"orphan_unrouted"`
	StaleClosed      int64 `json:"stale_closed"`
	AutoBumped       int64 `json:"auto_bumped"`
	ThroughputMetric int64 `json:"throughput_metrics"`
}

// MaintenanceJob cleans up routing state on a fixed interval.
type MaintenanceJob struct {
	db          *gorm.DB
	stations    *StationRegistry
	transitions *TransitionService
	cfg         MaintenanceConfig
	clock       Clock
}

func NewMaintenanceJob(db *gorm.DB, stations *StationRegistry, transitions *TransitionService, cfg MaintenanceConfig) *MaintenanceJob {
	return &MaintenanceJob{db: db, stations: stations, transitions: transitions, cfg: cfg.withDefaults()}
}

func (j *MaintenanceJob) WithClock(clock Clock) *MaintenanceJob {
	j.clock = clock
	return j
}

// Serve runs the job until ctx is cancelled.
func (j *MaintenanceJob) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	utils.InfoLogger.WithField("interval", j.cfg.Interval).Info("maintenance job started")
	for {
		select {
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				utils.ErrorLogger.WithError(err).Error("maintenance run failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (j *MaintenanceJob) String() string { return "maintenance-job" }

// RunOnce executes every task once. A failing task is logged and the
// remaining tasks still run; the first error is returned.
func (j *MaintenanceJob) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	now := j.clock.now()

	tasks := []struct {
		name string
		run  func(context.Context, time.Time) (int64, error)
		into *int64
	}{
		{"close_stale", j.closeStale, &report.StaleClosed},
		{"orphan_routings", j.deleteOrphanRoutings, &report.OrphanRoutings},
		{"orphan_unrouted", j.deleteOrphanUnrouted, &report.OrphanUnrouted},
		{"auto_bump", j.autoBump, &report.AutoBumped},
		{"throughput", j.rollupThroughput, &report.ThroughputMetric},
		{"purge_routings", j.purgeRoutings, &report.PurgedRoutings},
		{"purge_changes", j.purgeChanges, &report.PurgedChanges},
	}

	var firstErr error
	for _, task := range tasks {
		n, err := task.run(ctx, now)
		*task.into = n
		if n > 0 {
			metrics.MaintenanceRows.WithLabelValues(task.name).Add(float64(n))
		}
		if err != nil {
			utils.ErrorLogger.WithError(err).WithField("task", task.name).Error("maintenance task failed")
			if firstErr == nil {
				firstErr = storeError("maintenance "+task.name, err)
			}
		}
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"stale_closed":    report.StaleClosed,
		"orphan_routings": report.OrphanRoutings,
		"orphan_unrouted": report.OrphanUnrouted,
		"auto_bumped":     report.AutoBumped,
		"throughput":      report.ThroughputMetric,
		"purged_routings": report.PurgedRoutings,
		"purged_changes":  report.PurgedChanges,
	}).Info("maintenance run finished")
	return report, firstErr
}

// closeStale retires active routings whose order is already cancelled or
// served.
func (j *MaintenanceJob) closeStale(ctx context.Context, now time.Time) (int64, error) {
	var closed int64
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		closed = 0
		var stale []models.RoutingRecord
		err := tx.Preload("Order").
			Joins("JOIN orders ON orders.id = routing_records.order_id").
			Where("routing_records.completed_at IS NULL AND orders.status IN ?",
				[]models.OrderStatus{models.OrderStatusCancelled, models.OrderStatusServed}).
			Find(&stale).Error
		if err != nil {
			return err
		}
		for i := range stale {
			n, err := closeRouting(tx, &stale[i], models.CloseReasonStale, now)
			if err != nil {
				return err
			}
			closed += int64(n)
		}
		return nil
	})
	return closed, err
}

func (j *MaintenanceJob) deleteOrphanRoutings(ctx context.Context, _ time.Time) (int64, error) {
	res := j.db.WithContext(ctx).
		Where("order_id NOT IN (?)", j.db.Model(&models.Order{}).Select("id")).
		Delete(&models.RoutingRecord{})
	return res.RowsAffected, res.Error
}

func (j *MaintenanceJob) deleteOrphanUnrouted(ctx context.Context, _ time.Time) (int64, error) {
	res := j.db.WithContext(ctx).
		Where("order_id NOT IN (?)", j.db.Model(&models.Order{}).Select("id")).
		Delete(&models.UnroutedOrder{})
	return res.RowsAffected, res.Error
}

// autoBump bumps completed records that stayed on screen longer than their
// station's auto-bump duration.
func (j *MaintenanceJob) autoBump(ctx context.Context, now time.Time) (int64, error) {
	stations, err := j.stations.ListActiveStations(ctx)
	if err != nil {
		return 0, err
	}

	var bumped int64
	for _, station := range stations {
		if station.AutoBumpSeconds <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(station.AutoBumpSeconds) * time.Second)

		var ids []uint
		err := j.db.WithContext(ctx).Model(&models.RoutingRecord{}).
			Where("station_id = ? AND close_reason = ? AND bumped_at IS NULL AND completed_at < ?",
				station.ID, models.CloseReasonCompleted, cutoff).
			Pluck("id", &ids).Error
		if err != nil {
			return bumped, err
		}
		for _, id := range ids {
			if _, err := j.transitions.Transition(ctx, id, ActionBump, AutoBumpActor); err != nil {
				if IsConflict(err) {
					continue
				}
				return bumped, err
			}
			bumped++
		}
	}
	return bumped, nil
}

// rollupThroughput writes one throughput metric per station for the last
// full hour. An hour already rolled up is skipped.
func (j *MaintenanceJob) rollupThroughput(ctx context.Context, now time.Time) (int64, error) {
	end := now.Truncate(time.Hour)
	start := end.Add(-time.Hour)
	db := j.db.WithContext(ctx)

	var done int64
	if err := db.Model(&models.MetricRecord{}).
		Where("type = ? AND recorded_at = ?", models.MetricThroughput, start).
		Count(&done).Error; err != nil {
		return 0, err
	}
	if done > 0 {
		return 0, nil
	}

	var rows []struct {
		StationID uint
		Total     int64
	}
	err := db.Model(&models.RoutingRecord{}).
		Select("station_id, COUNT(*) AS total").
		Where("completed_at >= ? AND completed_at < ? AND close_reason IN ?", start, end,
			[]models.CloseReason{models.CloseReasonCompleted, models.CloseReasonBumped}).
		Group("station_id").
		Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return 0, err
	}

	records := make([]models.MetricRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.NewMetric(row.StationID, 0, 0, models.MetricThroughput, float64(row.Total), start))
	}
	if err := db.Create(&records).Error; err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (j *MaintenanceJob) purgeRoutings(ctx context.Context, now time.Time) (int64, error) {
	res := j.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", now.Add(-j.cfg.RoutingRetention)).
		Delete(&models.RoutingRecord{})
	return res.RowsAffected, res.Error
}

func (j *MaintenanceJob) purgeChanges(ctx context.Context, now time.Time) (int64, error) {
	res := j.db.WithContext(ctx).
		Where("processed = ? AND changed_at < ?", true, now.Add(-j.cfg.ChangeRetention)).
		Delete(&models.DBChange{})
	return res.RowsAffected, res.Error
}
