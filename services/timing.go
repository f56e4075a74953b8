package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/notify"
	"github.com/yeremiapane/kitchen-router/utils"
)

const (
	DefaultAnomalyWindow     = 14 * 24 * time.Hour
	DefaultAnomalyMultiplier = 2.5
	DefaultMaxPrepSeconds    = 6 * 60 * 60
)

// Anomaly reasons stored in MetricRecord.Details.
const (
	ReasonOverThreshold = "over_threshold"
	ReasonOverAverage   = "over_average"
	ReasonImplausible   = "implausible_prep_time"
)

type TimingConfig struct {
	// Window is the trailing period the station average is computed over.
	Window time.Duration
	// Multiplier applied to the station average for the relative test.
	Multiplier float64
	// MaxPrepSeconds bounds the plausible prep time; values outside
	// 0..MaxPrepSeconds are clamped and flagged.
	MaxPrepSeconds int
	// MinSamples is the number of completed records required before the
	// relative test applies.
	MinSamples int
}

func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		Window:         DefaultAnomalyWindow,
		Multiplier:     DefaultAnomalyMultiplier,
		MaxPrepSeconds: DefaultMaxPrepSeconds,
		MinSamples:     1,
	}
}

func (c TimingConfig) withDefaults() TimingConfig {
	d := DefaultTimingConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxPrepSeconds <= 0 {
		c.MaxPrepSeconds = d.MaxPrepSeconds
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	return c
}

// PrepSeconds measures from started_at when present, else routed_at. The
// result is not clamped.
func PrepSeconds(routedAt time.Time, startedAt *time.Time, completedAt time.Time) int {
	from := routedAt
	if startedAt != nil {
		from = *startedAt
	}
	return int(math.Round(completedAt.Sub(from).Seconds()))
}

// ClampPrep bounds raw into 0..max and reports whether it had to.
func ClampPrep(raw, max int) (int, bool) {
	switch {
	case raw < 0:
		return 0, true
	case raw > max:
		return max, true
	default:
		return raw, false
	}
}

// AnomalyVerdict holds the outcome of the two independent anomaly tests.
type AnomalyVerdict struct {
	OverThreshold bool
	OverAverage   bool
}

func (v AnomalyVerdict) Flagged() bool {
	return v.OverThreshold || v.OverAverage
}

func (v AnomalyVerdict) Reason() string {
	var reasons []string
	if v.OverThreshold {
		reasons = append(reasons, ReasonOverThreshold)
	}
	if v.OverAverage {
		reasons = append(reasons, ReasonOverAverage)
	}
	return strings.Join(reasons, ",")
}

// EvaluatePrep flags actual when it exceeds the station threshold or the
// trailing average times multiplier. Without an average only the threshold
// applies. A threshold of zero disables the fixed test.
func EvaluatePrep(actual, thresholdSeconds int, average float64, hasAverage bool, multiplier float64) AnomalyVerdict {
	var v AnomalyVerdict
	if thresholdSeconds > 0 && actual > thresholdSeconds {
		v.OverThreshold = true
	}
	if hasAverage && float64(actual) > average*multiplier {
		v.OverAverage = true
	}
	return v
}

// PrepResult is what the engine computed for one completed routing.
type PrepResult struct {
	RawSeconds    int
	ActualSeconds int
	Implausible   bool
	Average       float64
	Samples       int64
	HasAverage    bool
	Verdict       AnomalyVerdict
}

// TimingEngine runs after a routing record has been completed. It stores the
// actual prep time, appends the metric rows and raises anomalies.
type TimingEngine struct {
	db       *gorm.DB
	stations *StationRegistry
	notifier notify.Notifier
	cfg      TimingConfig
	clock    Clock
}

func NewTimingEngine(db *gorm.DB, stations *StationRegistry, notifier notify.Notifier, cfg TimingConfig) *TimingEngine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &TimingEngine{db: db, stations: stations, notifier: notifier, cfg: cfg.withDefaults()}
}

func (e *TimingEngine) WithClock(clock Clock) *TimingEngine {
	e.clock = clock
	return e
}

// OnCompleted processes a record whose completed_at was just set. Records
// closed without kitchen work (reassigned, cancelled, stale) are skipped and
// yield a nil result. rec.ActualPrepSeconds is updated in place.
func (e *TimingEngine) OnCompleted(ctx context.Context, rec *models.RoutingRecord) (*PrepResult, error) {
	const op = "record prep time"

	if rec.CompletedAt == nil {
		return nil, &RoutingError{Op: op, Kind: ErrValidation, Reason: "routing is not completed", RoutingID: rec.ID}
	}
	if !rec.CloseReason.CountsAsPrep() {
		return nil, nil
	}

	res := &PrepResult{RawSeconds: PrepSeconds(rec.RoutedAt, rec.StartedAt, *rec.CompletedAt)}
	res.ActualSeconds, res.Implausible = ClampPrep(res.RawSeconds, e.cfg.MaxPrepSeconds)

	threshold := models.DefaultAnomalyThresholdSeconds
	if station, err := e.stations.Get(ctx, rec.StationID); err == nil {
		threshold = station.AnomalyThresholdSeconds
	} else {
		utils.ErrorLogger.WithError(err).WithField("station_id", rec.StationID).Warn("station lookup failed, using default anomaly threshold")
	}

	now := e.clock.now()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var avg struct {
			Average *float64
			Samples int64
		}
		err := tx.Model(&models.RoutingRecord{}).
			Select("AVG(actual_prep_seconds) AS average, COUNT(*) AS samples").
			Where("station_id = ? AND id <> ? AND completed_at >= ? AND actual_prep_seconds IS NOT NULL AND close_reason IN ?",
				rec.StationID, rec.ID, rec.CompletedAt.Add(-e.cfg.Window),
				[]models.CloseReason{models.CloseReasonCompleted, models.CloseReasonBumped}).
			Scan(&avg).Error
		if err != nil {
			return err
		}
		res.Samples = avg.Samples
		if avg.Average != nil && avg.Samples >= int64(e.cfg.MinSamples) {
			res.Average = *avg.Average
			res.HasAverage = true
		}
		res.Verdict = EvaluatePrep(res.ActualSeconds, threshold, res.Average, res.HasAverage, e.cfg.Multiplier)

		if err := tx.Model(&models.RoutingRecord{}).
			Where("id = ?", rec.ID).
			Update("actual_prep_seconds", res.ActualSeconds).Error; err != nil {
			return err
		}

		rows := []models.MetricRecord{
			models.NewMetric(rec.StationID, rec.OrderID, rec.ID, models.MetricPrepTime, float64(res.ActualSeconds), now),
		}
		if res.Implausible {
			m := models.NewMetric(rec.StationID, rec.OrderID, rec.ID, models.MetricAnomaly, float64(res.RawSeconds), now)
			m.Details = ReasonImplausible
			rows = append(rows, m)
		}
		if res.Verdict.Flagged() {
			m := models.NewMetric(rec.StationID, rec.OrderID, rec.ID, models.MetricAnomaly, float64(res.ActualSeconds), now)
			m.Details = res.Verdict.Reason()
			rows = append(rows, m)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}

		actual := res.ActualSeconds
		rec.ActualPrepSeconds = &actual
		return recordRoutingChange(tx, models.ChangeUpdate, rec, now)
	})
	if err != nil {
		rec.ActualPrepSeconds = nil
		re := storeError(op, err)
		re.RoutingID = rec.ID
		return nil, re
	}

	if res.Implausible {
		metrics.Anomalies.WithLabelValues(ReasonImplausible).Inc()
		utils.ErrorLogger.WithFields(logrus.Fields{
			"routing_id":  rec.ID,
			"raw_seconds": res.RawSeconds,
		}).Warn("implausible prep time clamped")
	}
	if res.Verdict.Flagged() {
		metrics.Anomalies.WithLabelValues(res.Verdict.Reason()).Inc()
		e.raise(ctx, rec, res, threshold, now)
	}
	return res, nil
}

func (e *TimingEngine) raise(ctx context.Context, rec *models.RoutingRecord, res *PrepResult, threshold int, at time.Time) {
	n := notify.Notification{
		Kind:      notify.KindPrepAnomaly,
		StationID: rec.StationID,
		OrderID:   rec.OrderID,
		RoutingID: rec.ID,
		Message:   fmt.Sprintf("prep time %ds at station %d is anomalous (%s)", res.ActualSeconds, rec.StationID, res.Verdict.Reason()),
		Details: map[string]interface{}{
			"actual_seconds":    res.ActualSeconds,
			"threshold_seconds": threshold,
			"average_seconds":   res.Average,
			"has_average":       res.HasAverage,
			"multiplier":        e.cfg.Multiplier,
		},
		At: at,
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		utils.ErrorLogger.WithError(err).WithField("routing_id", rec.ID).Error("failed to publish anomaly notification")
	}
}
