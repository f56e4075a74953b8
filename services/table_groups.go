package services

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

type UrgencyTier string

const (
	UrgencyGreen    UrgencyTier = "green"
	UrgencyYellow   UrgencyTier = "yellow"
	UrgencyRed      UrgencyTier = "red"
	UrgencyCritical UrgencyTier = "critical"
)

func (t UrgencyTier) rank() int {
	switch t {
	case UrgencyYellow:
		return 1
	case UrgencyRed:
		return 2
	case UrgencyCritical:
		return 3
	default:
		return 0
	}
}

// UrgencyThresholds are ascending elapsed-time boundaries.
type UrgencyThresholds struct {
	Yellow   time.Duration
	Red      time.Duration
	Critical time.Duration
}

func DefaultUrgencyThresholds() UrgencyThresholds {
	return UrgencyThresholds{
		Yellow:   models.DefaultUrgencyYellowSeconds * time.Second,
		Red:      models.DefaultUrgencyRedSeconds * time.Second,
		Critical: models.DefaultUrgencyCriticalSeconds * time.Second,
	}
}

// ThresholdsFor reads a station's thresholds, falling back to the defaults
// for unset values.
func ThresholdsFor(station models.Station) UrgencyThresholds {
	t := DefaultUrgencyThresholds()
	if station.UrgencyYellowSeconds > 0 {
		t.Yellow = time.Duration(station.UrgencyYellowSeconds) * time.Second
	}
	if station.UrgencyRedSeconds > 0 {
		t.Red = time.Duration(station.UrgencyRedSeconds) * time.Second
	}
	if station.UrgencyCriticalSeconds > 0 {
		t.Critical = time.Duration(station.UrgencyCriticalSeconds) * time.Second
	}
	return t
}

func (t UrgencyThresholds) Tier(elapsed time.Duration) UrgencyTier {
	switch {
	case elapsed >= t.Critical:
		return UrgencyCritical
	case elapsed >= t.Red:
		return UrgencyRed
	case elapsed >= t.Yellow:
		return UrgencyYellow
	default:
		return UrgencyGreen
	}
}

type TableEntry struct {
	Routing        models.RoutingRecord `json:"routing"`
	Order          models.Order         `json:"order"`
	ElapsedSeconds int64                `json:"elapsed_seconds"`
	Urgency        UrgencyTier          `json:"urgency"`
}

type TableGroup struct {
	TableID           string       `json:"table_id"`
	Entries           []TableEntry `json:"entries"`
	EarliestRoutedAt  time.Time    `json:"earliest_routed_at"`
	MaxElapsedSeconds int64        `json:"max_elapsed_seconds"`
	MaxPriority       int          `json:"max_priority"`
	Urgency           UrgencyTier  `json:"urgency"`
}

// GroupByTable groups active records by their order's table. Records without
// a loaded order or already completed are ignored. Entries are FIFO by
// routed_at; groups are sorted by highest priority, then oldest first.
func GroupByTable(records []models.RoutingRecord, now time.Time, thresholdsFor func(stationID uint) UrgencyThresholds) []TableGroup {
	if thresholdsFor == nil {
		thresholdsFor = func(uint) UrgencyThresholds { return DefaultUrgencyThresholds() }
	}

	byTable := make(map[string]*TableGroup)
	var order []string
	for _, rec := range records {
		if rec.Order == nil || !rec.Active() {
			continue
		}
		g, ok := byTable[rec.Order.TableID]
		if !ok {
			g = &TableGroup{TableID: rec.Order.TableID, MaxPriority: rec.Priority}
			byTable[rec.Order.TableID] = g
			order = append(order, rec.Order.TableID)
		}

		elapsed := now.Sub(rec.RoutedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		entry := TableEntry{
			Routing:        rec,
			Order:          *rec.Order,
			ElapsedSeconds: int64(elapsed / time.Second),
			Urgency:        thresholdsFor(rec.StationID).Tier(elapsed),
		}
		entry.Routing.Order = nil
		g.Entries = append(g.Entries, entry)
	}

	groups := make([]TableGroup, 0, len(order))
	for _, id := range order {
		g := byTable[id]
		sort.SliceStable(g.Entries, func(i, j int) bool {
			a, b := g.Entries[i].Routing, g.Entries[j].Routing
			if !a.RoutedAt.Equal(b.RoutedAt) {
				return a.RoutedAt.Before(b.RoutedAt)
			}
			return a.ID < b.ID
		})
		g.EarliestRoutedAt = g.Entries[0].Routing.RoutedAt
		g.Urgency = UrgencyGreen
		for _, e := range g.Entries {
			if e.ElapsedSeconds > g.MaxElapsedSeconds {
				g.MaxElapsedSeconds = e.ElapsedSeconds
			}
			if e.Routing.Priority > g.MaxPriority {
				g.MaxPriority = e.Routing.Priority
			}
			if e.Urgency.rank() > g.Urgency.rank() {
				g.Urgency = e.Urgency
			}
		}
		groups = append(groups, *g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].MaxPriority != groups[j].MaxPriority {
			return groups[i].MaxPriority > groups[j].MaxPriority
		}
		if !groups[i].EarliestRoutedAt.Equal(groups[j].EarliestRoutedAt) {
			return groups[i].EarliestRoutedAt.Before(groups[j].EarliestRoutedAt)
		}
		return groups[i].TableID < groups[j].TableID
	})
	return groups
}

// StationQueue orders one station's active records for display: priority
// promotes a record ahead of older ones, otherwise FIFO by routed_at.
func StationQueue(records []models.RoutingRecord) []models.RoutingRecord {
	queue := make([]models.RoutingRecord, 0, len(records))
	for _, rec := range records {
		if rec.Active() {
			queue = append(queue, rec)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		a, b := queue[i], queue[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.RoutedAt.Equal(b.RoutedAt) {
			return a.RoutedAt.Before(b.RoutedAt)
		}
		return a.ID < b.ID
	})
	return queue
}

// TableService serves table groups and completes whole tables.
type TableService struct {
	db       *gorm.DB
	stations *StationRegistry
	timing   *TimingEngine
	clock    Clock
}

func NewTableService(db *gorm.DB, stations *StationRegistry, timing *TimingEngine) *TableService {
	return &TableService{db: db, stations: stations, timing: timing}
}

func (s *TableService) WithClock(clock Clock) *TableService {
	s.clock = clock
	return s
}

// GetTableGroups returns the live table groups, optionally restricted to
// routings at one station.
func (s *TableService) GetTableGroups(ctx context.Context, stationID *uint) ([]TableGroup, error) {
	const op = "get table groups"

	q := s.db.WithContext(ctx).Preload("Order").Where("completed_at IS NULL")
	if stationID != nil {
		if _, err := s.stations.Get(ctx, *stationID); err != nil {
			return nil, err
		}
		q = q.Where("station_id = ?", *stationID)
	}
	var records []models.RoutingRecord
	if err := q.Order("routed_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, storeError(op, err)
	}

	thresholds := make(map[uint]UrgencyThresholds)
	thresholdsFor := func(id uint) UrgencyThresholds {
		if t, ok := thresholds[id]; ok {
			return t
		}
		t := DefaultUrgencyThresholds()
		if station, err := s.stations.Get(ctx, id); err == nil {
			t = ThresholdsFor(station)
		}
		thresholds[id] = t
		return t
	}
	return GroupByTable(records, s.clock.now(), thresholdsFor), nil
}

// CompleteTable completes every active routing of a table in one
// transaction. If any record fails to update nothing is completed. The
// timing engine runs per record once the batch has committed.
func (s *TableService) CompleteTable(ctx context.Context, tableID, actorID string) ([]models.RoutingRecord, error) {
	const op = "complete table"

	if tableID == "" {
		metrics.TableCompletions.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, validationError(op, "table id is required")
	}

	now := s.clock.now()
	var completed []models.RoutingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		completed = completed[:0]
		var active []models.RoutingRecord
		err := tx.Preload("Order").
			Joins("JOIN orders ON orders.id = routing_records.order_id").
			Where("orders.table_id = ? AND routing_records.completed_at IS NULL", tableID).
			Order("routing_records.routed_at ASC, routing_records.id ASC").
			Find(&active).Error
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return notFoundError(op, "table "+tableID+" has no active routings")
		}

		for i := range active {
			n, err := closeRouting(tx, &active[i], models.CloseReasonCompleted, now)
			if err != nil {
				return err
			}
			if n == 0 {
				return conflictError(op, "a routing of the table changed concurrently")
			}
			completed = append(completed, active[i])
		}
		return nil
	})
	if err != nil {
		metrics.TableCompletions.WithLabelValues(resultLabel(err)).Inc()
		utils.ErrorLogger.WithError(err).WithField("table_id", tableID).Warn("table completion rolled back")
		return nil, storeError(op, err)
	}

	for i := range completed {
		if s.timing == nil {
			break
		}
		if _, err := s.timing.OnCompleted(ctx, &completed[i]); err != nil {
			utils.ErrorLogger.WithError(err).WithField("routing_id", completed[i].ID).Error("timing engine failed")
		}
	}

	metrics.TableCompletions.WithLabelValues(metrics.ResultOK).Inc()
	utils.InfoLogger.WithFields(logrus.Fields{
		"table_id": tableID,
		"records":  len(completed),
		"actor":    actorID,
	}).Info("table completed")
	return completed, nil
}
