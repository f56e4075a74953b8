package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

const (
	DefaultChangePollInterval = 250 * time.Millisecond
	changeBatchSize           = 100
)

// EventPublisher receives committed change events.
type EventPublisher interface {
	Publish(e kds.Event)
}

// ChangeMonitor relays committed change-log rows to the subscriber hub.
// Writers only insert rows; delivery happens here, after commit, so a slow
// viewer can never hold up a routing write. Rows are marked processed after
// they were published, which makes delivery at-least-once.
type ChangeMonitor struct {
	DB        *gorm.DB
	Publisher EventPublisher
	Interval  time.Duration
}

func NewChangeMonitor(db *gorm.DB, publisher EventPublisher) *ChangeMonitor {
	return &ChangeMonitor{
		DB:        db,
		Publisher: publisher,
		Interval:  DefaultChangePollInterval,
	}
}

func (cm *ChangeMonitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(cm.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				n, err := cm.ProcessPending(ctx)
				if err != nil {
					utils.ErrorLogger.WithError(err).Error("change relay failed")
					break
				}
				if n < changeBatchSize {
					break
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (cm *ChangeMonitor) String() string { return "change-monitor" }

// ProcessPending publishes one batch of unprocessed changes in id order and
// returns how many were relayed.
func (cm *ChangeMonitor) ProcessPending(ctx context.Context) (int, error) {
	var changes []models.DBChange
	if err := cm.DB.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(changeBatchSize).
		Find(&changes).Error; err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	ids := make([]uint, 0, len(changes))
	for _, change := range changes {
		cm.Publisher.Publish(kds.EventFromChange(change))
		ids = append(ids, change.ID)
	}

	if err := cm.DB.WithContext(ctx).
		Model(&models.DBChange{}).
		Where("id IN ?", ids).
		Update("processed", true).Error; err != nil {
		return 0, err
	}

	utils.InfoLogger.WithField("changes", len(changes)).Debug("relayed change events")
	return len(changes), nil
}
