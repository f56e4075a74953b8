package kds

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/models"
)

// DefaultReplayLimit caps how many change rows a reconnecting viewer may
// replay. Beyond it the viewer gets a fresh snapshot instead.
const DefaultReplayLimit = 1000

// Feed reads the change log and the live routing table for subscribers that
// connect or reconnect.
type Feed struct {
	db          *gorm.DB
	replayLimit int
}

func NewFeed(db *gorm.DB, replayLimit int) *Feed {
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	return &Feed{db: db, replayLimit: replayLimit}
}

// Snapshot returns the active routings visible to f. Its Seq is the last
// change id at the time of the read.
func (fd *Feed) Snapshot(ctx context.Context, f Filter) (Event, error) {
	db := fd.db.WithContext(ctx)

	var last []models.DBChange
	if err := db.Select("id").Order("id DESC").Limit(1).Find(&last).Error; err != nil {
		return Event{}, fmt.Errorf("read change sequence: %w", err)
	}

	q := db.Preload("Order").Where("routing_records.completed_at IS NULL")
	if f.TableID != "" {
		q = q.Joins("JOIN orders ON orders.id = routing_records.order_id").
			Where("orders.table_id = ?", f.TableID)
	}
	if f.StationID != 0 && f.Role != RoleServer {
		q = q.Where("routing_records.station_id = ?", f.StationID)
	}
	var records []models.RoutingRecord
	if err := q.Order("routing_records.routed_at ASC, routing_records.id ASC").Find(&records).Error; err != nil {
		return Event{}, fmt.Errorf("read active routings: %w", err)
	}

	data, err := json.Marshal(Snapshot{Records: records})
	if err != nil {
		return Event{}, fmt.Errorf("encode snapshot: %w", err)
	}
	e := Event{Type: EventSnapshot, StationID: f.StationID, TableID: f.TableID, Data: data, At: time.Now().UTC()}
	if len(last) == 1 {
		e.Seq = uint64(last[0].ID)
	}
	return e, nil
}

// Replay returns the changes after since that match f, oldest first. The
// boolean is false when more changes exist than the replay limit allows.
func (fd *Feed) Replay(ctx context.Context, f Filter, since uint64) ([]Event, bool, error) {
	var changes []models.DBChange
	err := fd.db.WithContext(ctx).
		Where("id > ?", since).
		Order("id ASC").
		Limit(fd.replayLimit + 1).
		Find(&changes).Error
	if err != nil {
		return nil, false, fmt.Errorf("read change log: %w", err)
	}
	if len(changes) > fd.replayLimit {
		return nil, false, nil
	}

	events := make([]Event, 0, len(changes))
	for _, change := range changes {
		e := EventFromChange(change)
		if f.Matches(e) {
			events = append(events, e)
		}
	}
	return events, true, nil
}

// Subscribe sends the initial frames for a new subscriber: a snapshot when
// since is zero or the gap is too large to replay, the missed changes
// otherwise. The client must already be registered so that nothing committed
// in between is lost; duplicates are removed by the viewer.
func (fd *Feed) Subscribe(ctx context.Context, c *Client, since uint64) error {
	if since > 0 {
		events, ok, err := fd.Replay(ctx, c.Filter, since)
		if err != nil {
			return err
		}
		if ok {
			for _, e := range events {
				if !c.Enqueue(e) {
					return fmt.Errorf("client queue full during replay")
				}
			}
			return nil
		}
	}

	snap, err := fd.Snapshot(ctx, c.Filter)
	if err != nil {
		return err
	}
	if !c.Enqueue(snap) {
		return fmt.Errorf("client queue full during snapshot")
	}
	return nil
}
