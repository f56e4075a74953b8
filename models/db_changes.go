package models

import (
	"time"
)

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

const (
	ChangeTableRouting = "routing_records"
	ChangeTableOrders  = "orders"
)

// DBChange is the change log. Rows are written in the same transaction as the
// mutation they describe; ID doubles as the change sequence seen by viewers.
type DBChange struct {
	ID         uint      `gorm:"primaryKey"`
	TableName  string    `gorm:"type:varchar(50);not null;index:idx_table_action"`
	RecordID   uint      `gorm:"not null"`
	ActionType string    `gorm:"type:varchar(10);not null;index:idx_table_action"`
	StationID  uint      `gorm:"not null;default:0;index"`
	TableRef   string    `gorm:"type:varchar(50)"`
	Payload    string    `gorm:"type:text"`
	ChangedAt  time.Time `gorm:"not null;index"`
	Processed  bool      `gorm:"not null;default:false;index:idx_processed"`
}
