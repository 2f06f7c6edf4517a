package models

import (
	"time"

	"gorm.io/datatypes"
)

// ActivityLog is the append-only audit trail. Identity is the composite
// (id, ts) pair, matching the time-partitioned layout: the same surrogate id
// can only ever appear once per timestamp, and partition pruning works off ts.
type ActivityLog struct {
	ID     string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	Ts     time.Time         `gorm:"primaryKey" json:"ts"`
	UserID string            `gorm:"type:varchar(36);not null;index" json:"user_id"`
	TaskID *string           `gorm:"type:varchar(36);index" json:"task_id,omitempty"`
	Action string            `gorm:"type:varchar(100);not null" json:"action"`
	Detail datatypes.JSONMap `json:"detail"`
}

func (ActivityLog) TableName() string {
	return "activity_logs"
}
