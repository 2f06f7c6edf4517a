package models

import (
	"time"

	"gorm.io/datatypes"
)

// TelemetryRollup is the downsampled replacement for a fixed window of raw
// productivity logs after compaction. A query spanning both regimes stitches
// rollups and raw events together; callers never see which side a number
// came from.
type TelemetryRollup struct {
	ID             string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         string            `gorm:"type:varchar(36);not null;index:idx_rollup_user_bucket" json:"user_id"`
	TaskID         *string           `gorm:"type:varchar(36);index" json:"task_id,omitempty"`
	Bucket         int64             `gorm:"index:idx_rollup_user_bucket" json:"bucket"`
	WindowStart    time.Time         `gorm:"index" json:"windowStart"`
	WindowEnd      time.Time         `json:"windowEnd"`
	SampleCount    int               `json:"sampleCount"`
	FocusMean      float64           `json:"focusMean"`
	FocusMedian    float64           `json:"focusMedian"`
	FocusP90       float64           `json:"focusP90"`
	EnergyMean     float64           `json:"energyMean"`
	SessionMinutes float64           `json:"sessionMinutes"`
	Interruptions  int               `json:"interruptions"`
	MoodCounts     datatypes.JSONMap `json:"moodCounts"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func (TelemetryRollup) TableName() string {
	return "telemetry_rollups"
}
