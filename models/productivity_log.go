package models

import (
	"time"
)

type Mood string

const (
	MoodGreat    Mood = "great"
	MoodGood     Mood = "good"
	MoodOK       Mood = "ok"
	MoodBad      Mood = "bad"
	MoodTerrible Mood = "terrible"
)

// Moods lists all valid moods in a fixed order so distributions built from
// them are deterministic.
var Moods = []Mood{MoodGreat, MoodGood, MoodOK, MoodBad, MoodTerrible}

func ValidMood(m Mood) bool {
	for _, v := range Moods {
		if m == v {
			return true
		}
	}
	return false
}

// ProductivityLog is one immutable telemetry sample. Rows are append-only:
// they are never updated, and are only removed in bulk when a whole bucket is
// compacted into rollups. Bucket holds the unix start of the time bucket the
// sample falls in, so range scans and retention touch whole buckets at a time.
type ProductivityLog struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         string    `gorm:"type:varchar(36);not null;index:idx_prod_user_bucket" json:"user_id"`
	TaskID         *string   `gorm:"type:varchar(36);index" json:"task_id,omitempty"`
	Ts             time.Time `gorm:"index" json:"ts"`
	Bucket         int64     `gorm:"index:idx_prod_user_bucket" json:"bucket"`
	FocusScore     float64   `json:"focusScore"`
	EnergyLevel    float64   `json:"energyLevel"`
	SessionMinutes float64   `json:"sessionMinutes"`
	Interruptions  int       `json:"interruptions"`
	Mood           Mood      `gorm:"type:varchar(20)" json:"mood"`
}

func (ProductivityLog) TableName() string {
	return "productivity_logs"
}
