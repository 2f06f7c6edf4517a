package models

import (
	"time"

	"gorm.io/datatypes"
)

// Suggestion is a generated, confidence-scored recommendation. The apply
// transition is one-way: once IsApplied is set the row never goes back.
type Suggestion struct {
	ID         string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID     string            `gorm:"type:varchar(36);not null;index" json:"user_id"`
	TaskID     *string           `gorm:"type:varchar(36);index" json:"task_id,omitempty"`
	Type       string            `gorm:"column:suggestion_type;type:varchar(50);index" json:"suggestionType"`
	Message    string            `gorm:"type:text;not null" json:"message"`
	Reason     datatypes.JSONMap `json:"reason"`
	Confidence float64           `json:"confidence"`
	IsApplied  bool              `gorm:"default:false" json:"isApplied"`
	AppliedAt  *time.Time        `json:"appliedAt,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (Suggestion) TableName() string {
	return "suggestions"
}
